package triageapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/acuity/internal/audit"
	"github.com/linnemanlabs/acuity/internal/triage"
)

type closeSessionResponse struct {
	Session   *triage.Session `json:"session"`
	Finalized []*audit.Record `json:"finalized"`
}

// handleCloseSession applies the override policy to the caller's session and
// finalizes its audit rows with the same acuity. The session itself is owned
// by the caller and echoed back with acuity_source set. When the session has
// audit rows, their suggestion is authoritative for the override check.
//
// Body: {"session": {...}, "actual_acuity": 2, "override_reason": "..."}
func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("acuity.session.id", sessionID))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid payload")
		return
	}
	actual, err := actualAcuity(body)
	if err != nil {
		a.writeError(w, r, err, "invalid close request")
		return
	}

	var sess triage.Session
	if raw := gjson.GetBytes(body, "session"); raw.IsObject() {
		if err := json.Unmarshal([]byte(raw.Raw), &sess); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid session")
			return
		}
	}
	if sess.ID != "" && sess.ID != sessionID {
		writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("session id %q does not match path", sess.ID))
		return
	}
	sess.ID = sessionID

	// the audit trail, not the caller, says what the AI suggested
	audited, err := a.audits.SuggestedAcuity(r.Context(), sessionID)
	if err != nil {
		a.writeError(w, r, err, "failed to read session audits")
		return
	}
	if audited != "" {
		if sess.AISuggestedAcuity != "" && sess.AISuggestedAcuity != audited {
			writeErrorMessage(w, http.StatusBadRequest,
				fmt.Sprintf("ai_suggested_acuity %s does not match audited suggestion %s", sess.AISuggestedAcuity, audited))
			return
		}
		sess.AISuggestedAcuity = audited
	}

	if err := sess.Close(actual, gjson.GetBytes(body, "override_reason").String(), a.now().UTC()); err != nil {
		a.writeError(w, r, err, "failed to close session")
		return
	}
	span.SetAttributes(attribute.String("acuity.source", string(sess.Source)))

	recs, err := a.audits.FinalizeSession(r.Context(), sessionID, actual)
	if err != nil {
		a.writeError(w, r, err, "failed to finalize session audits")
		return
	}
	if recs == nil {
		recs = []*audit.Record{}
	}
	writeJSON(w, http.StatusOK, closeSessionResponse{Session: &sess, Finalized: recs})
}
