package triageapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/acuity/internal/audit"
	"github.com/linnemanlabs/acuity/internal/triage"
)

type auditList struct {
	Audits []*audit.Record `json:"audits"`
}

func newAuditList(recs []*audit.Record) auditList {
	if recs == nil {
		recs = []*audit.Record{}
	}
	return auditList{Audits: recs}
}

// readActualAcuity accepts {"actual_acuity": 2} as well as {"actual_acuity": "2"}.
func readActualAcuity(r *http.Request) (triage.Level, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", fmt.Errorf("%w: unreadable body", triage.ErrInvalidLevel)
	}
	return actualAcuity(body)
}

func actualAcuity(body []byte) (triage.Level, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: invalid payload", triage.ErrInvalidLevel)
	}
	v := gjson.GetBytes(body, "actual_acuity")
	if !v.Exists() || (v.Type != gjson.Number && v.Type != gjson.String) {
		return "", fmt.Errorf("%w: actual_acuity is required", triage.ErrInvalidLevel)
	}
	return triage.ParseLevel(v.String())
}

func (a *API) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("acuity.audit.id", id))

	rec, ok, err := a.audits.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get audit record", "id", id)
		writeErrorMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeErrorMessage(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("acuity.audit.id", id))

	actual, err := readActualAcuity(r)
	if err != nil {
		a.writeError(w, r, err, "invalid finalize request")
		return
	}

	rec, err := a.audits.Finalize(r.Context(), id, actual)
	if err != nil {
		a.writeError(w, r, err, "failed to finalize audit record")
		return
	}
	if rec.Matched != nil {
		span.SetAttributes(attribute.Bool("acuity.matched", *rec.Matched))
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleFinalizeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("acuity.session.id", sessionID))

	actual, err := readActualAcuity(r)
	if err != nil {
		a.writeError(w, r, err, "invalid finalize request")
		return
	}

	recs, err := a.audits.FinalizeSession(r.Context(), sessionID, actual)
	if err != nil {
		a.writeError(w, r, err, "failed to finalize session audits")
		return
	}
	if recs == nil {
		recs = []*audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"finalized": recs})
}

func (a *API) handleListSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	recs, err := a.audits.ListBySession(r.Context(), sessionID)
	if err != nil {
		a.writeError(w, r, err, "failed to list session audits")
		return
	}
	writeJSON(w, http.StatusOK, newAuditList(recs))
}

func (a *API) handleListBranch(w http.ResponseWriter, r *http.Request) {
	branchID := chi.URLParam(r, "id")

	page, err := parsePage(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := a.audits.ListByBranch(r.Context(), branchID, page)
	if err != nil {
		a.writeError(w, r, err, "failed to list branch audits")
		return
	}
	writeJSON(w, http.StatusOK, newAuditList(recs))
}

func parsePage(r *http.Request) (audit.Page, error) {
	var p audit.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("invalid limit %q", v)
		}
		p.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, fmt.Errorf("invalid offset %q", v)
		}
		p.Offset = n
	}
	return p.Normalize(), nil
}
