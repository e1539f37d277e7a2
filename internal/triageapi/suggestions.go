package triageapi

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/acuity/internal/audit"
	"github.com/linnemanlabs/acuity/internal/triage"
)

type recordRequest struct {
	audit.Context
	Suggestion *triage.Suggestion `json:"suggestion"`
}

type suggestAndRecordRequest struct {
	audit.Context
	Input *triage.Input `json:"input"`
}

type suggestAndRecordResponse struct {
	AuditID    string             `json:"audit_id"`
	Suggestion *triage.Suggestion `json:"suggestion"`
}

func (a *API) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var in triage.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid payload")
		return
	}

	s, err := a.suggester.Suggest(r.Context(), &in)
	if err != nil {
		a.writeError(w, r, err, "suggest failed")
		return
	}
	annotateSuggestion(r, s)
	writeJSON(w, http.StatusOK, s)
}

func (a *API) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid payload")
		return
	}

	id, err := a.audits.Record(r.Context(), req.Context, req.Suggestion)
	if err != nil {
		a.writeError(w, r, err, "failed to record suggestion")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("acuity.audit.id", id))
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleSuggestAndRecord suggests and audits in one round trip; the caller
// keeps the returned audit ID for the finalize call.
func (a *API) handleSuggestAndRecord(w http.ResponseWriter, r *http.Request) {
	var req suggestAndRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := req.Context.Validate(); err != nil {
		a.writeError(w, r, err, "invalid audit context")
		return
	}
	if req.Input == nil {
		req.Input = &triage.Input{}
	}

	s, err := a.suggester.Suggest(r.Context(), req.Input)
	if err != nil {
		a.writeError(w, r, err, "suggest failed")
		return
	}
	annotateSuggestion(r, s)

	id, err := a.audits.Record(r.Context(), req.Context, s)
	if err != nil {
		a.writeError(w, r, err, "failed to record suggestion")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("acuity.audit.id", id))
	writeJSON(w, http.StatusCreated, suggestAndRecordResponse{AuditID: id, Suggestion: s})
}

func annotateSuggestion(r *http.Request, s *triage.Suggestion) {
	if s == nil {
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("acuity.provider", s.ProviderKey),
		attribute.String("acuity.outcome", string(s.Outcome)),
		attribute.String("acuity.level", string(s.Acuity)),
	)
}
