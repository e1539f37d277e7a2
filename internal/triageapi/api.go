// Package triageapi exposes acuity suggestions, the audit trail and match
// rates over HTTP.
package triageapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/acuity/internal/audit"
	"github.com/linnemanlabs/acuity/internal/matchrate"
	"github.com/linnemanlabs/acuity/internal/triage"
)

// Suggester produces a suggestion for an encounter (triage.Guard in production).
type Suggester interface {
	Suggest(ctx context.Context, in *triage.Input) (*triage.Suggestion, error)
}

// AuditService defines the audit operations the API needs.
type AuditService interface {
	Record(ctx context.Context, c audit.Context, s *triage.Suggestion) (string, error)
	Finalize(ctx context.Context, id string, actual triage.Level) (*audit.Record, error)
	FinalizeSession(ctx context.Context, sessionID string, actual triage.Level) ([]*audit.Record, error)
	Get(ctx context.Context, id string) (*audit.Record, bool, error)
	ListBySession(ctx context.Context, sessionID string) ([]*audit.Record, error)
	SuggestedAcuity(ctx context.Context, sessionID string) (triage.Level, error)
	ListByBranch(ctx context.Context, branchID string, page audit.Page) ([]*audit.Record, error)
}

// MatchRater defines the analytics operations the API needs.
type MatchRater interface {
	MatchRate(ctx context.Context, scope audit.Scope, window audit.Window) (*matchrate.Result, error)
	Daily(ctx context.Context, scope audit.Scope, now time.Time, n int) ([]*matchrate.Result, error)
	Today(now time.Time) audit.Window
	LastNDays(now time.Time, n int) audit.Window
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	suggester Suggester
	audits    AuditService
	rates     MatchRater
	now       func() time.Time
}

// New creates a new API handler.
func New(logger log.Logger, suggester Suggester, audits AuditService, rates MatchRater) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if suggester == nil {
		panic(xerrors.New("suggester is required"))
	}
	if audits == nil {
		panic(xerrors.New("audit service is required"))
	}
	if rates == nil {
		panic(xerrors.New("match rater is required"))
	}
	return &API{
		logger:    logger,
		suggester: suggester,
		audits:    audits,
		rates:     rates,
		now:       time.Now,
	}
}

// RegisterRoutes attaches API endpoints to the router. mw wraps every
// /api/v1 route (bearer auth in production).
func (a *API) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw...)

		r.Post("/suggestions", a.handleSuggest)
		r.Post("/suggestions/record", a.handleSuggestAndRecord)

		r.Post("/audits", a.handleRecord)
		r.Get("/audits/{id}", a.handleGetAudit)
		r.Post("/audits/{id}/finalize", a.handleFinalize)

		r.Get("/sessions/{id}/audits", a.handleListSession)
		r.Post("/sessions/{id}/finalize", a.handleFinalizeSession)
		r.Post("/sessions/{id}/close", a.handleCloseSession)

		r.Get("/branches/{id}/audits", a.handleListBranch)

		r.Get("/match-rate", a.handleMatchRate)
		r.Get("/match-rate/daily", a.handleDaily)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing useful to do with a write error once the header is out
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain errors onto status codes. Anything unrecognised is a
// storage or internal failure and is logged.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, audit.ErrNotFound):
		writeErrorMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, audit.ErrAlreadyFinalized):
		writeErrorMessage(w, http.StatusConflict, "audit record already finalized")
	case errors.Is(err, triage.ErrSessionClosed):
		writeErrorMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, triage.ErrOverrideReasonRequired):
		writeErrorMessage(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, triage.ErrInvalidLevel),
		errors.Is(err, triage.ErrInvalidSuggestion),
		errors.Is(err, audit.ErrInvalidContext),
		errors.Is(err, audit.ErrInvalidQuery):
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error(r.Context(), err, msg)
		writeErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}
