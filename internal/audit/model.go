package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/acuity/internal/triage"
)

var (
	// ErrNotFound is returned when no record has the given ID.
	ErrNotFound = errors.New("audit record not found")

	// ErrAlreadyFinalized is the state conflict returned by a second finalize.
	ErrAlreadyFinalized = errors.New("audit record already finalized")

	// ErrInvalidContext is returned when session, tenant, branch or patient is missing.
	ErrInvalidContext = errors.New("invalid audit context")

	// ErrInvalidQuery is returned for malformed scopes or windows.
	ErrInvalidQuery = errors.New("invalid audit query")
)

// Outcome is the persisted result of one provider call.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeFallback Outcome = "fallback"
	OutcomeFailed   Outcome = "failed"
)

// Context is supplied by the caller; the recorder never derives it.
type Context struct {
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id"`
	BranchID  string `json:"branch_id"`
	PatientID string `json:"patient_id"`
}

// Validate reports missing identifiers.
func (c Context) Validate() error {
	var missing []string
	for _, f := range []struct{ name, v string }{
		{"session_id", c.SessionID},
		{"tenant_id", c.TenantID},
		{"branch_id", c.BranchID},
		{"patient_id", c.PatientID},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidContext, strings.Join(missing, ", "))
	}
	return nil
}

// Record is one audit row. SuggestedAcuity is empty for failed calls;
// ActualAcuity and Matched stay empty until the row is finalized.
type Record struct {
	ID              string             `json:"id"`
	SessionID       string             `json:"triage_session_id"`
	TenantID        string             `json:"tenant_id"`
	BranchID        string             `json:"branch_id"`
	PatientID       string             `json:"patient_id"`
	ProviderKey     string             `json:"provider"`
	Outcome         Outcome            `json:"outcome"`
	FailureKind     triage.FailureKind `json:"failure_kind,omitempty"`
	SuggestedAcuity triage.Level       `json:"suggested_acuity,omitempty"`
	Confidence      *float64           `json:"confidence,omitempty"`
	Explanation     string             `json:"explanation,omitempty"`
	MatchedPhrase   string             `json:"matched_phrase,omitempty"`
	ModelVersion    string             `json:"model_version,omitempty"`
	InputDigest     string             `json:"input_digest"`
	Error           string             `json:"error,omitempty"`
	ActualAcuity    triage.Level       `json:"actual_acuity,omitempty"`
	Matched         *bool              `json:"matched,omitempty"`
	CalledAt        time.Time          `json:"called_at"`
	LatencyMs       int64              `json:"latency_ms"`
	FinalizedAt     *time.Time         `json:"finalized_at,omitempty"`
}

// Finalized reports whether the human acuity has been written.
func (r *Record) Finalized() bool {
	return r.ActualAcuity != ""
}

// ScopeKind selects how match rates are partitioned.
type ScopeKind string

const (
	ScopeTenant ScopeKind = "tenant"
	ScopeBranch ScopeKind = "branch"
)

// Scope is a tenant or a branch.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// Validate checks the kind and ID.
func (s Scope) Validate() error {
	if s.Kind != ScopeTenant && s.Kind != ScopeBranch {
		return fmt.Errorf("%w: scope kind %q", ErrInvalidQuery, s.Kind)
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: scope id is required", ErrInvalidQuery)
	}
	return nil
}

// Window is the half-open range [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate requires From before To.
func (w Window) Validate() error {
	if !w.From.Before(w.To) {
		return fmt.Errorf("%w: window from %s is not before to %s", ErrInvalidQuery, w.From, w.To)
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Counts are the raw aggregates for a scope and window. Total counts rows that
// carry a suggestion; failed calls are counted separately.
type Counts struct {
	Total     int64 `json:"total_calls"`
	Matched   int64 `json:"matched_calls"`
	Finalized int64 `json:"finalized_calls"`
	Failed    int64 `json:"failed_calls"`
}

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Normalize clamps the limit to 1..MaxPageLimit and the offset to >= 0.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
