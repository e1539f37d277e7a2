package audit

import (
	"context"
	"time"

	"github.com/linnemanlabs/acuity/internal/triage"
)

// Store is the persistence interface for audit records. Implementations must
// make Finalize a single optimistic write: it succeeds only while the row has
// no actual acuity, sets Matched to SuggestedAcuity == actual, and otherwise
// returns ErrAlreadyFinalized without touching the row.
type Store interface {
	Insert(ctx context.Context, r *Record) error
	Finalize(ctx context.Context, id string, actual triage.Level, at time.Time) (*Record, error)
	Get(ctx context.Context, id string) (*Record, bool, error)
	ListBySession(ctx context.Context, sessionID string) ([]*Record, error)
	ListByBranch(ctx context.Context, branchID string, page Page) ([]*Record, error)
	Counts(ctx context.Context, scope Scope, window Window) (Counts, error)
}
