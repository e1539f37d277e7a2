package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/acuity/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/acuity/internal/audit")

// EventType names what happened to a record.
type EventType string

const (
	EventRecorded  EventType = "recorded"
	EventFinalized EventType = "finalized"
)

// Event is handed to a Publisher after a successful write.
type Event struct {
	Type   EventType `json:"type"`
	Record *Record   `json:"record"`
}

// Publisher exports audit events to downstream consumers. The store stays the
// system of record; publish errors are logged and dropped.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// RecorderHooks holds optional callbacks for observability. Nil funcs are skipped.
type RecorderHooks struct {
	OnRecord   func(outcome Outcome)
	OnFinalize func(result string)
	OnPublish  func(err error)
}

// Finalize results reported to RecorderHooks.OnFinalize.
const (
	FinalizeMatched    = "matched"
	FinalizeMismatched = "mismatched"
	FinalizeConflict   = "conflict"
	FinalizeNotFound   = "not_found"
	FinalizeError      = "error"
)

// Recorder writes and finalizes audit records.
type Recorder struct {
	store     Store
	logger    log.Logger
	hooks     RecorderHooks
	publisher Publisher
	now       func() time.Time
}

// NewRecorder creates a Recorder. publisher may be nil.
func NewRecorder(store Store, logger log.Logger, hooks RecorderHooks, publisher Publisher) *Recorder {
	if store == nil {
		panic(xerrors.New("audit store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Recorder{
		store:     store,
		logger:    logger,
		hooks:     hooks,
		publisher: publisher,
		now:       time.Now,
	}
}

// Record persists the suggestion for the given context and returns the ID of
// the row holding the suggestion. When the suggestion carries a provider
// failure, a failed row with no suggestion payload is written first; if no
// suggestion was produced at all, that failed row's ID is returned.
func (r *Recorder) Record(ctx context.Context, c Context, s *triage.Suggestion) (string, error) {
	ctx, span := tracer.Start(ctx, "audit.record", trace.WithAttributes(
		attribute.String("acuity.session.id", c.SessionID),
		attribute.String("acuity.branch.id", c.BranchID),
	))
	defer span.End()

	if err := c.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if s == nil {
		err := fmt.Errorf("%w: nil suggestion", triage.ErrInvalidSuggestion)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	// a payload, when present, must be valid; only an explicit failure or an
	// unavailable outcome may omit it
	if s.Acuity != "" || (s.Failure == nil && s.Outcome != triage.OutcomeUnavailable) {
		if err := triage.ValidateSuggestion(s); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
	}

	calledAt := r.now().UTC()

	failure := s.Failure
	if failure == nil && !s.Available() {
		failure = &triage.Failure{
			ProviderKey: s.ProviderKey,
			Kind:        triage.FailureError,
			Message:     "no suggestion produced",
			LatencyMs:   s.LatencyMs,
		}
	}

	var id string
	if failure != nil {
		rec := &Record{
			ID:          ulid.Make().String(),
			SessionID:   c.SessionID,
			TenantID:    c.TenantID,
			BranchID:    c.BranchID,
			PatientID:   c.PatientID,
			ProviderKey: failure.ProviderKey,
			Outcome:     OutcomeFailed,
			FailureKind: failure.Kind,
			InputDigest: s.InputDigest,
			Error:       failure.Message,
			CalledAt:    calledAt,
			LatencyMs:   failure.LatencyMs,
		}
		if err := r.insert(ctx, rec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
		id = rec.ID
	}

	if s.Available() {
		conf := s.Confidence
		outcome := OutcomeOK
		if s.Outcome == triage.OutcomeFallback {
			outcome = OutcomeFallback
		}
		rec := &Record{
			ID:              ulid.Make().String(),
			SessionID:       c.SessionID,
			TenantID:        c.TenantID,
			BranchID:        c.BranchID,
			PatientID:       c.PatientID,
			ProviderKey:     s.ProviderKey,
			Outcome:         outcome,
			SuggestedAcuity: s.Acuity,
			Confidence:      &conf,
			Explanation:     s.Explanation,
			MatchedPhrase:   s.MatchedPhrase,
			ModelVersion:    s.ModelVersion,
			InputDigest:     s.InputDigest,
			CalledAt:        calledAt,
			LatencyMs:       s.LatencyMs,
		}
		if err := r.insert(ctx, rec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
		id = rec.ID
	}

	span.SetAttributes(attribute.String("acuity.audit.id", id))
	return id, nil
}

func (r *Recorder) insert(ctx context.Context, rec *Record) error {
	if err := r.store.Insert(ctx, rec); err != nil {
		r.logger.Error(ctx, err, "audit insert failed",
			"session_id", rec.SessionID,
			"provider", rec.ProviderKey,
			"outcome", rec.Outcome,
		)
		return fmt.Errorf("insert audit record: %w", err)
	}
	if r.hooks.OnRecord != nil {
		r.hooks.OnRecord(rec.Outcome)
	}
	r.publish(ctx, EventRecorded, rec)
	return nil
}

// Finalize writes the human acuity onto a record exactly once.
func (r *Recorder) Finalize(ctx context.Context, id string, actual triage.Level) (*Record, error) {
	ctx, span := tracer.Start(ctx, "audit.finalize", trace.WithAttributes(
		attribute.String("acuity.audit.id", id),
		attribute.String("acuity.actual", string(actual)),
	))
	defer span.End()

	if !actual.Valid() {
		err := fmt.Errorf("%w: %q", triage.ErrInvalidLevel, actual)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	rec, err := r.store.Finalize(ctx, id, actual, r.now().UTC())
	if err != nil {
		result := FinalizeError
		switch {
		case errors.Is(err, ErrAlreadyFinalized):
			result = FinalizeConflict
			r.logger.Warn(ctx, "rejected second finalize of audit record", "audit_id", id, "actual", actual)
		case errors.Is(err, ErrNotFound):
			result = FinalizeNotFound
		default:
			r.logger.Error(ctx, err, "audit finalize failed", "audit_id", id)
		}
		if r.hooks.OnFinalize != nil {
			r.hooks.OnFinalize(result)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	matched := rec.Matched != nil && *rec.Matched
	span.SetAttributes(attribute.Bool("acuity.matched", matched))
	if r.hooks.OnFinalize != nil {
		if matched {
			r.hooks.OnFinalize(FinalizeMatched)
		} else {
			r.hooks.OnFinalize(FinalizeMismatched)
		}
	}
	r.publish(ctx, EventFinalized, rec)
	return rec, nil
}

// FinalizeSession finalizes every open record of a session with the same
// acuity. A session whose rows are all finalized already, or that holds a row
// finalized with a different acuity, is rejected with ErrAlreadyFinalized.
// A session with no rows finalizes nothing.
func (r *Recorder) FinalizeSession(ctx context.Context, sessionID string, actual triage.Level) ([]*Record, error) {
	if !actual.Valid() {
		return nil, fmt.Errorf("%w: %q", triage.ErrInvalidLevel, actual)
	}
	recs, err := r.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	if err := checkSessionOpen(sessionID, recs, actual); err != nil {
		r.logger.Warn(ctx, "rejected session finalize", "session_id", sessionID, "actual", actual, "error", err)
		return nil, err
	}

	var out []*Record
	for _, rec := range recs {
		if rec.Finalized() {
			continue
		}
		done, err := r.Finalize(ctx, rec.ID, actual)
		if errors.Is(err, ErrAlreadyFinalized) {
			// lost a race with another finalize; the second pass below decides
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, done)
	}
	if len(out) == 0 && len(recs) > 0 {
		return nil, fmt.Errorf("%w: session %s has no open records", ErrAlreadyFinalized, sessionID)
	}
	return out, nil
}

func checkSessionOpen(sessionID string, recs []*Record, actual triage.Level) error {
	open := 0
	for _, rec := range recs {
		if !rec.Finalized() {
			open++
			continue
		}
		if rec.ActualAcuity != actual {
			return fmt.Errorf("%w: session %s was finalized with acuity %s", ErrAlreadyFinalized, sessionID, rec.ActualAcuity)
		}
	}
	if len(recs) > 0 && open == 0 {
		return fmt.Errorf("%w: session %s has no open records", ErrAlreadyFinalized, sessionID)
	}
	return nil
}

// SuggestedAcuity returns the acuity of the session's first row that carries a
// suggestion, or "" when the session has none.
func (r *Recorder) SuggestedAcuity(ctx context.Context, sessionID string) (triage.Level, error) {
	recs, err := r.store.ListBySession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("list session records: %w", err)
	}
	for _, rec := range recs {
		if rec.SuggestedAcuity.Valid() {
			return rec.SuggestedAcuity, nil
		}
	}
	return "", nil
}

// Get retrieves a record by ID.
func (r *Recorder) Get(ctx context.Context, id string) (*Record, bool, error) {
	return r.store.Get(ctx, id)
}

// ListBySession returns a session's records, oldest first.
func (r *Recorder) ListBySession(ctx context.Context, sessionID string) ([]*Record, error) {
	return r.store.ListBySession(ctx, sessionID)
}

// ListByBranch returns a branch's records, newest first.
func (r *Recorder) ListByBranch(ctx context.Context, branchID string, page Page) ([]*Record, error) {
	return r.store.ListByBranch(ctx, branchID, page.Normalize())
}

func (r *Recorder) publish(ctx context.Context, typ EventType, rec *Record) {
	if r.publisher == nil {
		return
	}
	err := r.publisher.Publish(ctx, Event{Type: typ, Record: rec})
	if err != nil {
		r.logger.Error(ctx, err, "audit event publish failed", "audit_id", rec.ID, "type", typ)
	}
	if r.hooks.OnPublish != nil {
		r.hooks.OnPublish(err)
	}
}
