// Package pgstore provides a PostgreSQL implementation of audit.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/acuity/internal/audit"
	"github.com/linnemanlabs/acuity/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/acuity/internal/audit/pgstore")

//go:embed schema.sql
var schema string

// Store persists audit records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store.
// The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks database connectivity, used for readiness.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const auditColumns = `id, triage_session_id, tenant_id, branch_id, patient_id, provider_key,
	outcome, failure_kind, suggested_acuity, confidence, explanation, matched_phrase,
	model_version, input_digest, error, actual_acuity, matched, called_at, latency_ms, finalized_at`

// scope kind -> column, never user text.
var scopeColumns = map[audit.ScopeKind]string{
	audit.ScopeTenant: "tenant_id",
	audit.ScopeBranch: "branch_id",
}

// Insert writes a new audit row.
func (s *Store) Insert(ctx context.Context, r *audit.Record) error {
	ctx, span := tracer.Start(ctx, "pgstore.Insert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	suggested, err := levelArg(r.SuggestedAcuity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	query := `INSERT INTO ai_triage_audit (
		id, triage_session_id, tenant_id, branch_id, patient_id, provider_key,
		outcome, failure_kind, suggested_acuity, confidence, explanation, matched_phrase,
		model_version, input_digest, error, called_at, latency_ms
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

	_, err = s.pool.Exec(ctx, query,
		r.ID, r.SessionID, r.TenantID, r.BranchID, r.PatientID, r.ProviderKey,
		string(r.Outcome), nullString(string(r.FailureKind)), suggested, r.Confidence,
		nullString(r.Explanation), nullString(r.MatchedPhrase),
		nullString(r.ModelVersion), r.InputDigest, nullString(r.Error), r.CalledAt, r.LatencyMs,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// Finalize sets the actual acuity with a single conditional update. A row
// that already carries an actual acuity is never touched.
func (s *Store) Finalize(ctx context.Context, id string, actual triage.Level, at time.Time) (*audit.Record, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Finalize", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	level, err := levelArg(actual)
	if err != nil || level == nil {
		err = fmt.Errorf("%w: %q", triage.ErrInvalidLevel, actual)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	query := `UPDATE ai_triage_audit SET
		actual_acuity = $2,
		matched       = COALESCE(suggested_acuity = $2, false),
		finalized_at  = $3
	WHERE id = $1 AND actual_acuity IS NULL
	RETURNING ` + auditColumns

	r, err := scanAuditRow(s.pool.QueryRow(ctx, query, id, *level, at))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if r != nil {
		return r, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ai_triage_audit WHERE id = $1)`, id).Scan(&exists); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("check audit exists: %w", err)
	}
	if !exists {
		return nil, audit.ErrNotFound
	}
	return nil, audit.ErrAlreadyFinalized
}

// Get retrieves an audit record by ID.
func (s *Store) Get(ctx context.Context, id string) (*audit.Record, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + auditColumns + ` FROM ai_triage_audit WHERE id = $1`
	r, err := scanAuditRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// ListBySession returns a session's records, oldest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]*audit.Record, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListBySession", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + auditColumns + ` FROM ai_triage_audit
		WHERE triage_session_id = $1 ORDER BY called_at, id`
	out, err := s.list(ctx, query, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

// ListByBranch returns a branch's records, newest first.
func (s *Store) ListByBranch(ctx context.Context, branchID string, page audit.Page) ([]*audit.Record, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListByBranch", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	page = page.Normalize()
	query := `SELECT ` + auditColumns + ` FROM ai_triage_audit
		WHERE branch_id = $1 ORDER BY called_at DESC, id DESC LIMIT $2 OFFSET $3`
	out, err := s.list(ctx, query, branchID, page.Limit, page.Offset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

// Counts aggregates records in scope and window.
func (s *Store) Counts(ctx context.Context, scope audit.Scope, window audit.Window) (audit.Counts, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Counts", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.String("acuity.scope", string(scope.Kind)),
	))
	defer span.End()

	var c audit.Counts
	col, ok := scopeColumns[scope.Kind]
	if !ok {
		err := fmt.Errorf("%w: scope kind %q", audit.ErrInvalidQuery, scope.Kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c, err
	}

	query := `SELECT
		COUNT(*) FILTER (WHERE suggested_acuity IS NOT NULL),
		COUNT(*) FILTER (WHERE suggested_acuity IS NOT NULL AND matched),
		COUNT(*) FILTER (WHERE suggested_acuity IS NOT NULL AND actual_acuity IS NOT NULL),
		COUNT(*) FILTER (WHERE outcome = 'failed')
	FROM ai_triage_audit
	WHERE ` + col + ` = $1 AND called_at >= $2 AND called_at < $3`

	err := s.pool.QueryRow(ctx, query, scope.ID, window.From, window.To).
		Scan(&c.Total, &c.Matched, &c.Finalized, &c.Failed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return audit.Counts{}, fmt.Errorf("count audits: %w", err)
	}
	return c, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*audit.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audits: %w", err)
	}
	defer rows.Close()

	var out []*audit.Record
	for rows.Next() {
		r, err := scanAuditRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audits: %w", err)
	}
	return out, nil
}

// scanAuditRow scans a single row into an audit.Record.
// Returns (nil, nil) when no row is found.
func scanAuditRow(row pgx.Row) (*audit.Record, error) {
	var (
		r             audit.Record
		outcome       string
		failureKind   *string
		suggested     *int16
		explanation   *string
		matchedPhrase *string
		modelVersion  *string
		errMsg        *string
		actual        *int16
	)

	err := row.Scan(
		&r.ID, &r.SessionID, &r.TenantID, &r.BranchID, &r.PatientID, &r.ProviderKey,
		&outcome, &failureKind, &suggested, &r.Confidence, &explanation, &matchedPhrase,
		&modelVersion, &r.InputDigest, &errMsg, &actual, &r.Matched, &r.CalledAt, &r.LatencyMs, &r.FinalizedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Outcome = audit.Outcome(outcome)
	r.FailureKind = triage.FailureKind(deref(failureKind))
	r.SuggestedAcuity = levelFromDB(suggested)
	r.Explanation = deref(explanation)
	r.MatchedPhrase = deref(matchedPhrase)
	r.ModelVersion = deref(modelVersion)
	r.Error = deref(errMsg)
	r.ActualAcuity = levelFromDB(actual)
	r.CalledAt = r.CalledAt.UTC()
	if r.FinalizedAt != nil {
		t := r.FinalizedAt.UTC()
		r.FinalizedAt = &t
	}
	return &r, nil
}

// levelArg converts a level to its SMALLINT column value; empty maps to NULL.
func levelArg(l triage.Level) (*int16, error) {
	if l == "" {
		return nil, nil
	}
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %q", triage.ErrInvalidLevel, l)
	}
	n, err := strconv.ParseInt(string(l), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", triage.ErrInvalidLevel, l)
	}
	v := int16(n)
	return &v, nil
}

func levelFromDB(v *int16) triage.Level {
	if v == nil {
		return ""
	}
	return triage.Level(strconv.Itoa(int(*v)))
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
