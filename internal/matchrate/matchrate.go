// Package matchrate computes how often machine suggestions agreed with the
// acuity a human finally assigned, per tenant or branch and time window.
package matchrate

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/acuity/internal/audit"
)

var tracer = otel.Tracer("github.com/linnemanlabs/acuity/internal/matchrate")

// MaxDays bounds LastNDays and Daily.
const MaxDays = 366

// Counter is the read side of audit.Store needed here.
type Counter interface {
	Counts(ctx context.Context, scope audit.Scope, window audit.Window) (audit.Counts, error)
}

// Result is the match rate for one scope and window.
type Result struct {
	Scope          audit.Scope  `json:"scope"`
	Window         audit.Window `json:"window"`
	TotalCalls     int64        `json:"total_calls"`
	MatchedCalls   int64        `json:"matched_calls"`
	FinalizedCalls int64        `json:"finalized_calls"`
	PendingCalls   int64        `json:"pending_calls"`
	FailedCalls    int64        `json:"failed_calls"`
	RatePercent    float64      `json:"match_rate_percent"`
}

// Aggregator reads audit counts and turns them into rates.
type Aggregator struct {
	counter Counter
	loc     *time.Location
}

// New creates an Aggregator. Day boundaries are computed in loc; nil means UTC.
func New(counter Counter, loc *time.Location) *Aggregator {
	if counter == nil {
		panic(xerrors.New("audit counter is required"))
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{counter: counter, loc: loc}
}

// Location returns the zone used for day boundaries.
func (a *Aggregator) Location() *time.Location {
	return a.loc
}

// MatchRate returns the rate for scope over the half-open window.
func (a *Aggregator) MatchRate(ctx context.Context, scope audit.Scope, window audit.Window) (*Result, error) {
	ctx, span := tracer.Start(ctx, "matchrate.compute", trace.WithAttributes(
		attribute.String("acuity.scope", string(scope.Kind)),
		attribute.String("acuity.scope.id", scope.ID),
	))
	defer span.End()

	if err := scope.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := window.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	c, err := a.counter.Counts(ctx, scope, window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("count audits: %w", err)
	}

	res := &Result{
		Scope:          scope,
		Window:         window,
		TotalCalls:     c.Total,
		MatchedCalls:   c.Matched,
		FinalizedCalls: c.Finalized,
		PendingCalls:   c.Total - c.Finalized,
		FailedCalls:    c.Failed,
		RatePercent:    Rate(c.Matched, c.Total),
	}
	span.SetAttributes(
		attribute.Int64("acuity.total_calls", res.TotalCalls),
		attribute.Float64("acuity.match_rate", res.RatePercent),
	)
	return res, nil
}

// Daily returns one Result per calendar day for the last n days, oldest first.
func (a *Aggregator) Daily(ctx context.Context, scope audit.Scope, now time.Time, n int) ([]*Result, error) {
	if n < 1 || n > MaxDays {
		return nil, fmt.Errorf("%w: days must be 1..%d, got %d", audit.ErrInvalidQuery, MaxDays, n)
	}
	first := startOfDay(now, a.loc)
	out := make([]*Result, 0, n)
	for i := n - 1; i >= 0; i-- {
		from := addDays(first, -i)
		res, err := a.MatchRate(ctx, scope, audit.Window{From: from, To: addDays(from, 1)})
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Today is [start of today, start of tomorrow) in the aggregator's location.
func (a *Aggregator) Today(now time.Time) audit.Window {
	return LastNDays(now, 1, a.loc)
}

// LastNDays is the aggregator's LastNDays.
func (a *Aggregator) LastNDays(now time.Time, n int) audit.Window {
	return LastNDays(now, n, a.loc)
}

// LastNDays covers today and the n-1 days before it, ending at the start of
// tomorrow. n < 1 is treated as 1.
func LastNDays(now time.Time, n int, loc *time.Location) audit.Window {
	if n < 1 {
		n = 1
	}
	if loc == nil {
		loc = time.UTC
	}
	today := startOfDay(now, loc)
	return audit.Window{From: addDays(today, -(n - 1)), To: addDays(today, 1)}
}

// Rate is matched/total as a percentage rounded half-up to one decimal.
// Zero total yields 0.
func Rate(matched, total int64) float64 {
	if total <= 0 {
		return 0
	}
	tenths := (matched*1000 + total/2) / total
	return float64(tenths) / 10
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// addDays steps calendar days so DST transitions keep midnight boundaries.
func addDays(t time.Time, n int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+n, 0, 0, 0, 0, t.Location())
}
