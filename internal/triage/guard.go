package triage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/acuity/internal/triage")

var errProviderPanic = errors.New("provider panicked")

// GuardHooks holds optional callbacks for observability. Nil funcs are skipped.
type GuardHooks struct {
	OnSuggest func(provider string, outcome Outcome, level Level, confidence, seconds float64)
	OnFailure func(provider string, kind FailureKind)
}

// GuardOptions configures a Guard.
type GuardOptions struct {
	// Timeout bounds each call to the primary provider. Zero means no bound.
	Timeout time.Duration

	// Fallback answers when the primary fails. Nil means failures surface as
	// an unavailable suggestion.
	Fallback Provider

	Logger log.Logger
	Hooks  GuardHooks
}

// Guard wraps a provider so a suggestion call always returns a result: the
// primary answer, a fallback answer, or an explicit unavailable suggestion
// carrying the Failure. Guard itself satisfies Provider and never errors.
type Guard struct {
	primary  Provider
	fallback Provider
	timeout  time.Duration
	logger   log.Logger
	hooks    GuardHooks
}

// NewGuard creates a Guard around primary.
func NewGuard(primary Provider, opts GuardOptions) *Guard {
	if primary == nil {
		panic(xerrors.New("primary provider is required"))
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Fallback != nil && opts.Fallback.Key() == primary.Key() {
		opts.Fallback = nil
	}
	return &Guard{
		primary:  primary,
		fallback: opts.Fallback,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		hooks:    opts.Hooks,
	}
}

// Key returns the primary provider's key.
func (g *Guard) Key() string { return g.primary.Key() }

// Suggest calls the primary provider under the configured timeout.
func (g *Guard) Suggest(ctx context.Context, in *Input) (*Suggestion, error) {
	ctx, span := tracer.Start(ctx, "triage.suggest", trace.WithAttributes(
		attribute.String("acuity.provider", g.primary.Key()),
	))
	defer span.End()

	digest := in.Digest()

	start := time.Now()
	s, err := g.callBounded(ctx, g.primary, in)
	elapsed := time.Since(start)
	if err == nil {
		err = ValidateSuggestion(s)
	}

	if err == nil {
		s.Outcome = OutcomeOK
		g.finish(s, g.primary.Key(), digest, elapsed)
		g.annotate(span, s)
		return s, nil
	}

	failure := &Failure{
		ProviderKey: g.primary.Key(),
		Kind:        classify(err),
		Message:     err.Error(),
		LatencyMs:   elapsed.Milliseconds(),
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("acuity.failure.kind", string(failure.Kind)))
	g.logger.Error(ctx, err, "suggestion provider failed",
		"provider", failure.ProviderKey,
		"kind", failure.Kind,
		"latency_ms", failure.LatencyMs,
	)
	if g.hooks.OnFailure != nil {
		g.hooks.OnFailure(failure.ProviderKey, failure.Kind)
	}

	if g.fallback != nil {
		fstart := time.Now()
		fs, ferr := g.callRecovered(context.WithoutCancel(ctx), g.fallback, in)
		if ferr == nil {
			ferr = ValidateSuggestion(fs)
		}
		if ferr == nil {
			fs.Outcome = OutcomeFallback
			fs.Failure = failure
			g.finish(fs, g.fallback.Key(), digest, time.Since(fstart))
			g.annotate(span, fs)
			return fs, nil
		}
		g.logger.Error(ctx, ferr, "fallback provider failed", "provider", g.fallback.Key())
	}

	u := &Suggestion{
		ProviderKey: failure.ProviderKey,
		LatencyMs:   failure.LatencyMs,
		InputDigest: digest,
		Outcome:     OutcomeUnavailable,
		Failure:     failure,
	}
	if g.hooks.OnSuggest != nil {
		g.hooks.OnSuggest(u.ProviderKey, u.Outcome, "", 0, elapsed.Seconds())
	}
	span.SetAttributes(attribute.String("acuity.outcome", string(u.Outcome)))
	return u, nil
}

func (g *Guard) finish(s *Suggestion, key, digest string, elapsed time.Duration) {
	if s.ProviderKey == "" {
		s.ProviderKey = key
	}
	if s.InputDigest == "" {
		s.InputDigest = digest
	}
	s.LatencyMs = elapsed.Milliseconds()
	if g.hooks.OnSuggest != nil {
		g.hooks.OnSuggest(s.ProviderKey, s.Outcome, s.Acuity, s.Confidence, elapsed.Seconds())
	}
}

func (g *Guard) annotate(span trace.Span, s *Suggestion) {
	span.SetAttributes(
		attribute.String("acuity.outcome", string(s.Outcome)),
		attribute.String("acuity.level", string(s.Acuity)),
		attribute.Float64("acuity.confidence", s.Confidence),
		attribute.String("acuity.answered_by", s.ProviderKey),
	)
	if s.RuleID != "" {
		span.SetAttributes(attribute.String("acuity.rule_id", s.RuleID))
	}
}

type reply struct {
	s   *Suggestion
	err error
}

// callBounded runs p in its own goroutine so a provider that ignores ctx still
// cannot hold the caller past the deadline.
func (g *Guard) callBounded(ctx context.Context, p Provider, in *Input) (*Suggestion, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	ch := make(chan reply, 1)
	go func() {
		s, err := g.callRecovered(ctx, p, in)
		ch <- reply{s: s, err: err}
	}()

	select {
	case r := <-ch:
		return r.s, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Guard) callRecovered(ctx context.Context, p Provider, in *Input) (s *Suggestion, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, fmt.Errorf("%w: %v", errProviderPanic, r)
		}
	}()
	return p.Suggest(ctx, in)
}

// ValidateSuggestion checks that s carries a level and a confidence in [0,1].
func ValidateSuggestion(s *Suggestion) error {
	if s == nil {
		return fmt.Errorf("%w: nil suggestion", ErrInvalidSuggestion)
	}
	if !s.Acuity.Valid() {
		return fmt.Errorf("%w: acuity %q", ErrInvalidSuggestion, s.Acuity)
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidSuggestion, s.Confidence)
	}
	return nil
}

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, context.Canceled):
		return FailureCanceled
	case errors.Is(err, errProviderPanic):
		return FailurePanic
	case errors.Is(err, ErrInvalidSuggestion):
		return FailureInvalid
	default:
		return FailureError
	}
}
