package triage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"
)

// stubProvider delegates to fn and counts calls.
type stubProvider struct {
	key   string
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, in *Input) (*Suggestion, error)
}

func (p *stubProvider) Key() string { return p.key }

func (p *stubProvider) Suggest(ctx context.Context, in *Input) (*Suggestion, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.fn(ctx, in)
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func fixed(level Level, conf float64) func(context.Context, *Input) (*Suggestion, error) {
	return func(context.Context, *Input) (*Suggestion, error) {
		return &Suggestion{Acuity: level, Confidence: conf, Explanation: "stub"}, nil
	}
}

func failing(err error) func(context.Context, *Input) (*Suggestion, error) {
	return func(context.Context, *Input) (*Suggestion, error) { return nil, err }
}

func blocking(ctx context.Context, _ *Input) (*Suggestion, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func testInput() *Input {
	return &Input{ChiefComplaint: "  Đau Ngực  ", Vitals: map[string]float64{"SPO2": 95}}
}

func TestGuard_PrimarySuccess(t *testing.T) {
	t.Parallel()

	primary := &stubProvider{key: "primary", fn: fixed(Level2, 0.8)}
	fallback := &stubProvider{key: "rule-based", fn: fixed(Level4, 0.6)}
	g := NewGuard(primary, GuardOptions{Fallback: fallback, Timeout: time.Second})

	s, err := g.Suggest(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if s.Outcome != OutcomeOK {
		t.Errorf("Outcome = %q, want %q", s.Outcome, OutcomeOK)
	}
	if s.Acuity != Level2 {
		t.Errorf("Acuity = %q, want %q", s.Acuity, Level2)
	}
	if s.ProviderKey != "primary" {
		t.Errorf("ProviderKey = %q, want primary", s.ProviderKey)
	}
	if s.InputDigest != testInput().Digest() {
		t.Error("InputDigest not set from input")
	}
	if s.Failure != nil {
		t.Errorf("Failure = %+v, want nil", s.Failure)
	}
	if fallback.callCount() != 0 {
		t.Errorf("fallback calls = %d, want 0", fallback.callCount())
	}
}

func TestGuard_FailureFallsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fn       func(context.Context, *Input) (*Suggestion, error)
		wantKind FailureKind
	}{
		{"error", failing(errors.New("upstream 503")), FailureError},
		{"timeout", blocking, FailureTimeout},
		{"panic", func(context.Context, *Input) (*Suggestion, error) { panic("boom") }, FailurePanic},
		{"invalid level", fixed("7", 0.5), FailureInvalid},
		{"invalid confidence", fixed(Level3, 1.5), FailureInvalid},
		{"nil suggestion", func(context.Context, *Input) (*Suggestion, error) { return nil, nil }, FailureInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			primary := &stubProvider{key: "claude", fn: tt.fn}
			fallback := &stubProvider{key: "rule-based", fn: fixed(Level4, 0.6)}
			g := NewGuard(primary, GuardOptions{Fallback: fallback, Timeout: 20 * time.Millisecond})

			s, err := g.Suggest(context.Background(), testInput())
			if err != nil {
				t.Fatalf("Suggest returned error: %v", err)
			}
			if s.Outcome != OutcomeFallback {
				t.Errorf("Outcome = %q, want %q", s.Outcome, OutcomeFallback)
			}
			if s.ProviderKey != "rule-based" {
				t.Errorf("ProviderKey = %q, want rule-based", s.ProviderKey)
			}
			if s.Acuity != Level4 {
				t.Errorf("Acuity = %q, want %q", s.Acuity, Level4)
			}
			if s.Failure == nil {
				t.Fatal("expected Failure to be set")
			}
			if s.Failure.Kind != tt.wantKind {
				t.Errorf("Failure.Kind = %q, want %q", s.Failure.Kind, tt.wantKind)
			}
			if s.Failure.ProviderKey != "claude" {
				t.Errorf("Failure.ProviderKey = %q, want claude", s.Failure.ProviderKey)
			}
		})
	}
}

func TestGuard_TimeoutReportsLatency(t *testing.T) {
	t.Parallel()

	// provider ignores ctx entirely
	release := make(chan struct{})
	defer close(release)
	primary := &stubProvider{key: "slow", fn: func(context.Context, *Input) (*Suggestion, error) {
		<-release
		return &Suggestion{Acuity: Level1, Confidence: 1}, nil
	}}
	g := NewGuard(primary, GuardOptions{Timeout: 30 * time.Millisecond})

	start := time.Now()
	s, err := g.Suggest(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("guard did not bound the call")
	}
	if s.Outcome != OutcomeUnavailable {
		t.Errorf("Outcome = %q, want %q", s.Outcome, OutcomeUnavailable)
	}
	if s.Available() {
		t.Error("unavailable suggestion must not carry a level")
	}
	if s.Failure == nil || s.Failure.Kind != FailureTimeout {
		t.Fatalf("Failure = %+v, want timeout", s.Failure)
	}
	if s.Failure.LatencyMs < 30 {
		t.Errorf("Failure.LatencyMs = %d, want >= 30", s.Failure.LatencyMs)
	}
	if s.LatencyMs != s.Failure.LatencyMs {
		t.Errorf("LatencyMs = %d, want %d", s.LatencyMs, s.Failure.LatencyMs)
	}
}

func TestGuard_FallbackAlsoFails(t *testing.T) {
	t.Parallel()

	primary := &stubProvider{key: "claude", fn: failing(errors.New("down"))}
	fallback := &stubProvider{key: "other", fn: failing(errors.New("also down"))}
	g := NewGuard(primary, GuardOptions{Fallback: fallback, Logger: log.Nop()})

	s, err := g.Suggest(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if s.Outcome != OutcomeUnavailable {
		t.Errorf("Outcome = %q, want %q", s.Outcome, OutcomeUnavailable)
	}
	if s.Failure == nil || s.Failure.ProviderKey != "claude" {
		t.Errorf("Failure = %+v, want primary failure", s.Failure)
	}
}

func TestGuard_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := &stubProvider{key: "claude", fn: blocking}
	fallback := &stubProvider{key: "rule-based", fn: fixed(Level5, 0.7)}
	g := NewGuard(primary, GuardOptions{Fallback: fallback, Timeout: time.Second})

	s, _ := g.Suggest(ctx, testInput())
	if s.Failure == nil || s.Failure.Kind != FailureCanceled {
		t.Fatalf("Failure = %+v, want canceled", s.Failure)
	}
	if s.Outcome != OutcomeFallback {
		t.Errorf("Outcome = %q, want fallback even with canceled ctx", s.Outcome)
	}
}

func TestGuard_FallbackSameKeyIgnored(t *testing.T) {
	t.Parallel()

	primary := &stubProvider{key: "rule-based", fn: failing(errors.New("x"))}
	g := NewGuard(primary, GuardOptions{Fallback: primary})

	s, _ := g.Suggest(context.Background(), testInput())
	if s.Outcome != OutcomeUnavailable {
		t.Errorf("Outcome = %q, want unavailable", s.Outcome)
	}
	if primary.callCount() != 1 {
		t.Errorf("calls = %d, want 1", primary.callCount())
	}
}

func TestGuard_Hooks(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		outcomes []Outcome
		kinds    []FailureKind
	)
	hooks := GuardHooks{
		OnSuggest: func(_ string, o Outcome, _ Level, _, _ float64) {
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
		},
		OnFailure: func(_ string, k FailureKind) {
			mu.Lock()
			kinds = append(kinds, k)
			mu.Unlock()
		},
	}

	ok := NewGuard(&stubProvider{key: "a", fn: fixed(Level3, 0.7)}, GuardOptions{Hooks: hooks})
	bad := NewGuard(&stubProvider{key: "b", fn: failing(errors.New("x"))}, GuardOptions{
		Hooks:    hooks,
		Fallback: &stubProvider{key: "rule-based", fn: fixed(Level4, 0.6)},
	})

	_, _ = ok.Suggest(context.Background(), testInput())
	_, _ = bad.Suggest(context.Background(), testInput())

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 2 || outcomes[0] != OutcomeOK || outcomes[1] != OutcomeFallback {
		t.Errorf("outcomes = %v, want [ok fallback]", outcomes)
	}
	if len(kinds) != 1 || kinds[0] != FailureError {
		t.Errorf("kinds = %v, want [error]", kinds)
	}
}

func TestNewGuard_NilPrimaryPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("NewGuard(nil) did not panic")
		}
	}()
	NewGuard(nil, GuardOptions{})
}

func TestGuard_CreatesSpan(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	g := NewGuard(&stubProvider{key: "claude", fn: failing(errors.New("down"))}, GuardOptions{
		Fallback: &stubProvider{key: "rule-based", fn: fixed(Level2, 0.9)},
	})
	_, _ = g.Suggest(context.Background(), testInput())

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "triage.suggest" {
		t.Errorf("span name = %q, want triage.suggest", s.Name)
	}
	attrs := make(map[string]any)
	for _, a := range s.Attributes {
		attrs[string(a.Key)] = a.Value.AsInterface()
	}
	if attrs["acuity.provider"] != "claude" {
		t.Errorf("acuity.provider = %v, want claude", attrs["acuity.provider"])
	}
	if attrs["acuity.outcome"] != "fallback" {
		t.Errorf("acuity.outcome = %v, want fallback", attrs["acuity.outcome"])
	}
	if attrs["acuity.failure.kind"] != "error" {
		t.Errorf("acuity.failure.kind = %v, want error", attrs["acuity.failure.kind"])
	}
	if attrs["acuity.level"] != "2" {
		t.Errorf("acuity.level = %v, want 2", attrs["acuity.level"])
	}
}
