package triage

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Hooks(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	g := NewGuard(&stubProvider{key: "claude", fn: failing(errors.New("down"))}, GuardOptions{
		Hooks:    m.Hooks(),
		Fallback: &stubProvider{key: "rule-based", fn: fixed(Level3, 0.7)},
	})
	_, _ = g.Suggest(context.Background(), testInput())

	if got := testutil.ToFloat64(m.SuggestionsTotal.WithLabelValues("rule-based", "fallback", "3")); got != 1 {
		t.Errorf("suggestions{rule-based,fallback,3} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FailuresTotal.WithLabelValues("claude", "error")); got != 1 {
		t.Errorf("failures{claude,error} = %v, want 1", got)
	}

	u := NewGuard(&stubProvider{key: "x", fn: failing(errors.New("down"))}, GuardOptions{Hooks: m.Hooks()})
	_, _ = u.Suggest(context.Background(), testInput())
	if got := testutil.ToFloat64(m.SuggestionsTotal.WithLabelValues("x", "unavailable", "none")); got != 1 {
		t.Errorf("suggestions{x,unavailable,none} = %v, want 1", got)
	}
}
