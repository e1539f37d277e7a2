package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the suggestion path.
type Metrics struct {
	SuggestionsTotal   *prometheus.CounterVec
	SuggestionDuration *prometheus.HistogramVec
	Confidence         *prometheus.HistogramVec
	FailuresTotal      *prometheus.CounterVec
}

// NewMetrics registers and returns suggestion metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SuggestionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acuity_suggestions_total",
			Help: "Total suggestion calls by answering provider, outcome and level.",
		}, []string{"provider", "outcome", "level"}),
		SuggestionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "acuity_suggestion_duration_seconds",
			Help:    "Wall-clock duration of suggestion calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms .. ~16s
		}, []string{"provider"}),
		Confidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "acuity_suggestion_confidence",
			Help:    "Confidence of produced suggestions.",
			Buckets: prometheus.LinearBuckets(0.5, 0.05, 11), // 0.5 .. 1.0
		}, []string{"provider"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acuity_provider_failures_total",
			Help: "Total provider failures by provider and failure kind.",
		}, []string{"provider", "kind"}),
	}

	reg.MustRegister(
		m.SuggestionsTotal,
		m.SuggestionDuration,
		m.Confidence,
		m.FailuresTotal,
	)

	return m
}

// Hooks returns GuardHooks that update the corresponding metrics.
func (m *Metrics) Hooks() GuardHooks {
	return GuardHooks{
		OnSuggest: func(provider string, outcome Outcome, level Level, confidence, seconds float64) {
			lv := string(level)
			if lv == "" {
				lv = "none"
			}
			m.SuggestionsTotal.WithLabelValues(provider, string(outcome), lv).Inc()
			m.SuggestionDuration.WithLabelValues(provider).Observe(seconds)
			if level != "" {
				m.Confidence.WithLabelValues(provider).Observe(confidence)
			}
		},
		OnFailure: func(provider string, kind FailureKind) {
			m.FailuresTotal.WithLabelValues(provider, string(kind)).Inc()
		},
	}
}
