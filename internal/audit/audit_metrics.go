package audit

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the audit trail.
type Metrics struct {
	RecordsTotal       *prometheus.CounterVec
	FinalizationsTotal *prometheus.CounterVec
	PublishesTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns audit metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acuity_audit_records_total",
			Help: "Total audit records written by outcome.",
		}, []string{"outcome"}),
		FinalizationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acuity_audit_finalizations_total",
			Help: "Total finalize attempts by result.",
		}, []string{"result"}),
		PublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acuity_audit_events_published_total",
			Help: "Total audit events handed to the publisher by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.RecordsTotal,
		m.FinalizationsTotal,
		m.PublishesTotal,
	)

	return m
}

// Hooks returns RecorderHooks that update the corresponding metrics.
func (m *Metrics) Hooks() RecorderHooks {
	return RecorderHooks{
		OnRecord: func(outcome Outcome) {
			m.RecordsTotal.WithLabelValues(string(outcome)).Inc()
		},
		OnFinalize: func(result string) {
			m.FinalizationsTotal.WithLabelValues(result).Inc()
		},
		OnPublish: func(err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.PublishesTotal.WithLabelValues(status).Inc()
		},
	}
}
