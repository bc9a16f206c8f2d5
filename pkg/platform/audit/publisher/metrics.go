package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EventsEmitted *prometheus.CounterVec
	EventsDropped prometheus.Counter
	EventsFailed  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pich_audit_events_emitted_total",
			Help: "Audit events accepted by the publisher, by action",
		}, []string{"action"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "pich_audit_events_dropped_total",
			Help: "Audit events dropped because the async buffer was full",
		}),
		EventsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pich_audit_events_failed_total",
			Help: "Audit events the store rejected in sync mode",
		}),
	}
}

func (m *Metrics) incEmitted(action string) {
	if m != nil {
		m.EventsEmitted.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) incDropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}

func (m *Metrics) incFailed() {
	if m != nil {
		m.EventsFailed.Inc()
	}
}
