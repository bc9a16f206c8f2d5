package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts connection lifecycle events and rejected scans.
type Metrics struct {
	ConnectionsCreated prometheus.Counter
	ConnectionsRemoved prometheus.Counter
	CreateRejected     *prometheus.CounterVec
	SideUpdates        *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "pich_connections_created_total",
			Help: "Total number of connections created",
		}),
		ConnectionsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "pich_connections_removed_total",
			Help: "Total number of connections removed",
		}),
		CreateRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pich_connection_create_rejected_total",
			Help: "Connection scans rejected, by reason",
		}, []string{"reason"}),
		SideUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pich_connection_side_updates_total",
			Help: "Per-side connection updates, by field and side",
		}, []string{"field", "side"}),
	}
}

func (m *Metrics) IncrementCreated() {
	if m != nil {
		m.ConnectionsCreated.Inc()
	}
}

func (m *Metrics) IncrementRemoved() {
	if m != nil {
		m.ConnectionsRemoved.Inc()
	}
}

func (m *Metrics) IncrementRejected(reason string) {
	if m != nil {
		m.CreateRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncrementSideUpdate(field, side string) {
	if m != nil {
		m.SideUpdates.WithLabelValues(field, side).Inc()
	}
}
