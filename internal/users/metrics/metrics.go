package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts account lifecycle events.
type Metrics struct {
	UsersCreated *prometheus.CounterVec
	UsersDeleted prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		UsersCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pich_users_created_total",
			Help: "Total number of users created, by origin",
		}, []string{"origin"}),
		UsersDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "pich_users_deleted_total",
			Help: "Total number of users deleted with their cards and connections",
		}),
	}
}

// IncrementCreated counts a new user. origin is "registration" or "identity".
func (m *Metrics) IncrementCreated(origin string) {
	if m != nil {
		m.UsersCreated.WithLabelValues(origin).Inc()
	}
}

func (m *Metrics) IncrementDeleted() {
	if m != nil {
		m.UsersDeleted.Inc()
	}
}
