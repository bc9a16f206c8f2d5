package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks identity resolution outcomes and latency.
type Metrics struct {
	Resolutions       *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	ResolveDurationMs prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pich_identity_resolutions_total",
			Help: "Identity resolutions, by outcome",
		}, []string{"outcome"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pich_identity_cache_lookups_total",
			Help: "Identity cache lookups, by result",
		}, []string{"result"}),
		ResolveDurationMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pich_identity_resolve_duration_ms",
			Help:    "Latency of uncached identity resolution in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
	}
}

// IncrementResolution counts an outcome: "cached", "existing", "created" or
// "rejected".
func (m *Metrics) IncrementResolution(outcome string) {
	if m != nil {
		m.Resolutions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncrementCache(result string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveResolve(start time.Time) {
	if m != nil {
		m.ResolveDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}
}
