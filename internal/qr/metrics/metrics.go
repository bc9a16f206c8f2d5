package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts issued QR codes by kind ("card" or "user") and how long
// rendering takes.
type Metrics struct {
	Issued         *prometheus.CounterVec
	RenderDuration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Issued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pich_qr_issued_total",
			Help: "QR codes issued, by kind",
		}, []string{"kind"}),
		RenderDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pich_qr_render_duration_seconds",
			Help:    "Time spent rendering QR PNGs",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		}),
	}
}

func (m *Metrics) IncrementIssued(kind string) {
	if m != nil {
		m.Issued.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ObserveRender(start time.Time) {
	if m != nil {
		m.RenderDuration.Observe(time.Since(start).Seconds())
	}
}
