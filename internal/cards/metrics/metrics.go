package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks card lifecycle counts and the main-card promotion path.
type Metrics struct {
	CardsCreated       prometheus.Counter
	CardsRemoved       prometheus.Counter
	Promotions         prometheus.Counter
	PromotionConflicts prometheus.Counter
	PromotionDuration  prometheus.Histogram
}

// New registers the card metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CardsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "pich_cards_created_total",
			Help: "Total number of cards created",
		}),
		CardsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "pich_cards_removed_total",
			Help: "Total number of cards removed",
		}),
		Promotions: factory.NewCounter(prometheus.CounterOpts{
			Name: "pich_card_promotions_total",
			Help: "Main-card promotions committed",
		}),
		PromotionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "pich_card_promotion_conflicts_total",
			Help: "Promotions rejected because a concurrent promotion won",
		}),
		PromotionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pich_card_promotion_duration_seconds",
			Help:    "Duration of the main-card promotion transaction",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func (m *Metrics) IncrementCreated() {
	if m != nil {
		m.CardsCreated.Inc()
	}
}

func (m *Metrics) IncrementRemoved() {
	if m != nil {
		m.CardsRemoved.Inc()
	}
}

// ObservePromotion records one promotion attempt that started at start.
func (m *Metrics) ObservePromotion(start time.Time, err error) {
	if m == nil {
		return
	}
	m.PromotionDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		m.Promotions.Inc()
	}
}

func (m *Metrics) IncrementPromotionConflict() {
	if m != nil {
		m.PromotionConflicts.Inc()
	}
}
