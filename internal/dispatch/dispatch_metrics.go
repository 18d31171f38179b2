package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for side-channel delivery.
type Metrics struct {
	DeliveriesTotal *prometheus.CounterVec
	Attempts        *prometheus.HistogramVec
}

// NewMetrics registers and returns dispatch metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_dispatch_deliveries_total",
			Help: "Side-channel deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		Attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_dispatch_attempts",
			Help:    "Attempts per side-channel delivery.",
			Buckets: prometheus.LinearBuckets(1, 1, 10), // 1 .. 10
		}, []string{"channel"}),
	}

	reg.MustRegister(m.DeliveriesTotal, m.Attempts)
	return m
}

// Hooks returns dispatcher hooks that update the metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnResult: func(channel, outcome string, attempts int) {
			m.DeliveriesTotal.WithLabelValues(channel, outcome).Inc()
			if attempts > 0 {
				m.Attempts.WithLabelValues(channel).Observe(float64(attempts))
			}
		},
	}
}
