package postgres

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the per-query duration histogram.
type Metrics struct {
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns database metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_db_query_duration_seconds",
			Help:    "Duration of individual database queries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source", "route", "outcome"}),
	}
	reg.MustRegister(m.QueryDuration)
	return m
}

// ObserveQuery implements QueryObserver.
func (m *Metrics) ObserveQuery(_ context.Context, source, route, outcome string, dur time.Duration) {
	m.QueryDuration.WithLabelValues(source, route, outcome).Observe(dur.Seconds())
}
