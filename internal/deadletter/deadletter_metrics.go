package deadletter

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the dead-letter sink.
type Metrics struct {
	EntriesTotal  *prometheus.CounterVec
	DroppedTotal  *prometheus.CounterVec
	FlushedTotal  prometheus.Counter
	BufferedDepth prometheus.Gauge
}

// NewMetrics registers and returns dead-letter metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_deadletters_total",
			Help: "Total dead-letter entries captured by kind.",
		}, []string{"kind"}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_deadletters_dropped_total",
			Help: "Dead-letter entries dropped because the buffer was full, by kind.",
		}, []string{"kind"}),
		FlushedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_deadletters_flushed_total",
			Help: "Dead-letter entries appended to the durable store.",
		}),
		BufferedDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_deadletter_buffer_depth",
			Help: "Dead-letter entries waiting for durable append.",
		}),
	}

	reg.MustRegister(m.EntriesTotal, m.DroppedTotal, m.FlushedTotal, m.BufferedDepth)
	return m
}

// Hooks returns sink hooks that update the metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnCaptured: func(kind Kind) { m.EntriesTotal.WithLabelValues(string(kind)).Inc() },
		OnDropped:  func(kind Kind) { m.DroppedTotal.WithLabelValues(string(kind)).Inc() },
		OnFlushed:  func(n int) { m.FlushedTotal.Add(float64(n)) },
		OnDepth:    func(depth int) { m.BufferedDepth.Set(float64(depth)) },
	}
}
