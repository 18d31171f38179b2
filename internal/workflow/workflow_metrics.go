package workflow

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the workflow engine.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns workflow metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_workflow_runs_total",
			Help: "Total workflow runs by terminal state.",
		}, []string{"terminal_state"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_workflow_run_duration_seconds",
			Help:    "Duration of workflow runs from creation to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s .. ~17m
		}, []string{"terminal_state"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_workflow_state_attempts_total",
			Help: "Total workflow state attempts by state and outcome.",
		}, []string{"state", "outcome"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_workflow_state_attempt_duration_seconds",
			Help:    "Duration of individual workflow state attempts.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.AttemptsTotal,
		m.AttemptDuration,
	)

	return m
}

// Hooks returns engine Hooks that record into the metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnAttempt: func(state StateName, outcome string, seconds float64) {
			m.AttemptsTotal.WithLabelValues(string(state), outcome).Inc()
			m.AttemptDuration.WithLabelValues(string(state)).Observe(seconds)
		},
		OnComplete: func(terminal TerminalState, seconds float64) {
			m.RunsTotal.WithLabelValues(string(terminal)).Inc()
			m.RunDuration.WithLabelValues(string(terminal)).Observe(seconds)
		},
	}
}
