package triage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/severity"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	SubmitsTotal         *prometheus.CounterVec
	GateDecisionsTotal   *prometheus.CounterVec
	TriageDuration       *prometheus.HistogramVec
	EvidenceWritesTotal  *prometheus.CounterVec
	SubjectDegradedTotal prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_submits_total",
			Help: "Total finding submissions by outcome.",
		}, []string{"outcome"}),
		GateDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_gate_decisions_total",
			Help: "Severity gate decisions by result and severity level.",
		}, []string{"decision", "level"}),
		TriageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_triage_duration_seconds",
			Help:    "Duration of triage including retries, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"result"}),
		EvidenceWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_evidence_writes_total",
			Help: "Evidence capture attempts by outcome.",
		}, []string{"outcome"}),
		SubjectDegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_subject_action_degraded_total",
			Help: "Best-effort subject actions that failed during triage.",
		}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.GateDecisionsTotal,
		m.TriageDuration,
		m.EvidenceWritesTotal,
		m.SubjectDegradedTotal,
	)

	return m
}

// Hooks returns triage Hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSubmit: func(outcome Outcome) {
			m.SubmitsTotal.WithLabelValues(string(outcome)).Inc()
		},
		OnTriage: func(result string, seconds float64) {
			m.TriageDuration.WithLabelValues(result).Observe(seconds)
		},
		OnEvidence: func(outcome string) {
			m.EvidenceWritesTotal.WithLabelValues(outcome).Inc()
		},
		OnSubjectDegraded: func() {
			m.SubjectDegradedTotal.Inc()
		},
	}
}

// GateHook returns a severity gate decision hook recording into the metrics.
func (m *Metrics) GateHook() func(admitted bool, level severity.Level) {
	return func(admitted bool, level severity.Level) {
		decision := "skipped"
		if admitted {
			decision = "admitted"
		}
		if level == "" {
			decision, level = "rejected", "NONE"
		}
		m.GateDecisionsTotal.WithLabelValues(decision, string(level)).Inc()
	}
}
