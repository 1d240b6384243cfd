// Package metrics exposes Prometheus counters for watcher activations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stage names an activation step that can fail.
type Stage string

const (
	StageDecode  Stage = "decode"
	StageAcquire Stage = "acquire"
	StageResolve Stage = "resolve"
)

// Metrics implements prometheus.Collector for activation outcomes.
type Metrics struct {
	activations   *prometheus.CounterVec
	verdicts      *prometheus.CounterVec
	continuations *prometheus.CounterVec
	probeFailures *prometheus.CounterVec
	errors        *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// New creates an unregistered Metrics.
func New() *Metrics {
	return &Metrics{
		activations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookwatch_activations_total",
				Help: "Activations by role and decided outcome",
			},
			[]string{"role", "outcome"},
		),
		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookwatch_verdicts_total",
				Help: "Terminal verdicts reported to the scaling authority",
			},
			[]string{"role", "verdict"},
		),
		continuations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookwatch_continuations_total",
				Help: "Heartbeats followed by an emitted continuation",
			},
			[]string{"role"},
		),
		probeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookwatch_probe_failures_total",
				Help: "Control-plane queries that failed during a probe",
			},
			[]string{"role"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookwatch_activation_errors_total",
				Help: "Activations that ended with an error, by stage",
			},
			[]string{"role", "stage"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookwatch_activation_duration_seconds",
				Help:    "Wall time of a single activation",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"role"},
		),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.activations.Describe(ch)
	m.verdicts.Describe(ch)
	m.continuations.Describe(ch)
	m.probeFailures.Describe(ch)
	m.errors.Describe(ch)
	m.duration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.activations.Collect(ch)
	m.verdicts.Collect(ch)
	m.continuations.Collect(ch)
	m.probeFailures.Collect(ch)
	m.errors.Collect(ch)
	m.duration.Collect(ch)
}

// ObserveActivation records a decided activation and its duration.
func (m *Metrics) ObserveActivation(role, outcome string, d time.Duration) {
	m.activations.WithLabelValues(role, outcome).Inc()
	m.duration.WithLabelValues(role).Observe(d.Seconds())
}

// ObserveVerdict records a reported verdict.
func (m *Metrics) ObserveVerdict(role, verdict string) {
	m.verdicts.WithLabelValues(role, verdict).Inc()
}

// ObserveContinuation records an emitted continuation.
func (m *Metrics) ObserveContinuation(role string) {
	m.continuations.WithLabelValues(role).Inc()
}

// ObserveProbeFailure records a failed probe.
func (m *Metrics) ObserveProbeFailure(role string) {
	m.probeFailures.WithLabelValues(role).Inc()
}

// ObserveError records an activation that returned an error.
func (m *Metrics) ObserveError(role string, stage Stage) {
	m.errors.WithLabelValues(role, string(stage)).Inc()
}

var _ prometheus.Collector = (*Metrics)(nil)
