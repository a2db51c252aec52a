// Package metrics provides Prometheus collectors for pipeline runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "storyfactory"

// Metrics holds the run, stage and revision collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// RunsTotal counts finished runs.
	// Labels: status (ok, degraded, aborted, fatal)
	RunsTotal *prometheus.CounterVec

	// RunsActive is the number of runs currently executing.
	RunsActive prometheus.Gauge

	// StageInvocations counts stage invocations.
	// Labels: stage, result (success, degraded, fatal)
	StageInvocations *prometheus.CounterVec

	// StageDuration tracks how long each stage takes.
	// Labels: stage
	StageDuration *prometheus.HistogramVec

	// Revisions counts Supervisor-requested revisions.
	// Labels: stage
	Revisions *prometheus.CounterVec

	// ExternalFailures counts best-effort collaborator failures recorded as notes.
	// Labels: stage
	ExternalFailures *prometheus.CounterVec
}

// New registers the collectors with reg. Use prometheus.DefaultRegisterer to
// expose them on the process /metrics endpoint.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Total number of finished pipeline runs by status",
			},
			[]string{"status"},
		),
		RunsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_active",
				Help:      "Number of pipeline runs currently executing",
			},
		),
		StageInvocations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "invocations_total",
				Help:      "Total number of stage invocations by result",
			},
			[]string{"stage", "result"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "duration_seconds",
				Help:      "Duration of stage invocations in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		Revisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "revisions_total",
				Help:      "Total number of revisions requested by the supervisor",
			},
			[]string{"stage"},
		),
		ExternalFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "external_failures_total",
				Help:      "Total number of failed collaborator calls recorded as validation notes",
			},
			[]string{"stage"},
		),
	}
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsActive.Inc()
}

// RunFinished records a run's terminal status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.RunsActive.Dec()
	m.RunsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records one stage invocation.
func (m *Metrics) ObserveStage(stage, result string, d time.Duration, externalFailures int) {
	if m == nil {
		return
	}
	m.StageInvocations.WithLabelValues(stage, result).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if externalFailures > 0 {
		m.ExternalFailures.WithLabelValues(stage).Add(float64(externalFailures))
	}
}

// Revision records a Supervisor-requested revision of stage.
func (m *Metrics) Revision(stage string) {
	if m == nil {
		return
	}
	m.Revisions.WithLabelValues(stage).Inc()
}
