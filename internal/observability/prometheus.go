package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const promNamespace = "cascade"

// PrometheusMetrics exposes rollout metrics for scraping on /metrics.
type PrometheusMetrics struct {
	StageLoadDuration *prometheus.HistogramVec // labels: stage
	StepDuration      *prometheus.HistogramVec // labels: stage, status
	StepsTotal        *prometheus.CounterVec   // labels: stage, status
	ScratchLeaks      prometheus.Counter
	Rollouts          *prometheus.CounterVec // labels: status
	RolloutDuration   prometheus.Histogram
	RolloutInProgress prometheus.Gauge
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
// Tests pass a fresh prometheus.NewRegistry().
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		StageLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "stage_load_duration_seconds",
			Help:      "Time to load a stage model.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of one forecast step including persistence.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 60},
		}, []string{"stage", "status"}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "steps_total",
			Help:      "Forecast steps by stage and outcome.",
		}, []string{"stage", "status"}),
		ScratchLeaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "scratch_reclaim_failures_total",
			Help:      "Scratch files that could not be removed after a step.",
		}),
		Rollouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "rollouts_total",
			Help:      "Finished rollouts by outcome.",
		}, []string{"status"}),
		RolloutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "rollout_duration_seconds",
			Help:      "Wall time of a complete rollout.",
			Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		RolloutInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "rollout_in_progress",
			Help:      "1 while a rollout is executing.",
		}),
	}

	reg.MustRegister(
		m.StageLoadDuration,
		m.StepDuration,
		m.StepsTotal,
		m.ScratchLeaks,
		m.Rollouts,
		m.RolloutDuration,
		m.RolloutInProgress,
	)
	return m
}

func (m *PrometheusMetrics) RecordStageLoad(_ context.Context, stage string, d time.Duration) {
	m.StageLoadDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordStep(_ context.Context, stage, status string, d time.Duration) {
	m.StepDuration.WithLabelValues(stage, status).Observe(d.Seconds())
	m.StepsTotal.WithLabelValues(stage, status).Inc()
}

func (m *PrometheusMetrics) RecordScratchLeak(context.Context) {
	m.ScratchLeaks.Inc()
}

func (m *PrometheusMetrics) RecordRollout(_ context.Context, status string, d time.Duration) {
	m.Rollouts.WithLabelValues(status).Inc()
	m.RolloutDuration.Observe(d.Seconds())
}

// SetInProgress flips the in-progress gauge.
func (m *PrometheusMetrics) SetInProgress(running bool) {
	if running {
		m.RolloutInProgress.Set(1)
		return
	}
	m.RolloutInProgress.Set(0)
}

var _ Metrics = (*PrometheusMetrics)(nil)
