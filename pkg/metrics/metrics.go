// Package metrics exposes the Prometheus counters/histograms/gauges the
// rest of the engine observes into, plus a Timer helper for recording
// step durations (SPEC_FULL.md §9.4).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DeploymentsTotal counts deployment lifecycle events by phase and
	// status: one when a deployment starts and one at its terminal
	// transition (e.g. phase=completed,status=completed).
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_deployments_total",
			Help: "Total number of deployments by phase and status",
		},
		[]string{"phase", "status"},
	)

	// DeploymentDuration observes end-to-end deployment wall time.
	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_deployment_duration_seconds",
			Help:    "Deployment duration in seconds by outcome",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// RolledBackDeploymentsTotal counts undo/rollback operations.
	RolledBackDeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_deployments_rolled_back_total",
			Help: "Total number of undo/rollback deployments",
		},
		[]string{"reason"},
	)

	// PipelineStepDuration observes how long each parameter-pipeline step
	// (C3) takes to run.
	PipelineStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_pipeline_step_duration_seconds",
			Help:    "Parameter pipeline step duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// TrackerPollDuration observes one external-task poll round trip (C2).
	TrackerPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maestro_tracker_poll_duration_seconds",
			Help:    "External-task tracker poll duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ExecutorTaskDuration observes one executor task's (C4) total
	// duration, including any tracker/health-waiter polling it performs.
	ExecutorTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_executor_task_duration_seconds",
			Help:    "Executor task duration in seconds by action",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"action"},
	)

	// QueueDepth gauges the number of active per-deployment workers in
	// pkg/queue at scrape time.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_queue_depth",
			Help: "Number of deployments with an active queue worker",
		},
	)

	// DeploymentsByPhase gauges the current snapshot of deployments by
	// phase/status, sampled by the collector (distinct from
	// DeploymentsTotal, which is a monotone counter incremented at the
	// control plane's lifecycle transitions).
	DeploymentsByPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_deployments_by_phase",
			Help: "Current number of deployments by phase and status",
		},
		[]string{"phase", "status"},
	)

	// DeploymentsInProgress gauges the size of the in-progress registry.
	DeploymentsInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_deployments_in_progress",
			Help: "Number of application/environment/region triples currently in progress",
		},
	)

	// DeploymentsPaused gauges the number of triples with the pause flag set.
	DeploymentsPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_deployments_paused",
			Help: "Number of application/environment/region triples currently paused",
		},
	)

	// APIRequestsTotal counts HTTP API requests by route, method, and status.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_api_requests_total",
			Help: "Total number of API requests by route, method, and status",
		},
		[]string{"route", "method", "status"},
	)

	// APIRequestDuration observes HTTP API request handling time.
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_api_request_duration_seconds",
			Help:    "API request duration in seconds by route and method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

func init() {
	prometheus.MustRegister(
		DeploymentsTotal,
		DeploymentDuration,
		RolledBackDeploymentsTotal,
		PipelineStepDuration,
		TrackerPollDuration,
		ExecutorTaskDuration,
		QueueDepth,
		DeploymentsByPhase,
		DeploymentsInProgress,
		DeploymentsPaused,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
