package emit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects Prometheus-compatible metrics for process and
// job execution. All metrics are namespaced "protonflow_".
type PrometheusMetrics struct {
	activeInstances prometheus.Gauge
	pendingJobs     prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	handlerFailures prometheus.Counter
	jobsClaimed     *prometheus.CounterVec
	jobsCompleted   prometheus.Counter
	leaseExpiries   prometheus.Counter
}

// NewPrometheusMetrics registers metrics against registry (nil selects
// prometheus.DefaultRegisterer).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		activeInstances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "protonflow",
			Name:      "active_instances",
			Help:      "Current number of process instances that have not completed",
		}),
		pendingJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "protonflow",
			Name:      "pending_jobs",
			Help:      "Current number of unclaimed or leased jobs in the job store",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "protonflow",
			Name:      "step_latency_ms",
			Help:      "Duration of a single Step call in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"process_key", "status"}),
		handlerFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "protonflow",
			Name:      "handler_failures_total",
			Help:      "Cumulative count of service-task handler failures",
		}),
		jobsClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "protonflow",
			Name:      "jobs_claimed_total",
			Help:      "Cumulative count of jobs successfully claimed, by worker",
		}, []string{"worker_id"}),
		jobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "protonflow",
			Name:      "jobs_completed_total",
			Help:      "Cumulative count of jobs completed",
		}),
		leaseExpiries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "protonflow",
			Name:      "job_lease_expiries_total",
			Help:      "Cumulative count of jobs reclaimed after their lease expired",
		}),
	}
}

// ActiveInstancesGauge exposes the underlying gauge so callers (and tests
// in other packages) can inspect its current value without a Prometheus
// scrape.
func (pm *PrometheusMetrics) ActiveInstancesGauge() prometheus.Gauge {
	return pm.activeInstances
}

// RecordStepLatency observes a Step's wall-clock duration.
func (pm *PrometheusMetrics) RecordStepLatency(processKey string, latency time.Duration, status string) {
	pm.stepLatency.WithLabelValues(processKey, status).Observe(float64(latency.Milliseconds()))
}

// SetActiveInstances sets the current gauge value for running instances.
func (pm *PrometheusMetrics) SetActiveInstances(n int) {
	pm.activeInstances.Set(float64(n))
}

// SetPendingJobs sets the current gauge value for queued/leased jobs.
func (pm *PrometheusMetrics) SetPendingJobs(n int) {
	pm.pendingJobs.Set(float64(n))
}

// IncrementHandlerFailures records one handler failure.
func (pm *PrometheusMetrics) IncrementHandlerFailures() {
	pm.handlerFailures.Inc()
}

// IncrementJobsClaimed records one successful claim by workerID.
func (pm *PrometheusMetrics) IncrementJobsClaimed(workerID string) {
	pm.jobsClaimed.WithLabelValues(workerID).Inc()
}

// IncrementJobsCompleted records one successful job completion.
func (pm *PrometheusMetrics) IncrementJobsCompleted() {
	pm.jobsCompleted.Inc()
}

// IncrementLeaseExpiries records one lease-expiry based reclaim.
func (pm *PrometheusMetrics) IncrementLeaseExpiries() {
	pm.leaseExpiries.Inc()
}

// Observe translates a stream of Events into metric updates. It is meant
// to be composed alongside another Emitter (e.g. via a fan-out emitter in
// the caller), not used as the sole Emitter, since it does not implement
// the Emitter interface itself — metrics are derived from a fixed set of
// event names rather than arbitrary ones.
func (pm *PrometheusMetrics) Observe(event Event) {
	switch event.Msg {
	case "instance_started":
		pm.activeInstances.Inc()
	case "instance_completed":
		pm.activeInstances.Dec()
	case "handler_failed":
		pm.IncrementHandlerFailures()
	case "job_claimed":
		workerID, _ := event.Meta["worker_id"].(string)
		pm.IncrementJobsClaimed(workerID)
	case "job_completed":
		pm.IncrementJobsCompleted()
	case "job_lease_expired":
		pm.IncrementLeaseExpiries()
	}
}
