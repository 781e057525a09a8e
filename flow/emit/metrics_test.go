package emit

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *PrometheusMetrics {
	t.Helper()
	return NewPrometheusMetrics(prometheus.NewRegistry())
}

func TestPrometheusMetricsGauges(t *testing.T) {
	pm := newTestMetrics(t)

	pm.SetActiveInstances(3)
	if got := testutil.ToFloat64(pm.activeInstances); got != 3 {
		t.Errorf("activeInstances = %v, want 3", got)
	}

	pm.SetPendingJobs(7)
	if got := testutil.ToFloat64(pm.pendingJobs); got != 7 {
		t.Errorf("pendingJobs = %v, want 7", got)
	}
}

func TestPrometheusMetricsCounters(t *testing.T) {
	pm := newTestMetrics(t)

	pm.IncrementHandlerFailures()
	pm.IncrementHandlerFailures()
	if got := testutil.ToFloat64(pm.handlerFailures); got != 2 {
		t.Errorf("handlerFailures = %v, want 2", got)
	}

	pm.IncrementJobsCompleted()
	if got := testutil.ToFloat64(pm.jobsCompleted); got != 1 {
		t.Errorf("jobsCompleted = %v, want 1", got)
	}

	pm.IncrementLeaseExpiries()
	if got := testutil.ToFloat64(pm.leaseExpiries); got != 1 {
		t.Errorf("leaseExpiries = %v, want 1", got)
	}

	pm.IncrementJobsClaimed("worker-1")
	pm.IncrementJobsClaimed("worker-1")
	pm.IncrementJobsClaimed("worker-2")
	if got := testutil.ToFloat64(pm.jobsClaimed.WithLabelValues("worker-1")); got != 2 {
		t.Errorf("jobsClaimed[worker-1] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(pm.jobsClaimed.WithLabelValues("worker-2")); got != 1 {
		t.Errorf("jobsClaimed[worker-2] = %v, want 1", got)
	}
}

func TestPrometheusMetricsRecordStepLatency(t *testing.T) {
	pm := newTestMetrics(t)
	pm.RecordStepLatency("linear", 25*time.Millisecond, "completed")

	count := testutil.CollectAndCount(pm.stepLatency)
	if count != 1 {
		t.Errorf("expected 1 histogram series recorded, got %d", count)
	}
}

func TestPrometheusMetricsObserveTranslatesEvents(t *testing.T) {
	pm := newTestMetrics(t)

	pm.Observe(Event{Msg: "handler_failed"})
	pm.Observe(Event{Msg: "job_claimed", Meta: map[string]any{"worker_id": "worker-9"}})
	pm.Observe(Event{Msg: "job_completed"})
	pm.Observe(Event{Msg: "job_lease_expired"})
	pm.Observe(Event{Msg: "unrelated_event"})

	if got := testutil.ToFloat64(pm.handlerFailures); got != 1 {
		t.Errorf("handlerFailures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pm.jobsClaimed.WithLabelValues("worker-9")); got != 1 {
		t.Errorf("jobsClaimed[worker-9] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pm.jobsCompleted); got != 1 {
		t.Errorf("jobsCompleted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pm.leaseExpiries); got != 1 {
		t.Errorf("leaseExpiries = %v, want 1", got)
	}
}

func TestPrometheusMetricsObserveTracksActiveInstances(t *testing.T) {
	pm := newTestMetrics(t)

	pm.Observe(Event{Msg: "instance_started"})
	pm.Observe(Event{Msg: "instance_started"})
	if got := testutil.ToFloat64(pm.activeInstances); got != 2 {
		t.Errorf("activeInstances after two starts = %v, want 2", got)
	}

	pm.Observe(Event{Msg: "instance_completed"})
	if got := testutil.ToFloat64(pm.activeInstances); got != 1 {
		t.Errorf("activeInstances after one completion = %v, want 1", got)
	}
}
