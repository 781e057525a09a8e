// Package worker implements the durable-mode polling loop that claims jobs
// from a store.JobStore, advances the referenced instance, and re-enqueues
// follow-up work.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/peterwidmer/ProtonFlow/flow/emit"
	"github.com/peterwidmer/ProtonFlow/flow/store"
)

// StepFunc advances one instance by one Step and persists the result. The
// runtime façade supplies this so the worker package stays free of a
// direct dependency on the executor's wiring details.
type StepFunc func(ctx context.Context, instanceID string) error

// Worker polls a JobStore for claimable work and drives it through
// StepFunc until the instance has no more active tokens, re-enqueuing a
// follow-up job for any instance that is not yet complete.
type Worker struct {
	ID      string
	Jobs    store.JobStore
	Step    StepFunc
	Lease   time.Duration
	Poll    time.Duration
	Emitter emit.Emitter

	// Metrics, if set, receives a queue-depth sample after every tick
	// that claims a job. Nil disables the sample.
	Metrics *emit.PrometheusMetrics
}

// New returns a Worker with an auto-generated ID and conservative defaults
// (a 30s lease, a 250ms poll interval) for lease and poll when zero-valued
// fields are left unset by the caller.
func New(jobs store.JobStore, step StepFunc) *Worker {
	return &Worker{
		ID:      "worker-" + uuid.NewString(),
		Jobs:    jobs,
		Step:    step,
		Lease:   30 * time.Second,
		Poll:    250 * time.Millisecond,
		Emitter: emit.NullEmitter{},
	}
}

func (w *Worker) emitter() emit.Emitter {
	if w.Emitter == nil {
		return emit.NullEmitter{}
	}
	return w.Emitter
}

// Run polls Jobs on a fixed interval until ctx is cancelled, processing at
// most one claimed job per tick. Callers that want concurrent throughput
// run several Workers, each with a distinct ID, against the same store —
// the store's ClaimNext contract guarantees at most one of them wins any
// given job.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.tick(ctx); err != nil && ctx.Err() == nil {
				w.emitter().Emit(emit.Event{
					Msg:  "handler_failed",
					Meta: map[string]any{"worker_id": w.ID, "error": err.Error()},
				})
			}
		}
	}
}

func (w *Worker) pollInterval() time.Duration {
	if w.Poll <= 0 {
		return 250 * time.Millisecond
	}
	return w.Poll
}

func (w *Worker) leaseDuration() time.Duration {
	if w.Lease <= 0 {
		return 30 * time.Second
	}
	return w.Lease
}

// tick claims at most one job and runs one Step for its instance: unless
// Step reports ErrInstanceDone, a follow-up job is enqueued for the same
// instance before the original is marked complete, so work is never lost
// between the lease expiring and a follow-up being recorded.
func (w *Worker) tick(ctx context.Context) error {
	job, err := w.Jobs.ClaimNext(ctx, w.ID, w.leaseDuration())
	if err != nil {
		return fmt.Errorf("worker: claim: %w", err)
	}
	if job == nil {
		return nil
	}

	if w.Metrics != nil {
		if n, err := w.Jobs.PendingCount(ctx); err == nil {
			w.Metrics.SetPendingJobs(n)
		}
	}

	if job.Attempt > 1 {
		w.emitter().Emit(emit.Event{
			InstanceID: job.ProcessInstanceID,
			Msg:        "job_lease_expired",
			Meta:       map[string]any{"worker_id": w.ID, "job_id": job.ID, "attempt": job.Attempt},
		})
	}

	w.emitter().Emit(emit.Event{
		InstanceID: job.ProcessInstanceID,
		Msg:        "job_claimed",
		Meta:       map[string]any{"worker_id": w.ID, "job_id": job.ID, "attempt": job.Attempt},
	})

	stepErr := w.Step(ctx, job.ProcessInstanceID)
	if stepErr != nil && !errors.Is(stepErr, ErrInstanceDone) {
		return fmt.Errorf("worker: step instance %s: %w", job.ProcessInstanceID, stepErr)
	}

	if stepErr == nil {
		if err := w.Jobs.Enqueue(ctx, &store.Job{
			Type:              job.Type,
			ProcessInstanceID: job.ProcessInstanceID,
		}); err != nil {
			return fmt.Errorf("worker: re-enqueue: %w", err)
		}
	}

	if err := w.Jobs.Complete(ctx, job.ID, w.ID); err != nil {
		return fmt.Errorf("worker: complete: %w", err)
	}

	w.emitter().Emit(emit.Event{
		InstanceID: job.ProcessInstanceID,
		Msg:        "job_completed",
		Meta:       map[string]any{"worker_id": w.ID, "job_id": job.ID},
	})
	return nil
}

// ErrInstanceDone is the sentinel a StepFunc should return (wrapped or
// bare, checked with errors.Is) to tell the worker the instance finished
// and needs no follow-up job.
var ErrInstanceDone = errors.New("worker: instance has no further active tokens")
