package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peterwidmer/ProtonFlow/flow/store"
)

// fakeJobStore is a minimal, single-goroutine JobStore double for exercising
// Worker.tick without a real backend.
type fakeJobStore struct {
	mu        sync.Mutex
	pending   []*store.Job
	completed []string
	claims    int
}

func (f *fakeJobStore) Enqueue(_ context.Context, job *store.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == "" {
		job.ID = "job-" + time.Now().String()
	}
	f.pending = append(f.pending, job)
	return nil
}

func (f *fakeJobStore) ClaimNext(_ context.Context, workerID string, lease time.Duration) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	f.claims++
	job := f.pending[0]
	f.pending = f.pending[1:]
	job.OwnerID = workerID
	copyJob := *job
	return &copyJob, nil
}

func (f *fakeJobStore) Complete(_ context.Context, jobID string, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeJobStore) PendingCount(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending), nil
}

func TestWorkerTickReenqueuesWhenStepReportsMoreWork(t *testing.T) {
	jobs := &fakeJobStore{pending: []*store.Job{{ID: "j1", Type: "step", ProcessInstanceID: "inst-1"}}}
	var steppedIDs []string
	w := New(jobs, func(ctx context.Context, instanceID string) error {
		steppedIDs = append(steppedIDs, instanceID)
		return nil
	})
	w.ID = "worker-1"

	if err := w.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(steppedIDs) != 1 || steppedIDs[0] != "inst-1" {
		t.Fatalf("expected Step called once with inst-1, got %v", steppedIDs)
	}
	if len(jobs.completed) != 1 || jobs.completed[0] != "j1" {
		t.Fatalf("expected j1 completed, got %v", jobs.completed)
	}
	if len(jobs.pending) != 1 {
		t.Fatalf("expected a follow-up job enqueued, got %d pending", len(jobs.pending))
	}
	if jobs.pending[0].ProcessInstanceID != "inst-1" || jobs.pending[0].Type != "step" {
		t.Errorf("follow-up job mismatch: %+v", jobs.pending[0])
	}
}

func TestWorkerTickDoesNotReenqueueWhenInstanceIsDone(t *testing.T) {
	jobs := &fakeJobStore{pending: []*store.Job{{ID: "j1", Type: "step", ProcessInstanceID: "inst-1"}}}
	w := New(jobs, func(ctx context.Context, instanceID string) error {
		return ErrInstanceDone
	})

	if err := w.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(jobs.pending) != 0 {
		t.Fatalf("expected no follow-up job once the instance is done, got %d pending", len(jobs.pending))
	}
	if len(jobs.completed) != 1 {
		t.Fatalf("expected the claimed job completed regardless, got %v", jobs.completed)
	}
}

func TestWorkerTickPropagatesStepFailureWithoutReenqueue(t *testing.T) {
	jobs := &fakeJobStore{pending: []*store.Job{{ID: "j1", Type: "step", ProcessInstanceID: "inst-1"}}}
	boom := errors.New("handler exploded")
	w := New(jobs, func(ctx context.Context, instanceID string) error {
		return boom
	})

	err := w.tick(context.Background())
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("expected tick to surface the step error, got %v", err)
	}
	if len(jobs.pending) != 0 {
		t.Fatalf("expected no follow-up job on failure, got %d pending", len(jobs.pending))
	}
}

func TestWorkerTickNoOpWhenNothingToClaim(t *testing.T) {
	jobs := &fakeJobStore{}
	called := false
	w := New(jobs, func(ctx context.Context, instanceID string) error {
		called = true
		return nil
	})

	if err := w.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if called {
		t.Error("expected Step never called when there is nothing to claim")
	}
}

func TestNewWorkerDefaults(t *testing.T) {
	jobs := &fakeJobStore{}
	w := New(jobs, func(ctx context.Context, instanceID string) error { return nil })

	if w.ID == "" {
		t.Error("expected New to assign a non-empty worker ID")
	}
	if w.Lease != 30*time.Second {
		t.Errorf("Lease = %v, want 30s default", w.Lease)
	}
	if w.Poll != 250*time.Millisecond {
		t.Errorf("Poll = %v, want 250ms default", w.Poll)
	}
}

func TestWorkerRunStopsOnContextCancellation(t *testing.T) {
	jobs := &fakeJobStore{}
	w := New(jobs, func(ctx context.Context, instanceID string) error { return nil })
	w.Poll = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
