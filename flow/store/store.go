// Package store provides the persistence contracts the executor and
// runtime façade depend on (ProcessStore, InstanceStore, JobStore), plus
// in-memory, SQLite, and MySQL implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/peterwidmer/ProtonFlow/flow"
)

// ErrNotFound is returned when a requested id or key does not exist.
var ErrNotFound = errors.New("store: not found")

// ProcessStore persists deployed process definitions. Save assigns a new
// monotonically increasing version per Key and flips the prior "latest"
// row to non-latest atomically; if the new source hashes identically to
// the current latest version of the same key, Save is a no-op that
// returns the existing definition unchanged.
type ProcessStore interface {
	Save(ctx context.Context, def *flow.ProcessDefinition) (*flow.ProcessDefinition, error)
	GetByKey(ctx context.Context, key string) (*flow.ProcessDefinition, error)
	GetByID(ctx context.Context, id string) (*flow.ProcessDefinition, error)
	GetAll(ctx context.Context) ([]*flow.ProcessDefinition, error)
}

// InstanceStore persists process instances. Save applies optimistic
// concurrency on Instance.ConcurrencyToken: an update whose token does not
// match the stored row's current token fails with ErrConcurrencyConflict.
// An instance with an empty ConcurrencyToken is written without this check.
type InstanceStore interface {
	Save(ctx context.Context, inst *flow.Instance) error
	GetByID(ctx context.Context, id string) (*flow.Instance, error)
	GetByProcessKey(ctx context.Context, key string) ([]*flow.Instance, error)
}

// Job is a unit of pending work the durable coordination layer hands out
// to at most one worker at a time.
type Job struct {
	ID                string
	Type              string
	ProcessInstanceID string
	RunAt             *time.Time
	OwnerID           string
	LockedUntil       *time.Time
	Attempt           int
	ConcurrencyToken  string
}

// JobStore is the at-most-one-worker job-coordination primitive: a
// durable queue with single-claim lease semantics, lease-expiry recovery,
// and owner-verified completion.
type JobStore interface {
	// Enqueue inserts job, assigning an id if absent and initializing
	// Attempt=0 and a fresh concurrency token.
	Enqueue(ctx context.Context, job *Job) error

	// ClaimNext atomically selects one eligible row (RunAt <= now or
	// nil, and LockedUntil < now or nil), ordered by RunAt ascending
	// (nulls first), sets OwnerID/LockedUntil/increments Attempt, and
	// returns a copy. Returns nil, nil when nothing is eligible, never
	// an error for that case.
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Job, error)

	// Complete deletes the row iff its current owner matches workerID;
	// otherwise it is a silent no-op (the lease already expired and
	// another worker owns it now).
	Complete(ctx context.Context, jobID string, workerID string) error

	// PendingCount reports the number of rows not yet completed,
	// regardless of whether they are currently leased. Used to feed a
	// queue-depth gauge; callers on a hot path should poll it
	// infrequently since it scans the full table.
	PendingCount(ctx context.Context) (int, error)
}
