package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peterwidmer/ProtonFlow/flow"
)

// MemProcessStore is an in-memory ProcessStore. Designed for testing,
// single-process embeddings, and short-lived demos; data is lost when the
// process exits.
type MemProcessStore struct {
	mu       sync.RWMutex
	byID     map[string]*flow.ProcessDefinition
	versions map[string][]*flow.ProcessDefinition // key -> versions, ascending
}

// NewMemProcessStore returns an empty MemProcessStore.
func NewMemProcessStore() *MemProcessStore {
	return &MemProcessStore{
		byID:     make(map[string]*flow.ProcessDefinition),
		versions: make(map[string][]*flow.ProcessDefinition),
	}
}

func (s *MemProcessStore) Save(_ context.Context, def *flow.ProcessDefinition) (*flow.ProcessDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.versions[def.Key]
	if n := len(existing); n > 0 {
		latest := existing[n-1]
		if latest.ContentHash == def.ContentHash {
			return cloneDefinition(latest), nil
		}
		def.Version = latest.Version + 1
	} else {
		def.Version = 1
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	copyDef := cloneDefinition(def)
	s.byID[copyDef.ID] = copyDef
	s.versions[copyDef.Key] = append(s.versions[copyDef.Key], copyDef)

	return cloneDefinition(copyDef), nil
}

func (s *MemProcessStore) GetByKey(_ context.Context, key string) (*flow.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.versions[key]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return cloneDefinition(versions[len(versions)-1]), nil
}

func (s *MemProcessStore) GetByID(_ context.Context, id string) (*flow.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDefinition(def), nil
}

func (s *MemProcessStore) GetAll(_ context.Context) ([]*flow.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*flow.ProcessDefinition, 0, len(s.byID))
	for _, def := range s.byID {
		out = append(out, cloneDefinition(def))
	}
	return out, nil
}

// cloneDefinition reparses from Source so the returned definition's flow
// index is never an alias into the store's own copy, and so that every
// caller's Element/OutgoingFlows lookups see a consistently rebuilt
// index — the same "reparse rather than hand out a live cache" posture
// the executor itself takes on every Step.
func cloneDefinition(def *flow.ProcessDefinition) *flow.ProcessDefinition {
	reparsed, err := flow.Parse(def.ID, def.Source)
	if err != nil {
		// Source was already validated by Parse at Save time; a
		// re-parse failure here would indicate store corruption.
		panic("store: stored definition source no longer parses: " + err.Error())
	}
	reparsed.Name = def.Name
	reparsed.Version = def.Version
	return reparsed
}

// MemInstanceStore is an in-memory InstanceStore with optimistic
// concurrency on Instance.ConcurrencyToken.
type MemInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]*flow.Instance
	byKey     map[string][]string // process key -> instance ids
}

// NewMemInstanceStore returns an empty MemInstanceStore.
func NewMemInstanceStore() *MemInstanceStore {
	return &MemInstanceStore{
		instances: make(map[string]*flow.Instance),
		byKey:     make(map[string][]string),
	}
}

func (s *MemInstanceStore) Save(_ context.Context, inst *flow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.instances[inst.ID]
	if ok && inst.ConcurrencyToken != "" && existing.ConcurrencyToken != inst.ConcurrencyToken {
		return flow.ErrConcurrencyConflict
	}

	newToken := uuid.NewString()
	copyInst := inst.Clone()
	copyInst.ConcurrencyToken = newToken
	s.instances[inst.ID] = copyInst
	inst.ConcurrencyToken = newToken

	if !ok {
		s.byKey[inst.ProcessKey] = append(s.byKey[inst.ProcessKey], inst.ID)
	}
	return nil
}

func (s *MemInstanceStore) GetByID(_ context.Context, id string) (*flow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

func (s *MemInstanceStore) GetByProcessKey(_ context.Context, key string) ([]*flow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byKey[key]
	out := make([]*flow.Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.instances[id].Clone())
	}
	return out, nil
}

// MemJobStore is an in-memory JobStore implementing the single-claim
// lease protocol the JobStore interface documents.
type MemJobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemJobStore returns an empty MemJobStore.
func NewMemJobStore() *MemJobStore {
	return &MemJobStore{jobs: make(map[string]*Job)}
}

func (s *MemJobStore) Enqueue(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Attempt = 0
	job.ConcurrencyToken = uuid.NewString()

	copyJob := *job
	s.jobs[job.ID] = &copyJob
	return nil
}

func (s *MemJobStore) ClaimNext(_ context.Context, workerID string, lease time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	var best *Job
	for _, j := range s.jobs {
		if !eligible(j, now) {
			continue
		}
		if best == nil || lessEligible(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	lockedUntil := now.Add(lease)
	best.OwnerID = workerID
	best.LockedUntil = &lockedUntil
	best.Attempt++
	best.ConcurrencyToken = uuid.NewString()

	copyJob := *best
	return &copyJob, nil
}

func (s *MemJobStore) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs), nil
}

func (s *MemJobStore) Complete(_ context.Context, jobID string, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	if j.OwnerID != workerID {
		return nil
	}
	delete(s.jobs, jobID)
	return nil
}

// MemRecordStore is an in-memory flow.RecordStore, append-only per
// instance and returned in append order.
type MemRecordStore struct {
	mu      sync.RWMutex
	records map[string][]flow.StepExecutionRecord
}

// NewMemRecordStore returns an empty MemRecordStore.
func NewMemRecordStore() *MemRecordStore {
	return &MemRecordStore{records: make(map[string][]flow.StepExecutionRecord)}
}

func (s *MemRecordStore) Append(record flow.StepExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.InstanceID] = append(s.records[record.InstanceID], record)
	return nil
}

func (s *MemRecordStore) ListByInstance(instanceID string) ([]flow.StepExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[instanceID]
	out := make([]flow.StepExecutionRecord, len(records))
	copy(out, records)
	return out, nil
}

func eligible(j *Job, now time.Time) bool {
	if j.RunAt != nil && j.RunAt.After(now) {
		return false
	}
	if j.LockedUntil != nil && !j.LockedUntil.Before(now) {
		return false
	}
	return true
}

// lessEligible orders candidates by RunAt ascending with nulls first, the
// same ordering JobStore.ClaimNext documents.
func lessEligible(a, b *Job) bool {
	if a.RunAt == nil {
		return b.RunAt != nil
	}
	if b.RunAt == nil {
		return false
	}
	return a.RunAt.Before(*b.RunAt)
}
