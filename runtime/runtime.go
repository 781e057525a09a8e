package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/peterwidmer/ProtonFlow/flow"
	"github.com/peterwidmer/ProtonFlow/flow/emit"
	"github.com/peterwidmer/ProtonFlow/flow/store"
	"github.com/peterwidmer/ProtonFlow/flow/worker"
)

// Runtime is the embeddable entry point: it owns an Executor wired over a
// ProcessStore/InstanceStore pair and exposes Deploy/Start/Step/Query,
// plus Simulate for a store-free dry run and NewWorker for durable-mode
// polling against a JobStore.
type Runtime struct {
	processes store.ProcessStore
	instances store.InstanceStore
	jobs      store.JobStore
	executor  *flow.Executor
	cfg       runtimeConfig
}

// New wires a Runtime over the given stores. jobs may be nil; in that
// case Start enqueues no job, NewWorker panics, and callers drive Step
// themselves (the embedded, non-durable mode).
func New(processes store.ProcessStore, instances store.InstanceStore, jobs store.JobStore, opts ...Option) (*Runtime, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("runtime: apply option: %w", err)
		}
	}

	rt := &Runtime{
		processes: processes,
		instances: instances,
		jobs:      jobs,
		cfg:       cfg,
	}

	emitter := cfg.emitter
	if cfg.metrics != nil {
		emitter = metricsEmitter{Emitter: cfg.emitter, metrics: cfg.metrics}
	}

	rt.executor = &flow.Executor{
		Definitions:    rt.loadDefinition,
		Handlers:       flow.NewHandlerRegistry(),
		HandlerTimeout: cfg.handlerTimeout,
		Emitter:        emitter,
		Clock:          cfg.clock,
	}

	return rt, nil
}

// Handlers returns the registry callers use to install service-task
// implementations before starting instances.
func (rt *Runtime) Handlers() *flow.HandlerRegistry {
	return rt.executor.Handlers
}

// UseRecords wires a RecordStore so every non-simulation Step appends one
// StepExecutionRecord per element visited.
func (rt *Runtime) UseRecords(records flow.RecordStore) {
	rt.executor.Records = records
}

func (rt *Runtime) loadDefinition(ctx context.Context, definitionID string) (*flow.ProcessDefinition, error) {
	return rt.processes.GetByID(ctx, definitionID)
}

// Deploy parses source, computes its content hash, and saves it under
// key. A source that hashes identically to the current latest version of
// key is a no-op that returns the existing definition.
func (rt *Runtime) Deploy(ctx context.Context, key string, source string) (*flow.ProcessDefinition, error) {
	def, err := flow.Parse("", source)
	if err != nil {
		return nil, fmt.Errorf("runtime: parse process source: %w", err)
	}
	def.Key = key
	def.ContentHash = flow.HashSource(source)

	saved, err := rt.processes.Save(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("runtime: save definition: %w", err)
	}
	return saved, nil
}

// Start creates a new instance of the latest deployed version of key and
// persists it. If jobs is configured, it also enqueues the first durable
// job for the instance.
func (rt *Runtime) Start(ctx context.Context, key string, initialVariables map[string]any) (*flow.Instance, error) {
	def, err := rt.processes.GetByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("runtime: load definition %q: %w", key, err)
	}

	inst := rt.executor.Start(def, uuid.NewString(), initialVariables)

	if err := rt.instances.Save(ctx, inst); err != nil {
		return nil, fmt.Errorf("runtime: save instance: %w", err)
	}

	if rt.jobs != nil {
		if err := rt.enqueueStep(ctx, inst.ID); err != nil {
			return nil, err
		}
	}

	return inst, nil
}

// Step loads instance id, advances it by exactly one Step, and persists
// the result under optimistic concurrency. If another writer raced this
// one, the returned error wraps flow.ErrConcurrencyConflict. Once the
// saved instance can step no further, Step returns worker.ErrInstanceDone.
func (rt *Runtime) Step(ctx context.Context, instanceID string) error {
	if rt.cfg.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.cfg.stepTimeout)
		defer cancel()
	}

	inst, err := rt.instances.GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("runtime: load instance %s: %w", instanceID, err)
	}

	started := rt.cfg.clock()
	stepErr := rt.executor.Step(ctx, inst)
	if rt.cfg.metrics != nil {
		status := "ok"
		if stepErr != nil {
			status = "error"
		}
		rt.cfg.metrics.RecordStepLatency(inst.ProcessKey, rt.cfg.clock().Sub(started), status)
	}
	if stepErr != nil {
		return stepErr
	}

	if err := rt.instances.Save(ctx, inst); err != nil {
		return fmt.Errorf("runtime: save instance %s: %w", instanceID, err)
	}

	if !rt.executor.CanStep(inst) {
		return worker.ErrInstanceDone
	}
	return nil
}

// enqueueStep enqueues a durable follow-up job for instanceID, to be
// claimed by a Worker running NewWorker's StepFunc.
func (rt *Runtime) enqueueStep(ctx context.Context, instanceID string) error {
	return rt.jobs.Enqueue(ctx, &store.Job{
		Type:              "step",
		ProcessInstanceID: instanceID,
	})
}

// Query loads an instance by id without mutating it.
func (rt *Runtime) Query(ctx context.Context, instanceID string) (*flow.Instance, error) {
	inst, err := rt.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("runtime: load instance %s: %w", instanceID, err)
	}
	return inst, nil
}

// QueryByProcessKey lists every instance of a deployed process key.
func (rt *Runtime) QueryByProcessKey(ctx context.Context, key string) ([]*flow.Instance, error) {
	return rt.instances.GetByProcessKey(ctx, key)
}

// Simulate runs def to completion entirely in memory, never touching
// Definitions, InstanceStore, or handler registrations: service tasks are
// treated as instantaneous no-ops. It is meant for validating a process
// definition's branching and join behavior before deployment. maxSteps
// bounds runaway loops; Simulate returns an error if it is exceeded.
func (rt *Runtime) Simulate(def *flow.ProcessDefinition, initialVariables map[string]any, maxSteps int) (*flow.Instance, int, error) {
	sim := &flow.Executor{
		Definitions: func(_ context.Context, _ string) (*flow.ProcessDefinition, error) { return def, nil },
		Handlers:    flow.NewHandlerRegistry(),
		Emitter:     emit.NullEmitter{},
		Clock:       time.Now,
	}

	inst := sim.Start(def, "simulate-"+uuid.NewString(), initialVariables)
	inst.SimulationMode = true

	ctx := context.Background()
	steps := 0
	for sim.CanStep(inst) {
		if steps >= maxSteps {
			return inst, steps, fmt.Errorf("runtime: simulate exceeded %d steps without completing", maxSteps)
		}
		if err := sim.Step(ctx, inst); err != nil {
			return inst, steps, fmt.Errorf("runtime: simulate step %d: %w", steps, err)
		}
		steps++
	}
	return inst, steps, nil
}

// NewWorker returns a durable-mode Worker that claims jobs from the
// Runtime's JobStore and drives them through Step. Panics if the
// Runtime was constructed with a nil JobStore, since a worker with
// nothing to claim from is a caller error, not a runtime one.
func (rt *Runtime) NewWorker() *worker.Worker {
	if rt.jobs == nil {
		panic("runtime: NewWorker requires a non-nil JobStore")
	}
	w := worker.New(rt.jobs, rt.Step)
	w.Lease = rt.cfg.lease
	w.Emitter = rt.cfg.emitter
	if rt.cfg.metrics != nil {
		w.Emitter = metricsEmitter{Emitter: rt.cfg.emitter, metrics: rt.cfg.metrics}
		w.Metrics = rt.cfg.metrics
	}
	return w
}
