package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peterwidmer/ProtonFlow/flow/emit"
)

// DefinitionLoader resolves a process definition by id, re-parsing its
// source text on every call so the definition's flow index always
// reflects the latest document order. The executor calls this once per
// Step; implementations are expected to be cheap (the in-memory and
// durable ProcessStore implementations cache the raw definition row and
// only Parse is repeated here).
type DefinitionLoader func(ctx context.Context, definitionID string) (*ProcessDefinition, error)

// Executor implements Start and Step: the deterministic per-step token
// advancement over a process graph, including exclusive-gateway condition
// selection and parallel-gateway fork/join semantics. It is the core that
// everything else in this module exists to drive.
type Executor struct {
	// Definitions resolves a definition id to its current
	// ProcessDefinition. Required.
	Definitions DefinitionLoader

	// Handlers looks up service-task implementations by type. Required
	// for non-simulation steps that touch service tasks; a nil registry
	// behaves as if no handler is ever found (tasks pass through).
	Handlers *HandlerRegistry

	// HandlerTimeout bounds a single handler invocation; zero means
	// unlimited.
	HandlerTimeout time.Duration

	// Records, if set, receives one StepExecutionRecord per token-
	// element visit during non-simulation steps.
	Records RecordStore

	// Emitter receives observability events. Defaults to a no-op when
	// left nil via NewExecutor; a zero-value Executor should still set
	// one before use.
	Emitter emit.Emitter

	// Clock returns the current time; overridable for deterministic
	// tests. Defaults to time.Now via NewExecutor.
	Clock func() time.Time
}

// NewExecutor returns an Executor with safe defaults (a no-op emitter and
// a real-time clock) wired over the given definition loader.
func NewExecutor(definitions DefinitionLoader) *Executor {
	return &Executor{
		Definitions: definitions,
		Handlers:    NewHandlerRegistry(),
		Emitter:     emit.NullEmitter{},
		Clock:       time.Now,
	}
}

func (ex *Executor) emitter() emit.Emitter {
	if ex.Emitter == nil {
		return emit.NullEmitter{}
	}
	return ex.Emitter
}

func (ex *Executor) clock() time.Time {
	if ex.Clock == nil {
		return time.Now()
	}
	return ex.Clock()
}

// Start creates a new instance with copied initial variables and a token
// on every start event. It never blocks and never touches a store; the
// caller persists the returned instance.
func (ex *Executor) Start(def *ProcessDefinition, instanceID string, initialVariables map[string]any) *Instance {
	inst := NewInstance(instanceID, def, initialVariables)
	ex.emitter().Emit(emit.Event{
		InstanceID: inst.ID,
		Msg:        "instance_started",
	})
	return inst
}

// CanStep reports whether inst has further work: it is not completed and
// holds at least one active token.
func (ex *Executor) CanStep(inst *Instance) bool {
	return !inst.IsCompleted && len(inst.ActiveTokens) > 0
}

// Step advances every currently active token by exactly one semantic
// move. It mutates inst in place and returns an error for a missing
// definition, cancellation, or a handler failure — in every error case
// the commit phase has not yet run, so inst.ActiveTokens and
// inst.ParallelJoinWaits are exactly as they were on entry (Variables may
// carry whatever a handler wrote before failing).
func (ex *Executor) Step(ctx context.Context, inst *Instance) error {
	if inst.IsCompleted {
		return &FlowError{Op: "Step", Code: CodeAlreadyCompleted, InstanceID: inst.ID}
	}

	def, err := ex.Definitions(ctx, inst.ProcessDefinitionID)
	if err != nil {
		return &FlowError{Op: "Step", Code: CodeDefinitionNotFound, InstanceID: inst.ID, Cause: err}
	}
	if def == nil {
		return &FlowError{Op: "Step", Code: CodeDefinitionNotFound, InstanceID: inst.ID}
	}

	snapshot := inst.ActiveTokenIDs()
	newTokens := make(map[string]struct{})
	joinDeltas := make(map[string]int) // element id -> count of arrivals staged this step

	for _, tokenID := range snapshot {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("flow: step cancelled: %w", ErrCancelled)
		}

		el, ok := def.Element(tokenID)
		if !ok {
			// The token references an element no longer in the
			// definition; it silently disappears.
			continue
		}

		if el.Kind == KindEndEvent {
			ex.emitter().Emit(emit.Event{InstanceID: inst.ID, ElementID: tokenID, Msg: "token_consumed"})
			continue
		}

		if !inst.SimulationMode {
			if err := ex.runTask(ctx, inst, el); err != nil {
				return err
			}
		}

		outgoing := def.OutgoingFlows(tokenID)
		if len(outgoing) == 0 {
			ex.emitter().Emit(emit.Event{InstanceID: inst.ID, ElementID: tokenID, Msg: "token_consumed"})
			continue
		}

		switch el.Kind {
		case KindExclusiveGateway:
			ex.stepExclusiveGateway(inst, def, el, outgoing, newTokens, joinDeltas)
		case KindParallelGateway:
			ex.stepParallelGateway(inst, def, el, outgoing, newTokens, joinDeltas)
		default:
			for _, f := range outgoing {
				emitSuccessor(inst, def, f.Target, newTokens, joinDeltas)
			}
		}
	}

	for elementID, delta := range joinDeltas {
		inst.ParallelJoinWaits[elementID] += delta
	}

	inst.ActiveTokens = newTokens
	inst.IsCompleted = computeCompletion(def, newTokens)
	if inst.IsCompleted {
		inst.Status = StatusCompleted
		ex.emitter().Emit(emit.Event{InstanceID: inst.ID, Msg: "instance_completed"})
	}

	return nil
}

// runTask invokes a service task's handler (if any is registered) or
// no-ops for a script task. It optionally appends a StepExecutionRecord
// when ex.Records is configured.
func (ex *Executor) runTask(ctx context.Context, inst *Instance, el Element) error {
	var rec *StepExecutionRecord
	if ex.Records != nil {
		rec = &StepExecutionRecord{
			InstanceID:          inst.ID,
			ProcessDefinitionID: inst.ProcessDefinitionID,
			ProcessKey:          inst.ProcessKey,
			ElementID:           el.ID,
			ElementType:         el.Kind.String(),
			Sequence:            inst.NextRecordSeq(),
			StartUtc:            ex.clock(),
		}
	}

	finish := func(status, errText string) {
		if rec == nil {
			return
		}
		rec.Finish(ex.clock(), status, errText)
		_ = ex.Records.Append(*rec)
	}

	if el.Kind != KindServiceTask {
		finish("completed", "")
		return nil
	}

	if el.Implementation == "" || ex.Handlers == nil {
		finish("completed", "")
		return nil
	}

	handler, found := ex.Handlers.Lookup(el.Implementation)
	if !found {
		finish("completed", "")
		return nil
	}

	ex.emitter().Emit(emit.Event{InstanceID: inst.ID, ElementID: el.ID, Msg: "handler_invoked"})
	err := runHandlerWithTimeout(ctx, handler, TaskContext{Instance: inst, ElementID: el.ID}, ex.HandlerTimeout)
	if err != nil {
		finish("failed", err.Error())
		ex.emitter().Emit(emit.Event{
			InstanceID: inst.ID,
			ElementID:  el.ID,
			Msg:        "handler_failed",
			Meta:       map[string]any{"error": err.Error()},
		})
		code := CodeHandlerFailure
		if errors.Is(err, ErrHandlerTimeout) {
			code = CodeHandlerTimeout
		}
		return &FlowError{Op: "Step", Code: code, ElementID: el.ID, InstanceID: inst.ID, Cause: err}
	}

	finish("completed", "")
	return nil
}

// stepExclusiveGateway walks outgoing flows in document order; the first
// flow with a condition that evaluates true wins. If none match, the
// gateway's default flow (if any) is taken. Otherwise the token is
// consumed.
func (ex *Executor) stepExclusiveGateway(inst *Instance, def *ProcessDefinition, el Element, outgoing []SequenceFlow, newTokens map[string]struct{}, joinDeltas map[string]int) {
	for _, f := range outgoing {
		if f.HasCondition() && Evaluate(f.ConditionText, inst.Variables) {
			emitSuccessor(inst, def, f.Target, newTokens, joinDeltas)
			ex.emitter().Emit(emit.Event{InstanceID: inst.ID, ElementID: el.ID, Msg: "gateway_branch_selected", Meta: map[string]any{"flow": f.ID}})
			return
		}
	}
	if el.Default != "" {
		if f, ok := def.FlowByID(el.Default); ok {
			emitSuccessor(inst, def, f.Target, newTokens, joinDeltas)
			ex.emitter().Emit(emit.Event{InstanceID: inst.ID, ElementID: el.ID, Msg: "gateway_default_taken", Meta: map[string]any{"flow": f.ID}})
			return
		}
	}
	ex.emitter().Emit(emit.Event{InstanceID: inst.ID, ElementID: el.ID, Msg: "token_consumed"})
}

// stepParallelGateway implements fork/join: a
// gateway with more than one outgoing flow and at most one incoming flow
// forks; a gateway with more than one incoming flow joins once all
// expected arrivals have accumulated; any other shape is a straight
// pass-through.
func (ex *Executor) stepParallelGateway(inst *Instance, def *ProcessDefinition, el Element, outgoing []SequenceFlow, newTokens map[string]struct{}, joinDeltas map[string]int) {
	in := def.IncomingCount(el.ID)
	out := len(outgoing)

	switch {
	case out > 1 && in <= 1:
		// Fork.
		for _, f := range outgoing {
			emitSuccessor(inst, def, f.Target, newTokens, joinDeltas)
		}
		ex.emitter().Emit(emit.Event{InstanceID: inst.ID, ElementID: el.ID, Msg: "gateway_forked", Meta: map[string]any{"branches": out}})

	case in > 1:
		// Join.
		arrived := inst.ParallelJoinWaits[el.ID]
		if arrived >= in {
			joinDeltas[el.ID] -= in
			for _, f := range outgoing {
				emitSuccessor(inst, def, f.Target, newTokens, joinDeltas)
			}
			ex.emitter().Emit(emit.Event{InstanceID: inst.ID, ElementID: el.ID, Msg: "gateway_joined"})
		} else {
			newTokens[el.ID] = struct{}{}
			ex.emitter().Emit(emit.Event{InstanceID: inst.ID, ElementID: el.ID, Msg: "gateway_join_waiting", Meta: map[string]any{"arrived": arrived, "needed": in}})
		}

	default:
		// Degenerate in<=1, out<=1: straight pass-through.
		for _, f := range outgoing {
			emitSuccessor(inst, def, f.Target, newTokens, joinDeltas)
		}
	}
}

// emitSuccessor adds target to newTokens and, if target is a parallel
// join (more than one incoming flow), stages one arrival for it. Staging
// happens at fork time rather than fire time, per the parallel-
// join accounting invariant: this is what lets the join see
// arrived == in precisely when every expected branch has reached it,
// possibly across different steps.
func emitSuccessor(inst *Instance, def *ProcessDefinition, target string, newTokens map[string]struct{}, joinDeltas map[string]int) {
	if el, ok := def.Element(target); ok && el.Kind == KindParallelGateway && def.IncomingCount(target) > 1 {
		joinDeltas[target]++
	}
	newTokens[target] = struct{}{}
}

// computeCompletion reports whether newTokens represents a terminal
// state: empty, or every remaining token sits on an end event.
func computeCompletion(def *ProcessDefinition, newTokens map[string]struct{}) bool {
	if len(newTokens) == 0 {
		return true
	}
	for id := range newTokens {
		el, ok := def.Element(id)
		if !ok || el.Kind != KindEndEvent {
			return false
		}
	}
	return true
}
