package flow

// Status is the terminal/non-terminal classification of a ProcessInstance.
type Status string

const (
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusCancelled Status = "Cancelled"
	StatusFailed    Status = "Failed"
)

// Instance is a mutable per-run bag of variables, active-token set, and
// parallel-join arrival counters. It is the only object a single Step
// mutates; everything else (definitions) is read-only during execution.
type Instance struct {
	ID                  string
	ProcessDefinitionID string
	ProcessKey          string
	Variables           map[string]any
	ActiveTokens        map[string]struct{}
	ParallelJoinWaits   map[string]int
	IsCompleted         bool
	SimulationMode      bool
	Status              Status
	ConcurrencyToken    string
	// RecordSeq is the last sequence number NextRecordSeq handed out (zero
	// before the first); it only advances, never resets, so StepExecutionRecords stay
	// ordered and unique per instance across however many Step calls it
	// takes to drain.
	RecordSeq int
}

// NextRecordSeq returns the next StepExecutionRecord sequence number for
// this instance and advances the counter.
func (inst *Instance) NextRecordSeq() int {
	inst.RecordSeq++
	return inst.RecordSeq
}

// NewInstance constructs an Instance with copied initial variables and one
// token on every start-event id. Callers normally reach this through
// Executor.Start rather than calling it directly.
func NewInstance(id string, def *ProcessDefinition, initialVariables map[string]any) *Instance {
	vars := make(map[string]any, len(initialVariables))
	for k, v := range initialVariables {
		vars[k] = v
	}

	tokens := make(map[string]struct{})
	for id, el := range def.Elements {
		if el.Kind == KindStartEvent {
			tokens[id] = struct{}{}
		}
	}

	return &Instance{
		ID:                  id,
		ProcessDefinitionID: def.ID,
		ProcessKey:          def.Key,
		Variables:           vars,
		ActiveTokens:        tokens,
		ParallelJoinWaits:   make(map[string]int),
		Status:              StatusRunning,
	}
}

// ActiveTokenIDs returns a deterministically ordered snapshot of the
// instance's active token ids. Step takes this snapshot before mutating
// the live set, since the set being modified must not be observed mid-
// iteration.
func (inst *Instance) ActiveTokenIDs() []string {
	ids := make([]string, 0, len(inst.ActiveTokens))
	for id := range inst.ActiveTokens {
		ids = append(ids, id)
	}
	sortStrings(ids)
	return ids
}

// sortStrings is a tiny insertion sort to avoid importing sort for a
// handful of element ids per step; a stable, deterministic ordering
// across runs is what matters, not any particular order relative to
// document structure.
func sortStrings(ids []string) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// Int reads a variable as an int64, returning ok=false (never a panic or
// error) on absence or type mismatch.
func (inst *Instance) Int(name string) (int64, bool) {
	switch v := inst.Variables[name].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Float reads a variable as a float64, returning ok=false on absence or
// type mismatch.
func (inst *Instance) Float(name string) (float64, bool) {
	switch v := inst.Variables[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// String reads a variable as a string, returning ok=false on absence or
// type mismatch.
func (inst *Instance) String(name string) (string, bool) {
	v, ok := inst.Variables[name].(string)
	return v, ok
}

// Bool reads a variable as a bool, returning ok=false on absence or type
// mismatch.
func (inst *Instance) Bool(name string) (bool, bool) {
	v, ok := inst.Variables[name].(bool)
	return v, ok
}

// Clone returns a deep-enough copy of the instance for stores that must
// not hand out aliases into their own internal state (the in-memory
// reference implementations use this on both read and write).
func (inst *Instance) Clone() *Instance {
	out := &Instance{
		ID:                  inst.ID,
		ProcessDefinitionID: inst.ProcessDefinitionID,
		ProcessKey:          inst.ProcessKey,
		IsCompleted:         inst.IsCompleted,
		SimulationMode:      inst.SimulationMode,
		Status:              inst.Status,
		ConcurrencyToken:    inst.ConcurrencyToken,
		RecordSeq:           inst.RecordSeq,
		Variables:           make(map[string]any, len(inst.Variables)),
		ActiveTokens:        make(map[string]struct{}, len(inst.ActiveTokens)),
		ParallelJoinWaits:   make(map[string]int, len(inst.ParallelJoinWaits)),
	}
	for k, v := range inst.Variables {
		out.Variables[k] = v
	}
	for k := range inst.ActiveTokens {
		out.ActiveTokens[k] = struct{}{}
	}
	for k, v := range inst.ParallelJoinWaits {
		out.ParallelJoinWaits[k] = v
	}
	return out
}
