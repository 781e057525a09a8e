package flow

import "time"

// StepExecutionRecord is an append-only history entry for a single
// token-element visit, used for later analytics. ProcessKey is
// denormalized from the definition for grouping without a join.
type StepExecutionRecord struct {
	InstanceID          string
	ProcessDefinitionID string
	ProcessKey          string
	ElementID           string
	ElementType         string
	// Sequence is monotonically increasing and unique per instance.
	Sequence  int
	StartUtc  time.Time
	EndUtc    *time.Time
	// DurationMs is end-start when both are known, nil otherwise.
	DurationMs *int64
	Status     string
	Error      string
}

// Finish fills in EndUtc and DurationMs from the given completion time,
// and sets Status/Error, leaving the record ready to append.
func (r *StepExecutionRecord) Finish(end time.Time, status string, errText string) {
	r.EndUtc = &end
	d := end.Sub(r.StartUtc).Milliseconds()
	r.DurationMs = &d
	r.Status = status
	r.Error = errText
}

// RecordStore persists StepExecutionRecords. It is optional: the executor
// only appends to one when Executor.Records is configured.
type RecordStore interface {
	Append(record StepExecutionRecord) error
	ListByInstance(instanceID string) ([]StepExecutionRecord, error)
}
