// Package emit provides event emission and observability for process
// execution: structured logging, OpenTelemetry tracing, and Prometheus
// metrics, all driven by the same Event stream.
package emit

// Event represents an observability event emitted during process or job
// execution.
type Event struct {
	// InstanceID identifies the process instance this event relates to.
	// Empty for job-store-level events not tied to a specific instance.
	InstanceID string

	// ElementID identifies the element involved, empty when not
	// applicable (e.g. instance-level events).
	ElementID string

	// Msg is a short machine-stable name for the event, e.g.
	// "instance_started", "token_consumed", "gateway_forked",
	// "gateway_joined", "handler_invoked", "handler_failed",
	// "instance_completed", "job_claimed", "job_completed",
	// "job_lease_expired".
	Msg string

	// Meta holds additional structured fields specific to Msg.
	Meta map[string]any
}
