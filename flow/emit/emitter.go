package emit

import "context"

// Emitter receives observability events from process and job execution.
// Implementations must be non-blocking relative to execution and safe for
// concurrent use, since multiple instances step concurrently across
// workers.
type Emitter interface {
	// Emit sends a single event. It must not panic; backends that can
	// fail should log internally rather than propagate an error.
	Emit(event Event)

	// EmitBatch sends multiple events in one call, preserving order.
	// Returns an error only on catastrophic/configuration failures.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until any buffered events are delivered, or the
	// context is done. Safe to call multiple times.
	Flush(ctx context.Context) error
}
