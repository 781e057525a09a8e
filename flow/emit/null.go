package emit

import "context"

// NullEmitter discards every event. It is the default when a caller does
// not configure an Emitter, so executor code never needs a nil check.
type NullEmitter struct{}

func (NullEmitter) Emit(Event) {}

func (NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

func (NullEmitter) Flush(context.Context) error { return nil }
