package emit

import "context"

// Multi fans a single event stream out to several Emitters, letting a
// caller combine e.g. a LogEmitter with an OTelEmitter. Order matches the
// order Emitters were given.
type Multi struct {
	emitters []Emitter
}

// NewMulti returns an Emitter that forwards every call to each of
// emitters in order.
func NewMulti(emitters ...Emitter) *Multi {
	return &Multi{emitters: emitters}
}

func (m *Multi) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

func (m *Multi) EmitBatch(ctx context.Context, events []Event) error {
	for _, e := range m.emitters {
		if err := e.EmitBatch(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multi) Flush(ctx context.Context) error {
	for _, e := range m.emitters {
		if err := e.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}
