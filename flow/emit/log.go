package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter implements Emitter by writing structured log output to a
// writer. Supports a human-readable text mode and a JSONL mode.
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. If writer is nil, os.Stdout is used.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		InstanceID string         `json:"instanceID"`
		ElementID  string         `json:"elementID,omitempty"`
		Msg        string         `json:"msg"`
		Meta       map[string]any `json:"meta,omitempty"`
	}{
		InstanceID: event.InstanceID,
		ElementID:  event.ElementID,
		Msg:        event.Msg,
		Meta:       event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] instance=%s", event.Msg, event.InstanceID)
	if event.ElementID != "" {
		_, _ = fmt.Fprintf(l.writer, " element=%s", event.ElementID)
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes each event in order. LogEmitter has no internal
// buffering so this is equivalent to calling Emit in a loop, kept as a
// distinct method to satisfy Emitter and to give callers a single place
// to add batching later without changing call sites.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		l.Emit(e)
	}
	return nil
}

// Flush is a no-op: writes go directly to the underlying io.Writer.
func (l *LogEmitter) Flush(_ context.Context) error {
	return nil
}
