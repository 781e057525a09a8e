package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterTextMode(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)

	e.Emit(Event{InstanceID: "inst-1", ElementID: "task1", Msg: "handler_invoked", Meta: map[string]any{"attempt": 2}})

	out := buf.String()
	if !strings.Contains(out, "[handler_invoked]") {
		t.Errorf("expected message name in output, got %q", out)
	}
	if !strings.Contains(out, "instance=inst-1") {
		t.Errorf("expected instance id in output, got %q", out)
	}
	if !strings.Contains(out, "element=task1") {
		t.Errorf("expected element id in output, got %q", out)
	}
	if !strings.Contains(out, `"attempt":2`) {
		t.Errorf("expected meta rendered as JSON, got %q", out)
	}
}

func TestLogEmitterTextModeOmitsEmptyElementAndMeta(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)

	e.Emit(Event{InstanceID: "inst-1", Msg: "instance_started"})

	out := buf.String()
	if strings.Contains(out, "element=") {
		t.Errorf("expected no element= when ElementID is empty, got %q", out)
	}
	if strings.Contains(out, "meta=") {
		t.Errorf("expected no meta= when Meta is empty, got %q", out)
	}
}

func TestLogEmitterJSONMode(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)

	e.Emit(Event{InstanceID: "inst-1", ElementID: "gw", Msg: "gateway_branch_selected", Meta: map[string]any{"flow": "f1"}})

	var decoded struct {
		InstanceID string         `json:"instanceID"`
		ElementID  string         `json:"elementID"`
		Msg        string         `json:"msg"`
		Meta       map[string]any `json:"meta"`
	}
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, line)
	}
	if decoded.InstanceID != "inst-1" || decoded.ElementID != "gw" || decoded.Msg != "gateway_branch_selected" {
		t.Errorf("decoded fields mismatch: %+v", decoded)
	}
	if decoded.Meta["flow"] != "f1" {
		t.Errorf("expected meta.flow = f1, got %v", decoded.Meta["flow"])
	}
}

func TestLogEmitterDefaultsToStdoutWhenWriterNil(t *testing.T) {
	e := NewLogEmitter(nil, false)
	if e.writer == nil {
		t.Fatal("expected a non-nil default writer")
	}
}

func TestLogEmitterEmitBatchPreservesOrder(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)

	events := []Event{
		{InstanceID: "i1", Msg: "a"},
		{InstanceID: "i1", Msg: "b"},
	}
	if err := e.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"msg":"a"`) || !strings.Contains(lines[1], `"msg":"b"`) {
		t.Errorf("expected events in call order, got %v", lines)
	}
}

func TestLogEmitterFlushIsNoOp(t *testing.T) {
	e := NewLogEmitter(&bytes.Buffer{}, false)
	if err := e.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}
