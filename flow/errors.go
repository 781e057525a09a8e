package flow

import "errors"

// ErrConcurrencyConflict is returned by stores when a write loses a race:
// the row's concurrency token changed since the caller last read it.
// Recoverable — callers may re-read and retry.
var ErrConcurrencyConflict = errors.New("flow: concurrency conflict")

// ErrCancelled is returned when a Step is aborted cooperatively via the
// caller's context. No partial state is persisted.
var ErrCancelled = errors.New("flow: operation cancelled")

// ErrHandlerTimeout is wrapped into the error runHandlerWithTimeout
// returns when a handler is still running once its deadline elapses.
// runTask checks for it with errors.Is to set FlowError.Code to
// CodeHandlerTimeout rather than CodeHandlerFailure.
var ErrHandlerTimeout = errors.New("flow: handler exceeded timeout")

// FlowError is a structured error carrying the element and instance a
// failure relates to, for the taxonomy entries that need more than a
// sentinel: DefinitionNotFound, InstanceNotFound, HandlerFailure.
type FlowError struct {
	// Op names the operation that failed, e.g. "Step", "Start".
	Op string
	// Code is a machine-readable classification, e.g.
	// "DEFINITION_NOT_FOUND", "INSTANCE_NOT_FOUND", "HANDLER_FAILURE",
	// "HANDLER_TIMEOUT".
	Code string
	// ElementID is the element being processed when the error occurred,
	// empty when not applicable.
	ElementID string
	// InstanceID is the instance being stepped, empty when not
	// applicable (e.g. during Start before an instance exists).
	InstanceID string
	// Cause is the underlying error, if any (e.g. a handler's error).
	Cause error
}

func (e *FlowError) Error() string {
	msg := e.Op + ": " + e.Code
	if e.ElementID != "" {
		msg += " element=" + e.ElementID
	}
	if e.InstanceID != "" {
		msg += " instance=" + e.InstanceID
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Error codes used in FlowError.Code.
const (
	CodeDefinitionNotFound = "DEFINITION_NOT_FOUND"
	CodeInstanceNotFound   = "INSTANCE_NOT_FOUND"
	CodeHandlerFailure     = "HANDLER_FAILURE"
	CodeHandlerTimeout     = "HANDLER_TIMEOUT"
	CodeAlreadyCompleted   = "ALREADY_COMPLETED"
)
