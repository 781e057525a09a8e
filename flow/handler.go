package flow

import (
	"context"
	"strings"
	"sync"
)

// TaskContext exposes the live instance (read/write variables) and the
// current element id to a service-task handler. Handlers may mutate
// Instance.Variables but must never mutate ActiveTokens or
// ParallelJoinWaits — those are owned exclusively by the executor's
// commit phase.
type TaskContext struct {
	Instance  *Instance
	ElementID string
}

// TaskHandler implements a service task's "type" behavior. It receives
// the task context and a cancellation context, and returns an error if
// the task could not complete. Handler errors propagate to the Step
// caller as HandlerFailure; the instance is not mutated beyond whatever
// the handler itself wrote to Variables before failing.
type TaskHandler func(ctx context.Context, tc TaskContext) error

// HandlerRegistry holds TaskHandlers keyed case-insensitively by their
// declared "type" string. It is safe for concurrent registration and
// lookup, matching the executor's single-threaded-per-instance but
// multi-instance-concurrent scheduling model.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// NewHandlerRegistry returns an empty registry ready for Register calls.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]TaskHandler)}
}

// Register associates taskType with handler, case-insensitively. A later
// call with the same type (modulo case) replaces the earlier handler.
func (r *HandlerRegistry) Register(taskType string, handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(taskType)] = handler
}

// Lookup finds a handler by case-insensitive match on taskType. A missing
// handler is not an error at the call site — the caller proceeds without
// invoking anything.
func (r *HandlerRegistry) Lookup(taskType string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.ToLower(taskType)]
	return h, ok
}
