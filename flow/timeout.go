package flow

import (
	"context"
	"fmt"
	"time"
)

// runHandlerWithTimeout wraps a service-task handler invocation with an
// optional timeout: an explicit positive duration bounds execution; zero
// means unlimited. A timeout surfaces to the caller as an error wrapping
// ErrHandlerTimeout, which runTask detects via errors.Is to classify the
// failure as CodeHandlerTimeout rather than CodeHandlerFailure.
func runHandlerWithTimeout(ctx context.Context, handler TaskHandler, tc TaskContext, timeout time.Duration) error {
	if timeout <= 0 {
		return handler(ctx, tc)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := handler(timeoutCtx, tc)
	if timeoutCtx.Err() == context.DeadlineExceeded {
		if err == nil {
			return fmt.Errorf("%w: exceeded %v", ErrHandlerTimeout, timeout)
		}
		return fmt.Errorf("%w: exceeded %v: %w", ErrHandlerTimeout, timeout, err)
	}
	return err
}
