package flow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunHandlerWithTimeoutZeroMeansUnlimited(t *testing.T) {
	called := false
	handler := func(ctx context.Context, tc TaskContext) error {
		called = true
		return nil
	}
	if err := runHandlerWithTimeout(context.Background(), handler, TaskContext{}, 0); err != nil {
		t.Fatalf("runHandlerWithTimeout: %v", err)
	}
	if !called {
		t.Error("expected handler to run")
	}
}

func TestRunHandlerWithTimeoutPropagatesHandlerError(t *testing.T) {
	boom := errors.New("boom")
	handler := func(ctx context.Context, tc TaskContext) error {
		return boom
	}
	err := runHandlerWithTimeout(context.Background(), handler, TaskContext{}, time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("expected the handler's own error, got %v", err)
	}
}

func TestRunHandlerWithTimeoutExceeded(t *testing.T) {
	handler := func(ctx context.Context, tc TaskContext) error {
		<-ctx.Done()
		return nil
	}
	err := runHandlerWithTimeout(context.Background(), handler, TaskContext{}, 10*time.Millisecond)
	if !errors.Is(err, ErrHandlerTimeout) {
		t.Fatalf("expected an error wrapping ErrHandlerTimeout, got %v", err)
	}
}

func TestRunHandlerWithTimeoutFastHandlerSucceeds(t *testing.T) {
	handler := func(ctx context.Context, tc TaskContext) error {
		return nil
	}
	err := runHandlerWithTimeout(context.Background(), handler, TaskContext{}, time.Second)
	if err != nil {
		t.Fatalf("expected no error for a handler that finishes well within the timeout, got %v", err)
	}
}
