// Package runtime is the embeddable façade applications call: Deploy a
// process definition, Start and Step instances, Query their state, and
// Simulate a definition without touching handlers or stores.
package runtime

import (
	"time"

	"github.com/peterwidmer/ProtonFlow/flow/emit"
)

// Option configures a Runtime at construction. Functional options keep
// New's signature stable as configuration knobs are added.
//
// Example:
//
//	rt, err := runtime.New(
//	    processes, instances, jobs,
//	    runtime.WithLease(45*time.Second),
//	    runtime.WithStepTimeout(5*time.Second),
//	)
type Option func(*runtimeConfig) error

type runtimeConfig struct {
	lease          time.Duration
	stepTimeout    time.Duration
	clock          func() time.Time
	emitter        emit.Emitter
	handlerTimeout time.Duration
	metrics        *emit.PrometheusMetrics
}

func defaultConfig() runtimeConfig {
	return runtimeConfig{
		lease:   30 * time.Second,
		clock:   time.Now,
		emitter: emit.NullEmitter{},
	}
}

// WithLease sets the durable job lease duration a Worker claims jobs
// with. Default 30s.
func WithLease(d time.Duration) Option {
	return func(cfg *runtimeConfig) error {
		cfg.lease = d
		return nil
	}
}

// WithClock overrides the time source used for StepExecutionRecord
// timestamps, primarily for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(cfg *runtimeConfig) error {
		cfg.clock = clock
		return nil
	}
}

// WithEmitter sets the observability sink. Default is a no-op emitter;
// pass emit.NewMulti(...) to fan out to several backends.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *runtimeConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithHandlerTimeout bounds a single service-task handler invocation.
// Zero (the default) means unlimited.
func WithHandlerTimeout(d time.Duration) Option {
	return func(cfg *runtimeConfig) error {
		cfg.handlerTimeout = d
		return nil
	}
}

// WithStepTimeout bounds an entire Step call, including every handler it
// invokes. Zero (the default) means unlimited.
func WithStepTimeout(d time.Duration) Option {
	return func(cfg *runtimeConfig) error {
		cfg.stepTimeout = d
		return nil
	}
}

// WithMetrics attaches a Prometheus collector. The Runtime drives its
// event-derived counters off every emitted Event alongside the configured
// Emitter, records Step latency directly, and a Worker built by
// NewWorker samples job-queue depth on every tick.
func WithMetrics(m *emit.PrometheusMetrics) Option {
	return func(cfg *runtimeConfig) error {
		cfg.metrics = m
		return nil
	}
}

// metricsEmitter fans an Event out to the configured Emitter and a
// PrometheusMetrics collector. EmitBatch and Flush only reach the
// Emitter since PrometheusMetrics has no batching or flush semantics.
type metricsEmitter struct {
	emit.Emitter
	metrics *emit.PrometheusMetrics
}

func (m metricsEmitter) Emit(event emit.Event) {
	m.Emitter.Emit(event)
	m.metrics.Observe(event)
}
