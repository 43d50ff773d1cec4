// Package bridge runs blocking operations on worker goroutines and delivers
// their results back on the single-threaded host loop.
//
// Every accepted submission completes exactly once: its callback runs on the
// Loop with either a result or an error, never both and never twice.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chainbridge/observability"
)

// Callback receives the outcome of a request on the host loop.
type Callback[T any] func(result T, err error)

// Request is the per-call state an operation fills in. It belongs to the
// worker while the operation runs and to the host loop afterwards.
type Request[T any] struct {
	ctx    context.Context
	task   string
	result T
	err    error
}

// Context carries the request's trace span.
func (r *Request[T]) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Resolve stores the result, replacing any earlier failure.
func (r *Request[T]) Resolve(v T) {
	r.result = v
	r.err = nil
}

// Fail records an error message; the callback receives a *TaskError and the
// zero result.
func (r *Request[T]) Fail(format string, args ...any) {
	var zero T
	r.result = zero
	r.err = &TaskError{Task: r.task, Msg: fmt.Sprintf(format, args...)}
}

// FailErr records err as the failure cause.
func (r *Request[T]) FailErr(err error) {
	var zero T
	r.result = zero
	r.err = &TaskError{Task: r.task, Msg: err.Error(), Err: err}
}

// Failed reports whether a failure has been recorded.
func (r *Request[T]) Failed() bool {
	return r.err != nil
}

// token binds a callback to a single invocation.
type token[T any] struct {
	used atomic.Bool
	cb   Callback[T]
}

func (t *token[T]) fire(v T, err error) {
	if !t.used.CompareAndSwap(false, true) {
		panic(ErrTokenReused)
	}
	if t.cb != nil {
		t.cb(v, err)
	}
}

// Bridge couples a worker pool to a host Loop.
type Bridge struct {
	loop    *Loop
	pool    *workerPool
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.BridgeMetrics

	admitMu sync.RWMutex
	admit   func() error
}

// Option configures a Bridge.
type Option func(*bridgeConfig)

type bridgeConfig struct {
	workers int
	logger  *slog.Logger
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(c *bridgeConfig) { c.workers = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *bridgeConfig) { c.logger = logger }
}

// New starts the worker pool for loop.
func New(loop *Loop, opts ...Option) *Bridge {
	cfg := bridgeConfig{workers: DefaultWorkers, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	metrics := observability.Bridge()
	return &Bridge{
		loop:    loop,
		pool:    newWorkerPool(cfg.workers, metrics),
		logger:  cfg.logger.With("component", "bridge"),
		tracer:  otel.Tracer("chainbridge/bridge"),
		metrics: metrics,
	}
}

// Loop returns the host loop completions are delivered on.
func (b *Bridge) Loop() *Loop {
	return b.loop
}

// SetAdmission installs a check run for every non-exempt submission. A non-nil
// error rejects the submission synchronously.
func (b *Bridge) SetAdmission(fn func() error) {
	b.admitMu.Lock()
	b.admit = fn
	b.admitMu.Unlock()
}

func (b *Bridge) admitted() error {
	b.admitMu.RLock()
	fn := b.admit
	b.admitMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

// Close stops accepting work and waits for queued and running operations.
// Operations that never return, such as an unbounded readiness wait, make
// Close return ctx.Err().
func (b *Bridge) Close(ctx context.Context) error {
	return b.pool.close(ctx)
}

// SubmitOption adjusts a single submission.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	exempt bool
}

// Exempt bypasses the admission check. Shutdown sequencing uses it so that
// Stop can run after new work is refused.
func Exempt() SubmitOption {
	return func(c *submitConfig) { c.exempt = true }
}

// Submit runs op on a worker and delivers the outcome to done on the host
// loop. A rejected submission returns an error and done is never called.
func Submit[T any](b *Bridge, name string, op func(*Request[T]), done Callback[T], opts ...SubmitOption) error {
	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.exempt {
		if err := b.admitted(); err != nil {
			b.metrics.RecordReject(name)
			return err
		}
	}

	tok := &token[T]{cb: done}
	req := &Request[T]{task: name}
	task := func() {
		ctx, span := b.tracer.Start(context.Background(), name)
		req.ctx = ctx
		start := time.Now()
		execute(req, op)
		b.metrics.RecordRun(name, time.Since(start))
		if req.err != nil {
			span.RecordError(req.err)
			span.SetStatus(codes.Error, req.err.Error())
		}
		span.SetAttributes(attribute.Bool("bridge.failed", req.err != nil))
		span.End()

		result, err := req.result, req.err
		delivered := b.loop.Post(func() {
			b.metrics.RecordComplete(name, err)
			tok.fire(result, err)
		})
		if !delivered {
			b.logger.Warn("host loop stopped, completion dropped", "task", name)
		}
	}
	if err := b.pool.submit(task); err != nil {
		b.metrics.RecordReject(name)
		return err
	}
	b.metrics.RecordSubmit(name)
	return nil
}

// Post delivers v to done on the host loop without using a worker.
func Post[T any](b *Bridge, name string, v T, done Callback[T]) error {
	tok := &token[T]{cb: done}
	if !b.loop.Post(func() {
		b.metrics.RecordComplete(name, nil)
		tok.fire(v, nil)
	}) {
		return ErrClosed
	}
	return nil
}

// execute runs op, turning a panic into a failure of req.
func execute[T any](req *Request[T], op func(*Request[T])) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			req.result = zero
			req.err = &TaskError{Task: req.task, Msg: fmt.Sprintf("%s: panic: %v", req.task, r)}
		}
	}()
	op(req)
}
