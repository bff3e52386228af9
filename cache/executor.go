package cache

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Executor runs a function, possibly asynchronously. Three distinct roles
// use this interface:
//
//   - the Main executor: where user-visible completions are delivered.
//   - the IO executor: a single serial FIFO worker owning the disk tier.
//   - the Transform executor: a bounded concurrent pool for decode/transform
//     work.
type Executor interface {
	// Run schedules fn. Implementations decide whether that means "now, on
	// this goroutine" (the synchronous test executor) or "later, on some
	// other goroutine" (the production executors).
	Run(fn func())
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Run(fn func()) { f(fn) }

// SyncExecutor runs fn immediately, in-line, on the calling goroutine. Tests
// use this for every executor role so that completions are deterministic
// and observable without a select/wait.
var SyncExecutor Executor = ExecutorFunc(func(fn func()) { fn() })

// GoExecutor runs fn on a fresh goroutine. Suitable as the production Main
// executor in a process with no cooperative event loop of its own (an HTTP
// server handler goroutine, an MCP tool handler, a CLI command): ordering
// between two completions posted from unrelated goroutines is not
// guaranteed.
var GoExecutor Executor = ExecutorFunc(func(fn func()) { go fn() })

// SerialExecutor is a single-worker FIFO queue: the IO executor role.
// Jobs submitted to the same SerialExecutor run strictly in submission
// order, on one goroutine — for any single key, every operation enqueued
// on the IO executor is strictly serialized against every other.
type SerialExecutor struct {
	jobs chan func()
	done chan struct{}
}

// NewSerialExecutor starts the worker goroutine and returns the executor.
// Close stops it; jobs submitted after Close are dropped.
func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{
		jobs: make(chan func(), 256),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *SerialExecutor) loop() {
	for {
		select {
		case fn, ok := <-e.jobs:
			if !ok {
				return
			}
			fn()
		case <-e.done:
			// Run whatever was already queued before stopping.
			for {
				select {
				case fn := <-e.jobs:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Run enqueues fn. The queue holds up to 256 pending jobs; while it is full,
// Run blocks until the worker takes one.
func (e *SerialExecutor) Run(fn func()) {
	select {
	case e.jobs <- fn:
	case <-e.done:
	}
}

// Close stops accepting new work. Already-queued jobs still run.
func (e *SerialExecutor) Close() {
	close(e.done)
}

// TransformExecutor is a bounded concurrent pool for decode/transform work,
// sized at GOMAXPROCS by default. It uses errgroup only for its internal
// fan-in of transform-delegate failures — those failures never propagate
// past the transform step (a failing transform is logged and treated as
// "no transform applied"), so Submit takes a function returning an error
// purely for that internal logging hook.
type TransformExecutor struct {
	sem chan struct{}
}

// NewTransformExecutor creates a pool with the given concurrency; 0 means
// GOMAXPROCS.
func NewTransformExecutor(concurrency int) *TransformExecutor {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	return &TransformExecutor{sem: make(chan struct{}, concurrency)}
}

// Submit runs fn on the pool once a slot is free, blocking the caller until
// either a slot opens or ctx is cancelled. onError, if non-nil, receives
// fn's error.
func (t *TransformExecutor) Submit(ctx context.Context, fn func(context.Context) error, onError func(error)) {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	go func() {
		defer func() { <-t.sem }()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return fn(gctx) })
		if err := g.Wait(); err != nil && onError != nil {
			onError(err)
		}
	}()
}
