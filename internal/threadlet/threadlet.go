// Package threadlet implements the single-worker cooperative task
// primitive the bucket package services its waiter queue with: an
// optional start phase followed by a main body, an externally
// observable stop-requested signal, and an idempotent start/stop
// contract. It is dense by design — this is the one piece of the
// repository explicitly called out as educational systems code in its
// own right, so it is commented at the density of minis/25-atomic-counters-vs-mutex
// and minis/20-select-fanin-fanout rather than the lighter touch used
// elsewhere.
package threadlet

import (
	"context"
	"sync"
)

// state is the Threadlet's lifecycle position. The zero value is Idle.
type state int32

const (
	stateIdle state = iota
	stateStarting
	stateRunning
	stateStopping
)

// StartFunc runs once, before Main, and may fail. Its error preempts
// Main: Main never runs if StartFunc returns an error.
type StartFunc[S any] func(ctx context.Context) (S, error)

// MainFunc is the worker body. rt exposes the stop-requested signal and
// the race-with-stop primitive; s is whatever StartFunc produced.
type MainFunc[S, R any] func(rt *Runtime, s S) (R, error)

// Threadlet runs StartFunc then MainFunc as a single cooperative
// goroutine, exposing Run/Start/Stop/IsRunning/WhenStarted per the
// contract: idempotent across concurrent callers, asynchronous with
// respect to the calling goroutine, and never silently dropping a main
// failure that nobody observes.
type Threadlet[S, R any] struct {
	startFn StartFunc[S]
	mainFn  MainFunc[S, R]

	// onUnhandledError is invoked with every Main failure, independent
	// of whether a caller ever Waits on the run future. Go has no
	// promise-rejection tracking, so "surface unobserved failures"
	// is realized as "always report failures" — logging is cheap and
	// never silently drops an error, satisfying the spec's intent
	// without needing to instrument every Future.Wait call site.
	onUnhandledError func(error)

	mu       sync.Mutex
	st       state
	cancel   context.CancelFunc
	runFut   *Future[R]
	startFut *Future[S]
}

// New constructs an idle Threadlet. onUnhandledError may be nil, in
// which case Main failures are reported nowhere but the returned future.
// The bucket package passes nil: its worker body never returns an error.
func New[S, R any](start StartFunc[S], main MainFunc[S, R], onUnhandledError func(error)) *Threadlet[S, R] {
	return &Threadlet[S, R]{
		startFn:          start,
		mainFn:           main,
		onUnhandledError: onUnhandledError,
		runFut:           newFuture[R](),
		startFut:         newFuture[S](),
	}
}

// IsRunning reports whether the Threadlet is anywhere but Idle.
func (t *Threadlet[S, R]) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st != stateIdle
}

// Run starts the Threadlet if it is Idle and returns a future for the
// eventual outcome. If already running, returns the in-flight run's
// future — concurrent callers all observe the same outcome.
func (t *Threadlet[S, R]) Run() *Future[R] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked()
	return t.runFut
}

// Start starts the Threadlet if Idle and returns a future that settles
// once StartFunc has completed (ignoring Main's eventual outcome).
func (t *Threadlet[S, R]) Start() *Future[S] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked()
	return t.startFut
}

// WhenStarted returns the future StartFunc settles, whether or not a
// run has been requested yet.
func (t *Threadlet[S, R]) WhenStarted() *Future[S] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startFut
}

// Stop requests that a running Threadlet stop and returns the same
// future Run would. If the Threadlet is Idle, resolves immediately with
// a neutral (zero-value, nil-error) result — there is nothing to stop.
func (t *Threadlet[S, R]) Stop() *Future[R] {
	t.mu.Lock()
	if t.st == stateIdle {
		t.mu.Unlock()
		f := newFuture[R]()
		var zero R
		f.fulfill(zero, nil)
		return f
	}
	if t.st == stateRunning || t.st == stateStarting {
		t.st = stateStopping
	}
	if t.cancel != nil {
		t.cancel()
	}
	fut := t.runFut
	t.mu.Unlock()
	return fut
}

// startLocked transitions Idle -> Starting and spawns the worker
// goroutine. Caller must hold t.mu. A no-op if not currently Idle.
func (t *Threadlet[S, R]) startLocked() {
	if t.st != stateIdle {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.st = stateStarting
	t.runFut = newFuture[R]()
	t.startFut = newFuture[S]()

	runFut, startFut := t.runFut, t.startFut
	go t.body(ctx, runFut, startFut)
}

// body is the goroutine backing every run. It never executes in the
// caller's stack frame of Run/Start — it is always a fresh goroutine,
// per the "starting is always asynchronous" contract.
func (t *Threadlet[S, R]) body(ctx context.Context, runFut *Future[R], startFut *Future[S]) {
	var s S
	var err error
	if t.startFn != nil {
		s, err = t.startFn(ctx)
	}

	if err != nil {
		t.finish(runFut)
		startFut.fulfill(s, err)
		var zero R
		runFut.fulfill(zero, err)
		return
	}

	t.mu.Lock()
	if t.st == stateStarting {
		t.st = stateRunning
	}
	t.mu.Unlock()
	startFut.fulfill(s, nil)

	rt := &Runtime{ctx: ctx}
	result, mainErr := t.mainFn(rt, s)

	t.finish(runFut)
	runFut.fulfill(result, mainErr)

	if mainErr != nil && t.onUnhandledError != nil {
		t.onUnhandledError(mainErr)
	}
}

// finish moves the Threadlet back to Idle, dropping the cancel func so
// a subsequent Stop() on an idle Threadlet takes the neutral path.
func (t *Threadlet[S, R]) finish(runFut *Future[R]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runFut == runFut {
		t.st = stateIdle
		t.cancel = nil
	}
}
