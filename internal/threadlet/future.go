package threadlet

import (
	"context"
	"sync"
)

// Future is a one-shot result cell: fulfilled exactly once, observable
// any number of times afterward. It is the Go stand-in for the
// "manual promise with external fulfillment" pattern re-architected per
// the design notes: a channel-backed one-shot instead of a hand-rolled
// promise object.
type Future[R any] struct {
	once sync.Once
	done chan struct{}
	val  R
	err  error
}

func newFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

// NewFuture constructs a standalone one-shot future. Exported so other
// packages (the bucket worker, in particular) can hand waiters a
// completion handle without reimplementing one-shot settlement.
func NewFuture[R any]() *Future[R] {
	return newFuture[R]()
}

// fulfill settles the future. Only the first call has any effect; later
// calls are no-ops, matching "single fulfillment" (spec invariant: every
// waiter's completion is fulfilled exactly once).
func (f *Future[R]) fulfill(val R, err error) {
	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.done)
	})
}

// Fulfill settles the future. Only the first call has any effect.
func (f *Future[R]) Fulfill(val R, err error) {
	f.fulfill(val, err)
}

// Settled reports whether the future has already been fulfilled, without
// blocking.
func (f *Future[R]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx is done, whichever comes
// first.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Done exposes the settlement channel directly, for callers composing
// their own select statements (e.g. the bucket worker racing a waiter's
// own future against other events).
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

// Value returns the settled value and error without blocking. Callers
// must only call this after observing Done() closed or Settled() true.
func (f *Future[R]) Value() (R, error) {
	return f.val, f.err
}
