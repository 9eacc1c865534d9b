package threadlet

import "context"

// Runtime is the view of a Threadlet visible from inside MainFunc: the
// stop-requested signal, and a primitive for racing in-flight work
// against that signal.
type Runtime struct {
	ctx context.Context
}

// ShouldStop reports whether the Threadlet owner has called Stop.
func (rt *Runtime) ShouldStop() bool {
	return rt.ctx.Err() != nil
}

// WhenStopRequested returns a channel that closes the moment Stop is
// called.
func (rt *Runtime) WhenStopRequested() <-chan struct{} {
	return rt.ctx.Done()
}

// Context returns the stop-aware context. Blocking operations that
// already accept a context.Context (clock.Source.WaitUntil, in
// particular) should be called with this context directly so
// cancellation on Stop is immediate rather than polled.
func (rt *Runtime) Context() context.Context {
	return rt.ctx
}

// RaceWithStop waits for either ch to deliver a value or Stop to be
// called, whichever happens first. It returns (value, false) on a ch
// delivery and (zero, true) if stop won the race — the
// "race its own work against the stop signal" primitive, for code that
// produces its result on a plain channel rather than accepting a
// context itself.
func RaceWithStop[T any](rt *Runtime, ch <-chan T) (value T, stopped bool) {
	select {
	case <-rt.ctx.Done():
		var zero T
		return zero, true
	case v := <-ch:
		return v, false
	}
}
