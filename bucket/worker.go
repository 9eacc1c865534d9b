package bucket

import (
	"context"
	"math"

	"github.com/go-edu/flowgate/clock"
	"github.com/go-edu/flowgate/internal/threadlet"
)

// waiter is one queued RequestGrant call, owned by the bucket's mutex
// the same way every other piece of bucket state is. grant is already
// clamped to max_queue_grant_size and max_inclusive at enqueue time
// (spec §4.6 step 4) — the worker either hands out exactly this much or
// nothing at all, never a range.
type waiter struct {
	grant      float64
	enqueuedAt clock.Moment
	result     *threadlet.Future[GrantResult]
	canceled   bool
}

// computeGrant is spec §4.4's compute_grant: deny outright if even the
// minimum can't be covered, otherwise grant as much as was asked for, up
// to what's available. A min of zero always succeeds, possibly with a
// grant of zero — that's a legitimate outcome, not a denial.
func computeGrant(available, min, max float64) (grant float64, ok bool) {
	if available < min {
		return 0, false
	}
	return math.Min(available, max), true
}

// startWorker is the Threadlet's StartFunc. The bucket worker has no
// setup phase of its own.
func (tb *TokenBucket) startWorker(ctx context.Context) (struct{}, error) {
	return struct{}{}, nil
}

// runWorker is the Threadlet's MainFunc: spec §4.7's worker loop. It
// tops up the accumulator, serves the queue's front waiter whenever the
// accumulator covers that waiter's full queued grant, and otherwise
// sleeps until either that
// much time has passed, the bucket's state changed underneath it, or a
// stop was requested.
func (tb *TokenBucket) runWorker(rt *threadlet.Runtime, _ struct{}) (struct{}, error) {
	for {
		if rt.ShouldStop() {
			return struct{}{}, nil
		}

		tb.mu.Lock()
		now := tb.cfg.Clock.Now()
		tb.topUpLocked(now)

		front, hasFront := tb.waiters.Front()
		if !hasFront {
			tb.mu.Unlock()
			select {
			case <-rt.WhenStopRequested():
				return struct{}{}, nil
			case <-tb.wake:
				continue
			}
		}

		if front.canceled {
			tb.waiters.PopFront()
			tb.mu.Unlock()
			continue
		}

		// spec §4.7: compute_grant(available, w.grant, w.grant) — the
		// queued grant is exact, not a range. Either the front waiter
		// gets all of it or it waits for more to accrue.
		grant, ok := computeGrant(tb.available, front.grant, front.grant)
		if ok {
			tb.waiters.PopFront()
			tb.available -= grant
			tb.queueUsed -= front.grant
			if tb.queueUsed < 0 {
				tb.queueUsed = 0
			}
			waitTime := now.Sub(front.enqueuedAt)
			depth := tb.waiters.Len()
			tb.mu.Unlock()

			tb.cfg.Recorder.ObserveGrant(ReasonGrant, waitTime)
			tb.cfg.Recorder.SetQueueDepth(depth)
			front.result.Fulfill(GrantResult{Done: true, Grant: grant, Reason: ReasonGrant, WaitTime: waitTime}, nil)
			continue
		}

		deficit := front.grant - tb.available
		target := now.Add(clock.Duration(deficit / tb.cfg.FlowRate))
		tb.mu.Unlock()

		tb.waitForTopUpOrWake(rt, target)
	}
}

// waitForTopUpOrWake blocks until target is reached, the bucket's state
// changes (a new waiter, a cancellation, a DenyAll), or the Threadlet is
// asked to stop — whichever comes first. It always returns promptly:
// the clock wait runs against a context derived from rt's own, so losing
// the race to a wake signal cancels the clock wait rather than leaking
// it until target.
func (tb *TokenBucket) waitForTopUpOrWake(rt *threadlet.Runtime, target clock.Moment) {
	waitCtx, cancelWait := context.WithCancel(rt.Context())
	defer cancelWait()

	done := make(chan error, 1)
	go func() { done <- tb.cfg.Clock.WaitUntil(waitCtx, target) }()

	select {
	case <-done:
	case <-tb.wake:
		cancelWait()
		<-done
	}
}
