// Package bucket implements the hybrid leaky-bucket rate limiter: a
// token accumulator that grants bursts up to MaxBurstSize immediately
// and, when the accumulator can't cover a request, queues the caller
// FIFO behind a single background worker that drains the queue as
// tokens accrue. See internal/threadlet for the worker primitive and
// internal/waitq for the queue.
package bucket

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/go-edu/flowgate/clock"
	"github.com/go-edu/flowgate/internal/threadlet"
	"github.com/go-edu/flowgate/internal/waitq"
)

// TokenBucket is the rate limiter itself. Build one with New; the zero
// value is not usable (it has no worker running).
type TokenBucket struct {
	cfg Config

	mu        sync.Mutex
	available float64
	queueUsed float64
	waiters   waitq.Queue[*waiter]
	lastNow   clock.Moment
	denied    bool

	wake   chan struct{}
	worker *threadlet.Threadlet[struct{}, struct{}]
}

// New constructs a TokenBucket and starts its background worker. Callers
// own the returned bucket's lifetime and must call Close when done with
// it, or the worker goroutine leaks.
func New(cfg Config) (*TokenBucket, error) {
	if cfg.FlowRate <= 0 || math.IsInf(cfg.FlowRate, 0) || math.IsNaN(cfg.FlowRate) {
		return nil, fmt.Errorf("%w: flow_rate must be positive and finite", ErrInvalidConfig)
	}
	if cfg.MaxBurstSize <= 0 || math.IsInf(cfg.MaxBurstSize, 0) || math.IsNaN(cfg.MaxBurstSize) {
		return nil, fmt.Errorf("%w: max_burst_size must be positive and finite", ErrInvalidConfig)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}

	tb := &TokenBucket{
		cfg:       cfg,
		available: cfg.InitialBurstSize,
		lastNow:   cfg.Clock.Now(),
		wake:      make(chan struct{}, 1),
	}
	tb.worker = threadlet.New(tb.startWorker, tb.runWorker, nil)
	tb.worker.Run()
	return tb, nil
}

// Config returns the bucket's configuration.
func (tb *TokenBucket) Config() Config {
	return tb.cfg
}

// Close stops the background worker and waits for it to exit. Any
// waiter still queued is fulfilled with ReasonStopping first, the same
// as an explicit DenyAll.
func (tb *TokenBucket) Close() error {
	tb.DenyAll()
	_, err := tb.worker.Stop().Wait(context.Background())
	return err
}

// topUpLocked advances the accumulator to now. Callers must hold tb.mu.
func (tb *TokenBucket) topUpLocked(now clock.Moment) {
	elapsed := now.Sub(tb.lastNow)
	tb.available = math.Min(tb.cfg.MaxBurstSize, tb.available+float64(elapsed)*tb.cfg.FlowRate)
	tb.lastNow = now
}

// RequestGrant asks for a quantity of tokens, queueing behind any
// earlier waiters if the accumulator can't satisfy the request outright.
// It blocks until a grant settles, the bucket denies all further
// service, the queue has no room, or ctx is done.
func (tb *TokenBucket) RequestGrant(ctx context.Context, q Quantity) (GrantResult, error) {
	min, max, err := tb.cfg.normalize(q)
	if err != nil {
		return GrantResult{}, err
	}

	tb.mu.Lock()
	now := tb.cfg.Clock.Now()
	tb.topUpLocked(now)

	if tb.denied {
		tb.mu.Unlock()
		return GrantResult{Done: false, Reason: ReasonStopping}, nil
	}

	if tb.waiters.Len() == 0 {
		if grant, ok := computeGrant(tb.available, min, max); ok {
			tb.available -= grant
			tb.mu.Unlock()
			tb.cfg.Recorder.ObserveGrant(ReasonGrant, 0)
			return GrantResult{Done: true, Grant: grant, Reason: ReasonGrant, WaitTime: 0}, nil
		}
	}

	// spec §4.6 step 3: a zero minimum is always satisfiable with a
	// zero grant, even behind a non-empty queue — it never has to wait
	// its turn for tokens it isn't asking for.
	if min == 0 {
		tb.mu.Unlock()
		tb.cfg.Recorder.ObserveGrant(ReasonGrant, 0)
		return GrantResult{Done: true, Grant: 0, Reason: ReasonGrant, WaitTime: 0}, nil
	}

	// spec §4.6 step 4: the queued grant is pre-clamped to
	// max_queue_grant_size so no single waiter can starve the rest of
	// the queue. With max_queue_grant_size == 0 no request gets here:
	// normalize rejects any positive minimum, and a zero minimum
	// returned above.
	queuedGrant := math.Min(max, tb.cfg.MaxQueueGrantSize)
	if queuedGrant == 0 || tb.queueUsed+queuedGrant > tb.cfg.MaxQueueSize {
		tb.mu.Unlock()
		tb.cfg.Recorder.ObserveGrant(ReasonFull, 0)
		return GrantResult{Done: false, Reason: ReasonFull}, nil
	}

	w := &waiter{grant: queuedGrant, enqueuedAt: now, result: threadlet.NewFuture[GrantResult]()}
	tb.waiters.PushBack(w)
	tb.queueUsed += queuedGrant
	tb.cfg.Recorder.SetQueueDepth(tb.waiters.Len())
	tb.mu.Unlock()
	tb.signalWorker()

	res, err := w.result.Wait(ctx)
	if err != nil {
		tb.cancelWaiter(w)
		return GrantResult{}, err
	}
	return res, nil
}

// TakeNow tries to satisfy q immediately from the accumulator, without
// ever joining the queue. If it can't grant right now (or waiters are
// already queued), it reports a projected moment at which the request's
// max, clamped to MaxQueueGrantSize, would be covered, counting the
// queued waiters' grants ahead of it.
func (tb *TokenBucket) TakeNow(q Quantity) (TakeResult, error) {
	min, max, err := tb.cfg.normalize(q)
	if err != nil {
		return TakeResult{}, err
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := tb.cfg.Clock.Now()
	tb.topUpLocked(now)

	// spec §4.5 step 2: the synchronous fast path only applies to an
	// empty queue. A TakeNow caller must never cut in front of waiters
	// already queued via RequestGrant.
	queueEmpty := tb.waiters.Len() == 0
	if queueEmpty {
		if grant, ok := computeGrant(tb.available, min, max); ok {
			tb.available -= grant
			tb.cfg.Recorder.ObserveGrant(ReasonGrant, 0)
			return TakeResult{Done: true, Grant: grant, WaitUntil: now}, nil
		}
	}

	// spec §4.5 step 3: project an eligibility time instead, using the
	// same clamp the queue itself would apply to this request.
	waitedGrant := math.Min(max, tb.cfg.MaxQueueGrantSize)
	deficit := math.Max(0, waitedGrant-tb.available)
	waitUntil := now.Add(clock.Duration(deficit / tb.cfg.FlowRate))
	if !queueEmpty {
		waitUntil = waitUntil.Add(clock.Duration(tb.queueUsed / tb.cfg.FlowRate))
	}
	return TakeResult{Done: false, WaitUntil: waitUntil}, nil
}

// DenyAll permanently stops the bucket from servicing any further
// waiter: every currently queued caller is released with ReasonStopping,
// and every future RequestGrant call gets the same answer without ever
// joining the queue. TakeNow is unaffected by DenyAll — it never queues
// in the first place, so there is nothing for it to deny.
func (tb *TokenBucket) DenyAll() {
	tb.mu.Lock()
	if tb.denied {
		tb.mu.Unlock()
		return
	}
	tb.denied = true
	pending := make([]*waiter, 0, tb.waiters.Len())
	tb.waiters.Each(func(w *waiter) { pending = append(pending, w) })
	tb.waiters.Clear()
	tb.queueUsed = 0
	tb.cfg.Recorder.SetQueueDepth(0)
	tb.mu.Unlock()

	for _, w := range pending {
		w.result.Fulfill(GrantResult{Done: false, Reason: ReasonStopping}, nil)
	}
	tb.signalWorker()
}

// LatestState returns a cheap snapshot of the bucket as of its own last
// top-up, without forcing a fresh one.
func (tb *TokenBucket) LatestState() Snapshot {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return Snapshot{
		AvailableBurst: tb.available,
		AvailableQueue: tb.cfg.MaxQueueSize - tb.queueUsed,
		Now:            tb.lastNow,
		WaiterCount:    tb.waiters.Len(),
	}
}

// cancelWaiter marks w as abandoned so the worker skips it instead of
// fulfilling it, and returns its reserved queue capacity.
func (tb *TokenBucket) cancelWaiter(w *waiter) {
	tb.mu.Lock()
	if !w.canceled {
		w.canceled = true
		tb.queueUsed -= w.grant
		if tb.queueUsed < 0 {
			tb.queueUsed = 0
		}
	}
	tb.mu.Unlock()
	tb.signalWorker()
}

// signalWorker wakes the worker if it's blocked waiting for the front
// waiter's accumulator deficit to close. Non-blocking: the channel is
// buffered by one, and a pending signal already covers any state change
// the worker hasn't observed yet.
func (tb *TokenBucket) signalWorker() {
	select {
	case tb.wake <- struct{}{}:
	default:
	}
}
