package bucket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-edu/flowgate/clock"
)

func newTestBucket(t *testing.T, mock *clock.Mock, opts ...Option) *TokenBucket {
	t.Helper()
	allOpts := append([]Option{WithClock(mock)}, opts...)
	cfg, err := NewConfig(allOpts...)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	tb, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		mock.Drain()
		tb.Close()
	})
	return tb
}

func TestRequestGrant_ImmediateGrantWhenBucketFull(t *testing.T) {
	mock := clock.NewMock(0)
	tb := newTestBucket(t, mock,
		WithFlowRate(1),
		WithMaxBurstSize(10),
		WithPartialTokens(false),
	)

	res, err := tb.RequestGrant(context.Background(), Exact(5))
	if err != nil {
		t.Fatalf("RequestGrant: %v", err)
	}
	if !res.Done || res.Grant != 5 || res.Reason != ReasonGrant || res.WaitTime != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRequestGrant_ZeroMinimumAlwaysSucceedsOnEmptyQueue(t *testing.T) {
	mock := clock.NewMock(0)
	tb := newTestBucket(t, mock,
		WithFlowRate(1),
		WithMaxBurstSize(10),
		WithInitialBurstSize(0),
		WithPartialTokens(false),
	)

	res, err := tb.RequestGrant(context.Background(), Range(0, 10))
	if err != nil {
		t.Fatalf("RequestGrant: %v", err)
	}
	if !res.Done || res.Grant != 0 || res.Reason != ReasonGrant {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRequestGrant_FIFOOrdering(t *testing.T) {
	mock := clock.NewMock(0)
	tb := newTestBucket(t, mock,
		WithFlowRate(1),
		WithMaxBurstSize(10),
		WithInitialBurstSize(0),
		WithMaxQueueSize(100),
		WithPartialTokens(false),
	)

	type outcome struct {
		order int
		res   GrantResult
		err   error
	}
	results := make(chan outcome, 3)
	launch := func(order int, n float64) {
		go func() {
			res, err := tb.RequestGrant(context.Background(), Exact(n))
			results <- outcome{order: order, res: res, err: err}
		}()
	}

	launch(1, 2)
	waitForWaiterCount(t, tb, 1)
	launch(2, 2)
	waitForWaiterCount(t, tb, 2)
	launch(3, 2)
	waitForWaiterCount(t, tb, 3)

	// Advance just enough to cover one waiter's minimum at a time, so
	// exactly one settles per Advance call — this is what lets the test
	// assert settlement order deterministically instead of racing three
	// goroutines' channel sends against each other.
	for _, want := range []int{1, 2, 3} {
		mock.Advance(2)
		o := <-results
		if o.err != nil {
			t.Fatalf("waiter %d: %v", o.order, o.err)
		}
		if !o.res.Done || o.res.Grant != 2 {
			t.Fatalf("waiter %d: unexpected result %+v", o.order, o.res)
		}
		if o.order != want {
			t.Fatalf("expected waiter %d to settle next, got waiter %d", want, o.order)
		}
	}
}

func TestRequestGrant_DeniesWhenQueueFull(t *testing.T) {
	mock := clock.NewMock(0)
	tb := newTestBucket(t, mock,
		WithFlowRate(1),
		WithMaxBurstSize(10),
		WithInitialBurstSize(0),
		WithMaxQueueSize(3),
		WithPartialTokens(false),
	)

	go tb.RequestGrant(context.Background(), Exact(3))
	waitForWaiterCount(t, tb, 1)

	res, err := tb.RequestGrant(context.Background(), Exact(1))
	if err != nil {
		t.Fatalf("RequestGrant: %v", err)
	}
	if res.Done || res.Reason != ReasonFull {
		t.Fatalf("expected ReasonFull, got %+v", res)
	}
}

func TestDenyAll_ReleasesQueuedWaitersWithStopping(t *testing.T) {
	mock := clock.NewMock(0)
	tb := newTestBucket(t, mock,
		WithFlowRate(1),
		WithMaxBurstSize(10),
		WithInitialBurstSize(0),
		WithMaxQueueSize(100),
		WithPartialTokens(false),
	)

	done := make(chan GrantResult, 1)
	go func() {
		res, _ := tb.RequestGrant(context.Background(), Exact(5))
		done <- res
	}()
	waitForWaiterCount(t, tb, 1)

	tb.DenyAll()

	res := <-done
	if res.Done || res.Reason != ReasonStopping {
		t.Fatalf("expected ReasonStopping, got %+v", res)
	}

	res2, err := tb.RequestGrant(context.Background(), Exact(0))
	if err != nil {
		t.Fatalf("RequestGrant after deny: %v", err)
	}
	if res2.Done || res2.Reason != ReasonStopping {
		t.Fatalf("expected subsequent requests to also be denied, got %+v", res2)
	}
}

func TestTakeNow_ReportsWaitUntilWhenInsufficient(t *testing.T) {
	mock := clock.NewMock(0)
	tb := newTestBucket(t, mock,
		WithFlowRate(2),
		WithMaxBurstSize(10),
		WithInitialBurstSize(0),
		WithPartialTokens(false),
	)

	res, err := tb.TakeNow(Exact(4))
	if err != nil {
		t.Fatalf("TakeNow: %v", err)
	}
	if res.Done {
		t.Fatalf("expected TakeNow to fail outright, got %+v", res)
	}
	if res.WaitUntil != 2 {
		t.Fatalf("expected WaitUntil == 2 (4 tokens at 2/s), got %v", res.WaitUntil)
	}
}

func TestTakeNow_NeverQueues(t *testing.T) {
	mock := clock.NewMock(0)
	tb := newTestBucket(t, mock,
		WithFlowRate(1),
		WithMaxBurstSize(10),
		WithInitialBurstSize(0),
		WithPartialTokens(false),
	)

	tb.TakeNow(Exact(5))
	if got := tb.LatestState().WaiterCount; got != 0 {
		t.Fatalf("TakeNow must never enqueue a waiter, queue depth = %d", got)
	}
}

func TestRequestGrant_ContextCancellationRemovesWaiter(t *testing.T) {
	mock := clock.NewMock(0)
	tb := newTestBucket(t, mock,
		WithFlowRate(1),
		WithMaxBurstSize(10),
		WithInitialBurstSize(0),
		WithMaxQueueSize(100),
		WithPartialTokens(false),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := tb.RequestGrant(ctx, Exact(5))
		errc <- err
	}()
	waitForWaiterCount(t, tb, 1)

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	waitForWaiterCount(t, tb, 0)
}

func TestNewConfig_DefaultsMaxQueueGrantSize(t *testing.T) {
	cfg, err := NewConfig(WithFlowRate(1), WithMaxBurstSize(5), WithMaxQueueSize(3))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.MaxQueueGrantSize != 3 {
		t.Fatalf("expected MaxQueueGrantSize = min(5,3) = 3, got %v", cfg.MaxQueueGrantSize)
	}
}

func TestNewConfig_RejectsNonPositiveFlowRate(t *testing.T) {
	_, err := NewConfig(WithFlowRate(0), WithMaxBurstSize(5))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRequestGrant_ZeroMinimumBypassesNonEmptyQueue(t *testing.T) {
	mock := clock.NewMock(0)
	tb := newTestBucket(t, mock,
		WithFlowRate(1),
		WithMaxBurstSize(10),
		WithInitialBurstSize(0),
		WithMaxQueueSize(100),
		WithPartialTokens(false),
	)

	// Queue up a waiter that can't be served yet, so the queue is
	// non-empty when the zero-minimum request arrives.
	errc := make(chan error, 1)
	go func() {
		_, err := tb.RequestGrant(context.Background(), Exact(5))
		errc <- err
	}()
	waitForWaiterCount(t, tb, 1)

	res, err := tb.RequestGrant(context.Background(), Range(0, 10))
	if err != nil {
		t.Fatalf("RequestGrant: %v", err)
	}
	if !res.Done || res.Grant != 0 || res.Reason != ReasonGrant || res.WaitTime != 0 {
		t.Fatalf("expected synchronous zero grant despite non-empty queue, got %+v", res)
	}
	if got := tb.LatestState().WaiterCount; got != 1 {
		t.Fatalf("zero-minimum request must not join the queue, depth = %d", got)
	}

	mock.Advance(5)
	if err := <-errc; err != nil {
		t.Fatalf("RequestGrant: %v", err)
	}
}

func TestRequestGrant_QueuedGrantClampedToMaxQueueGrantSize(t *testing.T) {
	mock := clock.NewMock(0)
	tb := newTestBucket(t, mock,
		WithFlowRate(1),
		WithMaxBurstSize(100),
		WithInitialBurstSize(0),
		WithMaxQueueSize(100),
		WithMaxQueueGrantSize(10),
		WithPartialTokens(false),
	)

	errc := make(chan error, 1)
	go func() {
		res, err := tb.RequestGrant(context.Background(), Range(1, 50))
		if err != nil {
			errc <- err
			return
		}
		if res.Grant > 10 {
			t.Errorf("expected queued grant clamped to max_queue_grant_size = 10, got %v", res.Grant)
		}
		errc <- nil
	}()
	waitForWaiterCount(t, tb, 1)

	mock.Advance(100)
	if err := <-errc; err != nil {
		t.Fatalf("RequestGrant: %v", err)
	}
}

func TestRequestGrant_MaxQueueGrantSizeZeroRejectsPositiveMinimum(t *testing.T) {
	mock := clock.NewMock(0)
	tb := newTestBucket(t, mock,
		WithFlowRate(1),
		WithMaxBurstSize(10),
		WithInitialBurstSize(0),
		WithMaxQueueSize(100),
		WithMaxQueueGrantSize(0),
		WithPartialTokens(false),
	)

	// With max_queue_grant_size == 0 a request never reaches the queue:
	// a zero minimum is served by the min == 0 bypass, and normalize
	// rejects any positive minimum (min > max_queue_grant_size) before
	// the queued grant is computed. This checks that rejection.
	_, _, err := tb.cfg.normalize(Exact(1))
	if err == nil {
		t.Fatalf("expected normalize to reject min=1 against max_queue_grant_size=0")
	}
}

func TestTakeNow_NeverStealsAheadOfQueuedWaiter(t *testing.T) {
	mock := clock.NewMock(0)
	tb := newTestBucket(t, mock,
		WithFlowRate(1),
		WithMaxBurstSize(10),
		WithInitialBurstSize(0),
		WithMaxQueueSize(100),
		WithPartialTokens(false),
	)

	errc := make(chan error, 1)
	go func() {
		_, err := tb.RequestGrant(context.Background(), Exact(10))
		errc <- err
	}()
	waitForWaiterCount(t, tb, 1)

	res, err := tb.TakeNow(Exact(1))
	if err != nil {
		t.Fatalf("TakeNow: %v", err)
	}
	if res.Done {
		t.Fatalf("expected TakeNow to defer to the queued waiter, got %+v", res)
	}

	mock.Advance(10)
	if err := <-errc; err != nil {
		t.Fatalf("RequestGrant: %v", err)
	}
}

// waitForWaiterCount polls LatestState until the queue reaches n or the
// test times out. The bucket's worker loop runs on its own goroutine, so
// a freshly-launched RequestGrant call needs a moment to be observed
// queued before the test can safely advance the mock clock.
func waitForWaiterCount(t *testing.T, tb *TokenBucket, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tb.LatestState().WaiterCount == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for waiter count = %d, got %d", n, tb.LatestState().WaiterCount)
}
