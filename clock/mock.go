package clock

import (
	"context"
	"sort"
	"sync"
)

// Mock is a deterministic, test-only Source. Time advances only on
// explicit Set/Advance calls; every waiter whose target has been
// reached is released synchronously, in target order, before Set
// returns. Real wall-clock time never affects a Mock.
type Mock struct {
	mu      sync.Mutex
	now     Moment
	waiters []*mockWaiter
}

type mockWaiter struct {
	target Moment
	done   chan struct{}
	fired  bool
}

// NewMock returns a Mock clock starting at start.
func NewMock(start Moment) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Now() Moment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// WaitUntil blocks until target has been reached by a Set/Advance call,
// or ctx is canceled. A target at or before the current time resolves
// immediately without registering a waiter.
func (m *Mock) WaitUntil(ctx context.Context, target Moment) error {
	m.mu.Lock()
	if target <= m.now {
		m.mu.Unlock()
		return nil
	}
	w := &mockWaiter{target: target, done: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		m.cancel(w)
		return ctx.Err()
	case <-w.done:
		return nil
	}
}

func (m *Mock) cancel(w *mockWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.fired {
		return
	}
	for i, o := range m.waiters {
		if o == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			break
		}
	}
}

// Set advances the clock to t, firing every waiter whose target has
// now been reached, in target order. Setting t earlier than the
// current time is a no-op on the clock value (time never moves
// backwards) but still fires any waiter whose target already elapsed.
func (m *Mock) Set(t Moment) {
	m.mu.Lock()
	if t > m.now {
		m.now = t
	}
	now := m.now

	remaining := m.waiters[:0:0]
	var fire []*mockWaiter
	for _, w := range m.waiters {
		if w.target <= now {
			fire = append(fire, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	sort.Slice(fire, func(i, j int) bool { return fire[i].target < fire[j].target })
	m.waiters = remaining
	m.mu.Unlock()

	for _, w := range fire {
		w.fired = true
		close(w.done)
	}
}

// Advance moves the clock forward by d seconds.
func (m *Mock) Advance(d Duration) {
	m.Set(m.Now().Add(d))
}

// Drain force-releases every still-pending waiter regardless of target,
// without moving the clock. Intended for test teardown, so a leaked
// WaitUntil call never hangs a test goroutine past the test's own life.
func (m *Mock) Drain() {
	m.mu.Lock()
	pending := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, w := range pending {
		w.fired = true
		close(w.done)
	}
}
