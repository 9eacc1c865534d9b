// Package keyedlimiter is the thin per-key wrapper spec.md explicitly
// allows on top of the single-bucket core: one bucket.TokenBucket per
// client key, built lazily on first sight and swept on a timer. See
// bucket.TokenBucket for the actual rate-limiting logic this package
// only routes requests to.
package keyedlimiter

import (
	"context"
	"sync"
	"time"

	"github.com/go-edu/flowgate/bucket"
)

// Limiter holds one bucket.TokenBucket per key behind a sync.RWMutex —
// the double-checked-locking shape of a map guarded for read-heavy,
// write-rare access, same as a mutex-guarded client map would need
// regardless of what's stored in it.
type Limiter struct {
	template func() (bucket.Config, error)

	mu      sync.RWMutex
	buckets map[string]*entry
}

type entry struct {
	tb       *bucket.TokenBucket
	lastSeen time.Time
}

// New builds a Limiter. template is called once per new key to produce
// that key's bucket.Config — typically the same WithClock/WithRecorder
// options every time, so every key's bucket shares one clock and one
// Recorder.
func New(template func() (bucket.Config, error)) *Limiter {
	return &Limiter{
		template: template,
		buckets:  make(map[string]*entry),
	}
}

// Allow takes a single token from key's bucket if one is available right
// now, and reports whether it did, without queueing. It never blocks.
func (l *Limiter) Allow(key string) bool {
	e, err := l.getEntry(key)
	if err != nil {
		return false
	}
	res, err := e.tb.TakeNow(bucket.Exact(1))
	if err != nil {
		return false
	}
	return res.Done
}

// RequestGrant proxies to the per-key bucket's RequestGrant, creating
// the bucket on first sight of key.
func (l *Limiter) RequestGrant(ctx context.Context, key string, q bucket.Quantity) (bucket.GrantResult, error) {
	e, err := l.getEntry(key)
	if err != nil {
		return bucket.GrantResult{}, err
	}
	return e.tb.RequestGrant(ctx, q)
}

// getEntry retrieves key's entry, creating its bucket on first sight.
// The lookup takes the read lock on the fast path, and the bucket is
// created under the write lock only the first time a key is seen — the
// pattern minis/34-rate-limiter-token-bucket's RateLimiter.getBucket uses
// for its own client map. Refreshing lastSeen takes the write lock
// briefly on every call.
func (l *Limiter) getEntry(key string) (*entry, error) {
	l.mu.RLock()
	e, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		l.touch(e)
		return e, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.buckets[key]; ok {
		e.lastSeen = time.Now()
		return e, nil
	}

	cfg, err := l.template()
	if err != nil {
		return nil, err
	}
	tb, err := bucket.New(cfg)
	if err != nil {
		return nil, err
	}
	e = &entry{tb: tb, lastSeen: time.Now()}
	l.buckets[key] = e
	return e, nil
}

func (l *Limiter) touch(e *entry) {
	l.mu.Lock()
	e.lastSeen = time.Now()
	l.mu.Unlock()
}

// Sweep evicts and closes every bucket whose key has been idle longer
// than inactive. Intended to run on a ticker, the same role
// minis/34-rate-limiter-token-bucket's Cleanup plays for its client map.
func (l *Limiter) Sweep(inactive time.Duration) {
	cutoff := time.Now().Add(-inactive)

	l.mu.Lock()
	var stale []*entry
	for key, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, e)
			delete(l.buckets, key)
		}
	}
	l.mu.Unlock()

	for _, e := range stale {
		e.tb.Close()
	}
}

// Close shuts down every key's bucket. Intended for process shutdown.
func (l *Limiter) Close() {
	l.mu.Lock()
	all := make([]*entry, 0, len(l.buckets))
	for _, e := range l.buckets {
		all = append(all, e)
	}
	l.buckets = make(map[string]*entry)
	l.mu.Unlock()

	for _, e := range all {
		e.tb.Close()
	}
}

// KeyCount reports how many distinct keys currently have a bucket.
func (l *Limiter) KeyCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
