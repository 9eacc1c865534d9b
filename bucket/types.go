package bucket

import "github.com/go-edu/flowgate/clock"

// Reason classifies why a grant request settled the way it did. It is a
// business outcome, never an error — see spec §7: only invalid
// configuration and invalid quantities are errors.
type Reason string

const (
	// ReasonGrant means the caller received the grant it asked for (which
	// may legitimately be zero tokens, for a Quantity with Min == 0).
	ReasonGrant Reason = "grant"
	// ReasonStopping means DenyAll ran, either while the request was
	// queued or before the request was made.
	ReasonStopping Reason = "stopping"
	// ReasonFull means the queue had no room for the request at
	// RequestGrant time; the caller never waited at all.
	ReasonFull Reason = "full"
)

// GrantResult is the outcome of a RequestGrant call.
type GrantResult struct {
	Done     bool
	Grant    float64
	Reason   Reason
	WaitTime clock.Duration
}

// TakeResult is the outcome of a TakeNow call.
type TakeResult struct {
	Done      bool
	Grant     float64
	WaitUntil clock.Moment
}

// Snapshot is the cheap, side-effect-free view LatestState returns. It
// reflects the bucket's state as of its own last top-up (Now), not
// the wall clock at call time.
type Snapshot struct {
	AvailableBurst float64
	AvailableQueue float64
	Now            clock.Moment
	WaiterCount    int
}

// Recorder is an optional observer for bucket activity, so callers can
// wire metrics (internal/metrics, in this repository) without the
// bucket package depending on any particular metrics library.
type Recorder interface {
	ObserveGrant(reason Reason, waitTime clock.Duration)
	SetQueueDepth(n int)
}

type noopRecorder struct{}

func (noopRecorder) ObserveGrant(Reason, clock.Duration) {}
func (noopRecorder) SetQueueDepth(int)                   {}
