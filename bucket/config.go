package bucket

import (
	"fmt"
	"math"

	"github.com/go-edu/flowgate/clock"
)

// Config is the immutable, validated configuration for a TokenBucket —
// the Go name for spec §3's BucketConfig. Build one with NewConfig;
// the zero value is not valid (FlowRate and MaxBurstSize have no sane
// defaults).
type Config struct {
	FlowRate          float64
	MaxBurstSize      float64
	MaxQueueGrantSize float64
	MaxQueueSize      float64
	PartialTokens     bool
	InitialBurstSize  float64
	Clock             clock.Source
	Recorder          Recorder
}

// Option mutates a config draft before validation. Cross-field defaults
// (MaxQueueGrantSize, InitialBurstSize) are resolved in NewConfig, once
// every option has been applied — a plain struct literal can't express
// "default to min(MaxBurstSize, MaxQueueSize)" without already knowing
// both fields.
type Option func(*draft)

type draft struct {
	flowRate          float64
	maxBurstSize      float64
	maxQueueGrantSize *float64
	maxQueueSize      *float64
	partialTokens     bool
	initialBurstSize  *float64
	clock             clock.Source
	recorder          Recorder
}

// WithFlowRate sets the steady-state grant rate, tokens/second. Required.
func WithFlowRate(tokensPerSecond float64) Option {
	return func(d *draft) { d.flowRate = tokensPerSecond }
}

// WithMaxBurstSize sets the bucket capacity. Required.
func WithMaxBurstSize(n float64) Option {
	return func(d *draft) { d.maxBurstSize = n }
}

// WithMaxQueueGrantSize bounds any single queued grant. Defaults to
// min(MaxBurstSize, MaxQueueSize).
func WithMaxQueueGrantSize(n float64) Option {
	return func(d *draft) { d.maxQueueGrantSize = &n }
}

// WithMaxQueueSize bounds the sum of enqueued waiters' grants. Defaults
// to +Inf (unbounded). Pass math.Inf(1) explicitly for the same effect.
func WithMaxQueueSize(n float64) Option {
	return func(d *draft) { d.maxQueueSize = &n }
}

// WithPartialTokens controls whether grants may be fractional. Defaults
// to true; pass false for integer-tokens semantics (spec §8's scenarios
// all run with this set to false).
func WithPartialTokens(b bool) Option {
	return func(d *draft) { d.partialTokens = b }
}

// WithInitialBurstSize seeds the bucket's starting token count. Defaults
// to MaxBurstSize (a full bucket).
func WithInitialBurstSize(n float64) Option {
	return func(d *draft) { d.initialBurstSize = &n }
}

// WithClock injects a TimeSource. Defaults to clock.NewReal(). Tests
// should always supply a *clock.Mock here.
func WithClock(c clock.Source) Option {
	return func(d *draft) { d.clock = c }
}

// WithRecorder wires an observer for grant/queue-depth events. Defaults
// to a no-op recorder.
func WithRecorder(r Recorder) Option {
	return func(d *draft) { d.recorder = r }
}

// NewConfig builds and validates a Config, per spec §3's BucketConfig
// and §4.9's RateLimitConfig validation. PartialTokens defaults to true
// unless WithPartialTokens(false) is supplied: the Go zero value of
// draft.partialTokens is false, so the draft is seeded with true before
// any option is applied.
func NewConfig(opts ...Option) (Config, error) {
	d := draft{partialTokens: true}
	for _, opt := range opts {
		opt(&d)
	}

	cfg := Config{
		FlowRate:      d.flowRate,
		MaxBurstSize:  d.maxBurstSize,
		PartialTokens: d.partialTokens,
		Clock:         d.clock,
		Recorder:      d.recorder,
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}

	if cfg.FlowRate <= 0 || math.IsInf(cfg.FlowRate, 0) || math.IsNaN(cfg.FlowRate) {
		return Config{}, fmt.Errorf("%w: flow_rate must be positive and finite, got %v", ErrInvalidConfig, cfg.FlowRate)
	}
	if cfg.MaxBurstSize <= 0 || math.IsInf(cfg.MaxBurstSize, 0) || math.IsNaN(cfg.MaxBurstSize) {
		return Config{}, fmt.Errorf("%w: max_burst_size must be positive and finite, got %v", ErrInvalidConfig, cfg.MaxBurstSize)
	}

	maxQueueSize := math.Inf(1)
	if d.maxQueueSize != nil {
		maxQueueSize = *d.maxQueueSize
	}
	if maxQueueSize < 0 || math.IsNaN(maxQueueSize) {
		return Config{}, fmt.Errorf("%w: max_queue_size must be non-negative, got %v", ErrInvalidConfig, maxQueueSize)
	}
	cfg.MaxQueueSize = maxQueueSize

	ceiling := math.Min(cfg.MaxBurstSize, maxQueueSize)
	maxQueueGrantSize := ceiling
	if d.maxQueueGrantSize != nil {
		maxQueueGrantSize = *d.maxQueueGrantSize
	}
	if maxQueueGrantSize < 0 || maxQueueGrantSize > ceiling {
		return Config{}, fmt.Errorf("%w: max_queue_grant_size must be within [0, min(max_burst_size, max_queue_size)], got %v", ErrInvalidConfig, maxQueueGrantSize)
	}
	if !cfg.PartialTokens {
		maxQueueGrantSize = math.Floor(maxQueueGrantSize)
	}
	cfg.MaxQueueGrantSize = maxQueueGrantSize

	initialBurstSize := cfg.MaxBurstSize
	if d.initialBurstSize != nil {
		initialBurstSize = *d.initialBurstSize
	}
	if initialBurstSize < 0 || initialBurstSize > cfg.MaxBurstSize {
		return Config{}, fmt.Errorf("%w: initial_burst_size must be within [0, max_burst_size], got %v", ErrInvalidConfig, initialBurstSize)
	}
	cfg.InitialBurstSize = initialBurstSize

	return cfg, nil
}
