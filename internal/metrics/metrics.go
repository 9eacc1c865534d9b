// Package metrics defines the Prometheus collectors flowgated and the
// bucket package report through. Unlike minis/50-mini-service-all-features
// (whose middleware imports an internal/metrics.Metrics that mini never
// actually defines), every collector here is registered against a
// private prometheus.Registry, never promhttp's package-level default —
// so tests can construct as many *Metrics as they like without a
// "duplicate metrics collector registration" panic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-edu/flowgate/bucket"
	"github.com/go-edu/flowgate/clock"
)

// Metrics holds every collector this repository reports. Build one with
// New, which also registers every collector against Registry.
type Metrics struct {
	Registry *prometheus.Registry

	BucketGrantsTotal *prometheus.CounterVec
	BucketQueueDepth  prometheus.Gauge
	BucketWaitSeconds prometheus.Histogram

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  prometheus.Gauge
}

// New constructs every collector and registers it against a fresh,
// private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		BucketGrantsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_bucket_grants_total",
			Help: "Outcomes of bucket grant requests, by reason.",
		}, []string{"reason"}),
		BucketQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowgate_bucket_queue_depth",
			Help: "Current number of waiters queued on the bucket.",
		}),
		BucketWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowgate_bucket_wait_seconds",
			Help:    "Time a granted waiter spent queued, in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_http_requests_total",
			Help: "Total HTTP requests served, by method, path, and status.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowgate_http_request_duration_seconds",
			Help:    "HTTP request latency, by method, path, and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		HTTPActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowgate_http_active_requests",
			Help: "HTTP requests currently in flight.",
		}),
	}

	reg.MustRegister(
		m.BucketGrantsTotal,
		m.BucketQueueDepth,
		m.BucketWaitSeconds,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPActiveRequests,
	)

	return m
}

// BucketRecorder adapts Metrics to bucket.Recorder, so the bucket
// package never imports Prometheus directly.
type BucketRecorder struct {
	m *Metrics
}

// NewBucketRecorder wraps m as a bucket.Recorder.
func NewBucketRecorder(m *Metrics) BucketRecorder {
	return BucketRecorder{m: m}
}

func (r BucketRecorder) ObserveGrant(reason bucket.Reason, waitTime clock.Duration) {
	r.m.BucketGrantsTotal.WithLabelValues(string(reason)).Inc()
	if waitTime > 0 {
		r.m.BucketWaitSeconds.Observe(float64(waitTime))
	}
}

func (r BucketRecorder) SetQueueDepth(n int) {
	r.m.BucketQueueDepth.Set(float64(n))
}
