package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-edu/flowgate/internal/metrics"
)

// Metrics records every request's method, path, status, and latency, and
// tracks the in-flight gauge across the handler's lifetime.
func Metrics(m *metrics.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPActiveRequests.Inc()
			defer m.HTTPActiveRequests.Dec()

			rw := NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.StatusCode())

			m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(duration)
		})
	}
}
