package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-edu/flowgate/internal/keyedlimiter"
)

// RateLimit rate-limits per client IP using a keyedlimiter.Limiter —
// unlike minis/50-mini-service-all-features's identically-named
// middleware, which hands the whole job to golang.org/x/time/rate, this
// one calls our own hybrid bucket per key. The 429 + Retry-After
// response shape is kept from the mini.
func RateLimit(limiter *keyedlimiter.Limiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)

			if !limiter.Allow(key) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client's address, preferring proxy headers over
// the raw connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
