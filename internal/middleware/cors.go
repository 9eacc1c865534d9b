package middleware

import (
	"net/http"
	"strings"
)

// CORSConfig is the subset of flowgated's configuration this middleware
// needs, kept free of an internal/config import so middleware stays
// independently testable.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// CORS adds cross-origin headers and short-circuits preflight requests.
func CORS(cfg CORSConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(cfg.AllowedOrigins) > 0 {
				origin := cfg.AllowedOrigins[0]
				if origin == "*" || contains(cfg.AllowedOrigins, r.Header.Get("Origin")) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
				}
			}
			if len(cfg.AllowedMethods) > 0 {
				w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
			}
			if len(cfg.AllowedHeaders) > 0 {
				w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
