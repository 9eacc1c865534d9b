// Package middleware is the HTTP middleware chain flowgated wires
// around its handlers, adapted from
// minis/50-mini-service-all-features/internal/middleware: same Chain/
// ResponseWriter shape, same ordering convention (first middleware in
// the list wraps every other one).
package middleware

import "net/http"

// Middleware wraps a handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares in order, so the first one in the list is
// the outermost wrapper and runs first on the way in, last on the way
// out.
func Chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// ResponseWriter wraps http.ResponseWriter to capture the status code
// and byte count, for logging and metrics middleware that need to
// observe the response after the handler has already written it.
type ResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

// NewResponseWriter wraps w, defaulting the observed status to 200 —
// WriteHeader is never called for handlers that just call Write
// directly.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *ResponseWriter) StatusCode() int   { return rw.statusCode }
func (rw *ResponseWriter) BytesWritten() int { return rw.bytesWritten }
