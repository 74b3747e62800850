// Package middleware provides the HTTP middleware chain the router wraps
// every request in: logging, panic recovery, per-route timeout, and CORS.
package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/OmegaTeee/mcp-agenthub-sub000/audit"
)

// ResponseWriter wraps http.ResponseWriter to capture status code and size.
type ResponseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

// NewResponseWriter creates a new ResponseWriter.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w}
}

func (w *ResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *ResponseWriter) Write(b []byte) (int, error) {
	size, err := w.ResponseWriter.Write(b)
	w.size += int64(size)
	return size, err
}

// Status returns the status code, defaulting to 200 if never set.
func (w *ResponseWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Size returns the response body size written so far.
func (w *ResponseWriter) Size() int64 {
	return w.size
}

// Logging logs an http_request audit event per completed request, carrying
// the method, path, status, and duration alongside the audit context.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := NewResponseWriter(w)

			next.ServeHTTP(rw, r)

			status := "success"
			if rw.Status() >= 500 {
				status = "failed"
			}
			audit.Log(logger, r.Context(), audit.EventHTTPRequest, status,
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status_code", rw.Status()),
				zap.Int64("size", rw.Size()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
