package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/OmegaTeee/mcp-agenthub-sub000/audit"
	"github.com/OmegaTeee/mcp-agenthub-sub000/errors"
)

const defaultTimeout = 30 * time.Second

// timeoutWriter wraps http.ResponseWriter to track whether a response has
// already been written, so the timeout branch doesn't double-write.
type timeoutWriter struct {
	http.ResponseWriter
	written chan bool
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	n, err := tw.ResponseWriter.Write(b)
	if n > 0 {
		select {
		case tw.written <- true:
		default:
		}
	}
	return n, err
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.ResponseWriter.WriteHeader(code)
	select {
	case tw.written <- true:
	default:
	}
}

func (tw *timeoutWriter) hasWritten() bool {
	select {
	case <-tw.written:
		return true
	default:
		return false
	}
}

// Timeout bounds request processing to the given duration (defaulting to
// defaultTimeout), writing a Timeout RouterError if the deadline is reached
// before the handler has written anything.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if timeout == 0 {
				timeout = defaultTimeout
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			tw := &timeoutWriter{ResponseWriter: w, written: make(chan bool, 1)}

			go func() {
				defer close(done)
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case <-done:
				return
			case <-ctx.Done():
				if !tw.hasWritten() {
					ac := audit.FromContext(r.Context())
					errors.WriteError(tw, errors.NewTimeout(ac.RequestID, r.URL.Path))
				}
				return
			}
		})
	}
}
