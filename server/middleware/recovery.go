package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/OmegaTeee/mcp-agenthub-sub000/audit"
	"github.com/OmegaTeee/mcp-agenthub-sub000/errors"
)

// Recovery recovers panics from downstream handlers, logs the stack trace,
// and renders them as an Internal RouterError instead of crashing the
// process.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					stack := debug.Stack()
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.ByteString("stack", stack),
					)

					ac := audit.FromContext(r.Context())
					errors.WriteError(w, errors.NewInternal(ac.RequestID, fmt.Errorf("panic: %v", rec)))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
