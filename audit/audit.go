// Package audit carries a per-request correlation record through
// context.Context and emits structured, single-line JSON audit events via
// zap.
package audit

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey struct{}

var ctxKey = contextKey{}

// Context is the immutable record created at ingress and visible to every
// goroutine descended from the same request's context.Context.
type Context struct {
	RequestID string
	ClientID  string
	ClientIP  string
	SessionID string
}

// WithContext returns a copy of ctx carrying ac.
func WithContext(ctx context.Context, ac Context) context.Context {
	return context.WithValue(ctx, ctxKey, ac)
}

// FromContext extracts the Context previously attached with WithContext.
// The zero value (all fields empty) is returned if none was attached.
func FromContext(ctx context.Context) Context {
	if ac, ok := ctx.Value(ctxKey).(Context); ok {
		return ac
	}
	return Context{}
}

// fields renders ac as zap.Fields for merging into a structured log line.
func (ac Context) fields() []zap.Field {
	return []zap.Field{
		zap.String("request_id", ac.RequestID),
		zap.String("client_id", ac.ClientID),
		zap.String("client_ip", ac.ClientIP),
		zap.String("session_id", ac.SessionID),
	}
}

// Middleware builds an ingress Context per request from its headers and
// remote address, attaches it to the request's context, and sets
// X-Request-ID on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac := Context{
			RequestID: uuid.New().String(),
			ClientID:  clientID(r),
			ClientIP:  clientIP(r),
			SessionID: r.Header.Get("X-Session-ID"),
		}
		w.Header().Set("X-Request-ID", ac.RequestID)
		ctx := WithContext(r.Context(), ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	return "anonymous"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// Event kinds emitted across the router; not exhaustive of every zap call
// site, but the set used for cross-cutting audit records.
const (
	EventHTTPRequest      = "http_request"
	EventServerLifecycle  = "server_lifecycle"
	EventCredentialAccess = "credential_access"
	EventAdminAction      = "admin_action"
	EventSecurityAlert    = "security_alert"
	EventConfigChange     = "config_change"
)

// Log emits event with ctx's correlation fields merged in, plus any extra
// fields the caller supplies. Records with status "failed" are logged at
// error level; everything else at info.
func Log(logger *zap.Logger, ctx context.Context, event, status string, extra ...zap.Field) {
	ac := FromContext(ctx)
	fields := append(ac.fields(), zap.String("event", event), zap.String("status", status))
	fields = append(fields, extra...)

	if status == "failed" {
		logger.Error(event, fields...)
		return
	}
	logger.Info(event, fields...)
}
