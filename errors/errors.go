// Package errors provides a structured error handling system for the MCP
// router. It offers typed errors that carry an HTTP status code, a request
// ID for correlation, and an optional retry hint, all serializable as a
// single JSON envelope for API responses.
//
// Basic usage:
//
//	// Simple error response
//	errors.Error(w, "Something went wrong", http.StatusBadRequest)
//
//	// Type-specific error with context
//	errors.ErrorWithType(w, "Invalid input", errors.InvalidInput, http.StatusBadRequest)
//
// For more complex scenarios, use the constructors in types.go:
//
//	err := errors.NewUnknownServer(requestID, "echo")
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DefaultLogger is the default zap logger instance used throughout the package.
// It is initialized to a production configuration but can be overridden using SetLogger.
var DefaultLogger *zap.Logger

func init() {
	var err error
	DefaultLogger, err = zap.NewProduction()
	if err != nil {
		DefaultLogger = zap.NewNop()
	}
}

// SetLogger allows setting a custom zap logger instance.
// If nil is provided, the function will do nothing to prevent
// accidentally disabling logging.
func SetLogger(logger *zap.Logger) {
	if logger != nil {
		DefaultLogger = logger
	}
}

// ErrorType represents a category of router error. These are the kinds
// named in the router's error taxonomy, not Go type names.
type ErrorType string

const (
	// UnknownServer means no declaration exists by that name.
	UnknownServer ErrorType = "unknown_server"

	// CircuitOpen means the target is gated by its circuit breaker.
	CircuitOpen ErrorType = "circuit_open"

	// NotRunning means the target's status is not Running after auto-start.
	NotRunning ErrorType = "not_running"

	// LaunchFailed means exec, handshake, or credential resolution failed.
	LaunchFailed ErrorType = "launch_failed"

	// BridgeClosed means the child terminated while a request was in flight.
	BridgeClosed ErrorType = "bridge_closed"

	// Timeout means a deadline was exceeded on Send or an LLM call.
	Timeout ErrorType = "timeout"

	// UpstreamError means the child returned a JSON-RPC error object.
	UpstreamError ErrorType = "upstream_error"

	// InvalidInput means the client request was malformed.
	InvalidInput ErrorType = "invalid_input"

	// InternalError means a programming error was recovered at the top level.
	InternalError ErrorType = "internal_error"

	// ConfigError means the configuration was invalid at load or reload.
	ConfigError ErrorType = "config_error"
)

// RouterError is the router's error type. It implements the error
// interface and carries enough context to render a structured JSON
// response while still supporting Go's error wrapping idioms.
type RouterError struct {
	// Type categorizes the error for client handling.
	Type ErrorType `json:"type"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Code is the HTTP status code (not exposed in JSON).
	Code int `json:"-"`

	// RequestID links the error to a specific request.
	RequestID string `json:"request_id,omitempty"`

	// Details contains additional error context.
	Details map[string]interface{} `json:"details,omitempty"`

	// RetryAfter is populated for CircuitOpen errors, in seconds.
	RetryAfter *int `json:"retry_after,omitempty"`

	// err is the underlying error (not exposed in JSON).
	err error
}

// Error implements the error interface.
func (e *RouterError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error, implementing the unwrap interface
// for error chains.
func (e *RouterError) Unwrap() error {
	return e.err
}

// Is implements error matching for errors.Is, comparing by Type only.
func (e *RouterError) Is(target error) bool {
	t, ok := target.(*RouterError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WriteError formats and writes a RouterError to an http.ResponseWriter.
func WriteError(w http.ResponseWriter, err *RouterError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)
	_ = json.NewEncoder(w).Encode(err)
}

// Error is a drop-in replacement for http.Error that creates and writes
// a RouterError with the InternalError type, picking up the request ID
// from the response headers if one was already set.
func Error(w http.ResponseWriter, message string, code int) {
	requestID := w.Header().Get("X-Request-ID")
	WriteError(w, &RouterError{Type: InternalError, Message: message, Code: code, RequestID: requestID})
}

// ErrorWithType is like Error but allows specifying the error type.
func ErrorWithType(w http.ResponseWriter, message string, errType ErrorType, code int) {
	requestID := w.Header().Get("X-Request-ID")
	WriteError(w, &RouterError{Type: errType, Message: message, Code: code, RequestID: requestID})
}
