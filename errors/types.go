package errors

import "net/http"

// NewUnknownServer creates an error for a proxy/admin call against a name
// with no matching declaration.
func NewUnknownServer(requestID, name string) *RouterError {
	return &RouterError{
		Type:      UnknownServer,
		Message:   "no server declared with name: " + name,
		Code:      http.StatusNotFound,
		RequestID: requestID,
	}
}

// NewCircuitOpen creates an error for a target gated by its circuit
// breaker, carrying the seconds until the breaker permits a probe.
func NewCircuitOpen(requestID, target string, retryAfterSeconds int) *RouterError {
	ra := retryAfterSeconds
	return &RouterError{
		Type:       CircuitOpen,
		Message:    "circuit open for target: " + target,
		Code:       http.StatusServiceUnavailable,
		RequestID:  requestID,
		RetryAfter: &ra,
	}
}

// NewNotRunning creates an error for a server whose status is not Running
// after an auto-start attempt.
func NewNotRunning(requestID, name string) *RouterError {
	return &RouterError{
		Type:      NotRunning,
		Message:   "server not running: " + name,
		Code:      http.StatusServiceUnavailable,
		RequestID: requestID,
	}
}

// NewLaunchFailed creates an error for an exec, handshake, or credential
// resolution failure, for the admin surface (500).
func NewLaunchFailed(requestID, name string, cause error) *RouterError {
	return &RouterError{
		Type:      LaunchFailed,
		Message:   "failed to launch server: " + name,
		Code:      http.StatusInternalServerError,
		RequestID: requestID,
		err:       cause,
	}
}

// NewLaunchFailedUnavailable creates the same LaunchFailed error for the
// proxy surface (503): the caller asked for a live server, not to launch
// one, so a launch failure here is an availability failure, not a server
// error.
func NewLaunchFailedUnavailable(requestID, name string, cause error) *RouterError {
	return &RouterError{
		Type:      LaunchFailed,
		Message:   "failed to launch server: " + name,
		Code:      http.StatusServiceUnavailable,
		RequestID: requestID,
		err:       cause,
	}
}

// NewBridgeClosed creates an error for a request in flight when its
// child terminated.
func NewBridgeClosed(requestID, name string) *RouterError {
	return &RouterError{
		Type:      BridgeClosed,
		Message:   "bridge closed for server: " + name,
		Code:      http.StatusServiceUnavailable,
		RequestID: requestID,
	}
}

// NewTimeout creates an error for a deadline exceeded on Send or an LLM
// call, for the proxy surface (504).
func NewTimeout(requestID, detail string) *RouterError {
	return &RouterError{
		Type:      Timeout,
		Message:   "timed out: " + detail,
		Code:      http.StatusGatewayTimeout,
		RequestID: requestID,
	}
}

// NewInvalidInput creates an error for a malformed client request.
func NewInvalidInput(requestID, message string) *RouterError {
	return &RouterError{
		Type:      InvalidInput,
		Message:   message,
		Code:      http.StatusBadRequest,
		RequestID: requestID,
	}
}

// NewInternal creates an error for a recovered programming error. The
// real cause is never exposed to the client, only logged.
func NewInternal(requestID string, cause error) *RouterError {
	return &RouterError{
		Type:      InternalError,
		Message:   "an internal error occurred",
		Code:      http.StatusInternalServerError,
		RequestID: requestID,
		err:       cause,
	}
}

// NewConfigError creates an error for an invalid configuration at load
// or reload time.
func NewConfigError(message string, cause error) *RouterError {
	return &RouterError{
		Type:    ConfigError,
		Message: message,
		Code:    http.StatusInternalServerError,
		err:     cause,
	}
}
