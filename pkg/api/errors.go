package api

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeServerError     ErrorType = "server_error"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeUnavailable     ErrorType = "unavailable"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeTooManyRequests ErrorType = "too_many_requests"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypeForbidden       ErrorType = "permission_denied"
)

// APIError represents a structured API error with type, code, param, and message.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{Type: ErrorTypeInvalidRequest, Param: param, Message: message}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{Type: ErrorTypeNotFound, Message: message}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{Type: ErrorTypeServerError, Message: message}
}

// NewConflictError creates an APIError for a request that collides with
// one already in progress.
func NewConflictError(param, message string) *APIError {
	return &APIError{Type: ErrorTypeConflict, Param: param, Message: message}
}

// NewUnauthorizedError creates an APIError for missing or invalid credentials.
func NewUnauthorizedError(message string) *APIError {
	return &APIError{Type: ErrorTypeUnauthorized, Message: message}
}

// NewForbiddenError creates an APIError for an authenticated caller that
// may not perform the request.
func NewForbiddenError(param, message string) *APIError {
	return &APIError{Type: ErrorTypeForbidden, Param: param, Message: message}
}

// NewTooManyRequestsError creates an APIError for rate limiting.
func NewTooManyRequestsError(message string) *APIError {
	return &APIError{Type: ErrorTypeTooManyRequests, Message: message}
}

// FailureKind classifies why an invocation did not succeed.
type FailureKind string

const (
	// Local faults, resolved without a network round-trip.
	FailureUnknownTool        FailureKind = "unknown_tool"
	FailureInvalidArguments   FailureKind = "invalid_arguments"
	FailureSessionUnavailable FailureKind = "session_unavailable"

	FailureTimeout           FailureKind = "timeout"
	FailureCancelled         FailureKind = "cancelled"
	FailureTransport         FailureKind = "transport_error"
	FailureProtocolViolation FailureKind = "protocol_violation"

	// FailureToolError means the tool ran and reported an error result.
	FailureToolError FailureKind = "tool_error"
)

// Local reports whether the failure kind is decided without contacting a server.
func (k FailureKind) Local() bool {
	switch k {
	case FailureUnknownTool, FailureInvalidArguments, FailureSessionUnavailable:
		return true
	}
	return false
}

// Failure is a classified invocation failure.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`

	cause error
}

// NewFailure creates a Failure with a formatted message.
func NewFailure(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapFailure creates a Failure that keeps err as its cause.
func WrapFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Message: err.Error(), cause: err}
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the underlying cause, if any.
func (f *Failure) Unwrap() error { return f.cause }

// FailureKindOf returns the kind of the first *Failure in err's chain, or ""
// when err carries none.
func FailureKindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// APIErrorFromFailure maps an invocation failure onto the gateway error envelope.
func APIErrorFromFailure(f *Failure) *APIError {
	t := ErrorTypeServerError
	switch f.Kind {
	case FailureUnknownTool:
		t = ErrorTypeNotFound
	case FailureInvalidArguments:
		t = ErrorTypeInvalidRequest
	case FailureSessionUnavailable, FailureTransport:
		t = ErrorTypeUnavailable
	case FailureTimeout:
		t = ErrorTypeTimeout
	}
	return &APIError{Type: t, Code: string(f.Kind), Message: f.Message}
}
