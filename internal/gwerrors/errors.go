package gwerrors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind identifies a class of gateway error. It is stable across processes
// and appears in responses and logs.
type Kind string

const (
	KindRouteNotFound      Kind = "ROUTE_NOT_FOUND"
	KindUnauthenticated    Kind = "UNAUTHENTICATED"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindCircuitOpen        Kind = "CIRCUIT_OPEN"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindNoHealthyInstance  Kind = "NO_HEALTHY_INSTANCE"
	KindBackendError       Kind = "BACKEND_ERROR"
	KindInternal           Kind = "INTERNAL"
)

// Error is an error that can be returned to clients.
type Error struct {
	Kind       Kind   `json:"error"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// Is reports kind equality so errors.Is(err, gwerrors.ErrCircuitOpen) works
// across WithDetails/WithRequestID clones.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// WriteJSON writes the error as JSON to the response.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrRouteNotFound = &Error{
		Kind:    KindRouteNotFound,
		Code:    http.StatusNotFound,
		Message: "No route matched the request",
	}

	ErrUnauthenticatedMissing = &Error{
		Kind:    KindUnauthenticated,
		Code:    http.StatusUnauthorized,
		Message: "Authentication credentials not provided",
	}

	ErrUnauthenticatedExpired = &Error{
		Kind:    KindUnauthenticated,
		Code:    http.StatusUnauthorized,
		Message: "Token has expired",
	}

	ErrUnauthenticatedInvalid = &Error{
		Kind:    KindUnauthenticated,
		Code:    http.StatusUnauthorized,
		Message: "Invalid authentication credentials",
	}

	ErrRateLimited = &Error{
		Kind:    KindRateLimited,
		Code:    http.StatusTooManyRequests,
		Message: "Rate limit exceeded",
	}

	ErrCircuitOpen = &Error{
		Kind:    KindCircuitOpen,
		Code:    http.StatusServiceUnavailable,
		Message: "Service circuit is open",
	}

	ErrServiceUnavailable = &Error{
		Kind:    KindServiceUnavailable,
		Code:    http.StatusBadGateway,
		Message: "Service unavailable",
	}

	ErrNoHealthyInstance = &Error{
		Kind:    KindNoHealthyInstance,
		Code:    http.StatusServiceUnavailable,
		Message: "No healthy instance available",
	}

	ErrBackendError = &Error{
		Kind:    KindBackendError,
		Code:    http.StatusBadGateway,
		Message: "Backend request failed",
	}

	ErrInternal = &Error{
		Kind:    KindInternal,
		Code:    http.StatusInternalServerError,
		Message: "Internal server error",
	}
)

// New creates a new Error.
func New(kind Kind, code int, message string) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an underlying error with a gateway error.
func Wrap(err error, kind Kind, code int, message string) *Error {
	return &Error{
		Kind:       kind,
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy of the error with details attached.
func (e *Error) WithDetails(details string) *Error {
	return &Error{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID returns a copy of the error with the request ID attached.
func (e *Error) WithRequestID(requestID string) *Error {
	return &Error{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// WithCause returns a copy of the error wrapping err.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  e.RequestID,
		underlying: err,
	}
}

// AsError checks if an error is a gateway Error.
func AsError(err error) (*Error, bool) {
	if ge, ok := err.(*Error); ok {
		return ge, true
	}
	return nil, false
}
