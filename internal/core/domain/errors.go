// Package domain provides the conversation model and canonical error types
// shared by the relay's coordinator, stores and HTTP surface.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeConflict indicates the conversation is in a state that does
	// not allow the requested operation.
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeGone indicates state that existed but has expired.
	ErrorTypeGone ErrorType = "gone"

	// ErrorTypeRateLimit indicates rate limiting was triggered.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeUpstream indicates the agent runtime could not be reached or
	// rejected the run before streaming started.
	ErrorTypeUpstream ErrorType = "upstream"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeConflictingTurn  ErrorCode = "conflicting_turn"
	ErrorCodeTurnInProgress   ErrorCode = "turn_in_progress"
	ErrorCodeNoPendingConsent ErrorCode = "no_pending_consent"
	ErrorCodeConsentExpired   ErrorCode = "consent_expired"
	ErrorCodeRateLimited      ErrorCode = "rate_limit_exceeded"
)

// APIError represents a request-level failure. It is never sent as a stream
// event; the HTTP surface renders it as a JSON error body.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeGone:
		return http.StatusGone
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// Convenience constructors for common errors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrConflictingTurn is returned when a new turn is started while a consent
// interruption is still pending.
func ErrConflictingTurn(message string) *APIError {
	return NewAPIError(ErrorTypeConflict, message).WithCode(ErrorCodeConflictingTurn)
}

// ErrTurnInProgress is returned when a run is already streaming.
func ErrTurnInProgress(message string) *APIError {
	return NewAPIError(ErrorTypeConflict, message).WithCode(ErrorCodeTurnInProgress)
}

// ErrNoPendingConsent is returned by a resume without a stored interruption.
func ErrNoPendingConsent(message string) *APIError {
	return NewAPIError(ErrorTypeConflict, message).WithCode(ErrorCodeNoPendingConsent)
}

// ErrConsentExpired is returned by a resume whose interruption is older than
// the configured consent TTL.
func ErrConsentExpired(message string) *APIError {
	return NewAPIError(ErrorTypeGone, message).WithCode(ErrorCodeConsentExpired)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).WithCode(ErrorCodeRateLimited)
}

// ErrUpstream creates a transport error for the agent runtime hop.
func ErrUpstream(message string) *APIError {
	return NewAPIError(ErrorTypeUpstream, message)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// HasCode reports whether err wraps an *APIError carrying code.
func HasCode(err error, code ErrorCode) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// ErrVersionConflict is returned by a store when a compare-and-swap observes
// a version other than the expected one.
var ErrVersionConflict = errors.New("conversation version conflict")

// AsAPIError unwraps err into an *APIError, wrapping unknown errors as server
// errors. It returns nil for a nil err.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrServer(err.Error())
}
