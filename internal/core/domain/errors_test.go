package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "error with type and message",
			err:      &APIError{Type: ErrorTypeInvalidRequest, Message: "bad request"},
			expected: "invalid_request: bad request",
		},
		{
			name:     "error with type, code, and message",
			err:      &APIError{Type: ErrorTypeConflict, Code: ErrorCodeConflictingTurn, Message: "consent pending"},
			expected: "conflict (conflicting_turn): consent pending",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
	}{
		{"invalid request", &APIError{Type: ErrorTypeInvalidRequest}, http.StatusBadRequest},
		{"not found", &APIError{Type: ErrorTypeNotFound}, http.StatusNotFound},
		{"conflict", &APIError{Type: ErrorTypeConflict}, http.StatusConflict},
		{"gone", &APIError{Type: ErrorTypeGone}, http.StatusGone},
		{"rate limit", &APIError{Type: ErrorTypeRateLimit}, http.StatusTooManyRequests},
		{"upstream", &APIError{Type: ErrorTypeUpstream}, http.StatusBadGateway},
		{"server", &APIError{Type: ErrorTypeServer}, http.StatusInternalServerError},
		{"unknown error type", &APIError{Type: ErrorType("unknown")}, http.StatusInternalServerError},
		{"explicit status code", &APIError{Type: ErrorTypeInvalidRequest, StatusCode: http.StatusTeapot}, http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func(string) *APIError
		expectedType ErrorType
		expectedCode ErrorCode
		status       int
	}{
		{"ErrInvalidRequest", ErrInvalidRequest, ErrorTypeInvalidRequest, "", http.StatusBadRequest},
		{"ErrNotFound", ErrNotFound, ErrorTypeNotFound, "", http.StatusNotFound},
		{"ErrConflictingTurn", ErrConflictingTurn, ErrorTypeConflict, ErrorCodeConflictingTurn, http.StatusConflict},
		{"ErrTurnInProgress", ErrTurnInProgress, ErrorTypeConflict, ErrorCodeTurnInProgress, http.StatusConflict},
		{"ErrNoPendingConsent", ErrNoPendingConsent, ErrorTypeConflict, ErrorCodeNoPendingConsent, http.StatusConflict},
		{"ErrConsentExpired", ErrConsentExpired, ErrorTypeGone, ErrorCodeConsentExpired, http.StatusGone},
		{"ErrRateLimit", ErrRateLimit, ErrorTypeRateLimit, ErrorCodeRateLimited, http.StatusTooManyRequests},
		{"ErrUpstream", ErrUpstream, ErrorTypeUpstream, "", http.StatusBadGateway},
		{"ErrServer", ErrServer, ErrorTypeServer, "", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.constructor("msg")
			if err.Type != tt.expectedType {
				t.Errorf("Type = %v, want %v", err.Type, tt.expectedType)
			}
			if err.Code != tt.expectedCode {
				t.Errorf("Code = %v, want %v", err.Code, tt.expectedCode)
			}
			if err.HTTPStatusCode() != tt.status {
				t.Errorf("HTTPStatusCode() = %d, want %d", err.HTTPStatusCode(), tt.status)
			}
		})
	}
}

func TestHasCode(t *testing.T) {
	wrapped := fmt.Errorf("resume c1: %w", ErrNoPendingConsent("nothing pending"))
	if !HasCode(wrapped, ErrorCodeNoPendingConsent) {
		t.Error("HasCode() = false for wrapped error")
	}
	if HasCode(wrapped, ErrorCodeConsentExpired) {
		t.Error("HasCode() = true for a different code")
	}
	if HasCode(errors.New("plain"), ErrorCodeNoPendingConsent) {
		t.Error("HasCode() = true for a plain error")
	}
}

func TestAsAPIError(t *testing.T) {
	if AsAPIError(nil) != nil {
		t.Error("AsAPIError(nil) should be nil")
	}

	orig := ErrConsentExpired("expired")
	if got := AsAPIError(fmt.Errorf("wrap: %w", orig)); got != orig {
		t.Errorf("AsAPIError() = %v, want the wrapped error", got)
	}

	got := AsAPIError(errors.New("disk full"))
	if got.Type != ErrorTypeServer || got.Message != "disk full" {
		t.Errorf("AsAPIError(plain) = %+v", got)
	}
}
