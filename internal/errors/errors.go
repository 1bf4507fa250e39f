// Package errors provides consolidated error definitions for nash-stats.
//
// This package provides:
// - Wire protocol error codes
// - Sentinel errors for all error conditions
// - Error category checking functions
// - ErrorToCode and CodeToError mapping
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Wire protocol error codes - used in Error envelopes
// ============================================================================

const (
	CodeUnknown          int32 = 1
	CodeAuthFailed       int32 = 2
	CodeNotAuthenticated int32 = 3
	CodeInvalidRequest   int32 = 4
	CodeTooLate          int32 = 5
	CodeMalformed        int32 = 6
	CodeProtocolAbuse    int32 = 7
	CodeRangeUnavailable int32 = 8
	CodeInternal         int32 = 9
	CodeTimeout          int32 = 10
	CodeOverloaded       int32 = 11
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeAuthFailed:
		return "AuthFailed"
	case CodeNotAuthenticated:
		return "NotAuthenticated"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeTooLate:
		return "TooLate"
	case CodeMalformed:
		return "Malformed"
	case CodeProtocolAbuse:
		return "ProtocolAbuse"
	case CodeRangeUnavailable:
		return "RangeUnavailable"
	case CodeInternal:
		return "Internal"
	case CodeTimeout:
		return "Timeout"
	case CodeOverloaded:
		return "Overloaded"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Ingest errors
	ErrTooLate       = errors.New("sample too late")
	ErrMalformed     = errors.New("malformed record")
	ErrProtocolAbuse = errors.New("protocol abuse threshold exceeded")
	ErrOverloaded    = errors.New("server overloaded")

	// Persistence errors
	ErrWriteFailed = errors.New("persistence write failed")
	ErrCorrupt     = errors.New("corrupt data")

	// Query errors
	ErrRangeUnavailable = errors.New("requested range evicted by retention")

	// Auth/Session errors
	ErrInvalidToken     = errors.New("invalid token")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionClosed    = errors.New("session is closed")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// Transport errors
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")

	// Internal errors
	ErrInternal = errors.New("internal error")
	ErrDatabase = errors.New("database error")
	ErrClosed   = errors.New("closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsIngestReject returns true if err is a per-sample ingest rejection.
// These are reported to the caller without closing the connection.
func IsIngestReject(err error) bool {
	return errors.Is(err, ErrTooLate) ||
		errors.Is(err, ErrMalformed)
}

// IsAuthError returns true if err is an authentication error.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrNotAuthenticated)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrWriteFailed) ||
		errors.Is(err, ErrOverloaded)
}

// ============================================================================
// Error to wire code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its wire protocol code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case Is(err, ErrInvalidToken):
		return CodeAuthFailed
	case Is(err, ErrNotAuthenticated):
		return CodeNotAuthenticated
	case Is(err, ErrTooLate):
		return CodeTooLate
	case Is(err, ErrMalformed):
		return CodeMalformed
	case Is(err, ErrProtocolAbuse):
		return CodeProtocolAbuse
	case Is(err, ErrRangeUnavailable):
		return CodeRangeUnavailable
	case Is(err, ErrInvalidConfig), Is(err, ErrMissingField):
		return CodeInvalidRequest
	case Is(err, ErrTimeout):
		return CodeTimeout
	case Is(err, ErrOverloaded):
		return CodeOverloaded
	default:
		return CodeInternal
	}
}

// CodeToError maps a wire code to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeAuthFailed:
		return ErrInvalidToken
	case CodeNotAuthenticated:
		return ErrNotAuthenticated
	case CodeInvalidRequest:
		return ErrInvalidConfig
	case CodeTooLate:
		return ErrTooLate
	case CodeMalformed:
		return ErrMalformed
	case CodeProtocolAbuse:
		return ErrProtocolAbuse
	case CodeRangeUnavailable:
		return ErrRangeUnavailable
	case CodeTimeout:
		return ErrTimeout
	case CodeOverloaded:
		return ErrOverloaded
	default:
		return ErrInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewMalformed creates a malformed-record error with context.
func NewMalformed(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrMalformed)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}
