package parley

import (
	"errors"
	"fmt"
)

// ErrorCode represents a categorized error type.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota

	// Local errors, raised before any network call.
	ErrorValidation
	ErrorInvalidConfig

	// HTTP API errors
	ErrorUnauthorized
	ErrorSessionExpired
	ErrorServer

	// Transport errors
	ErrorConnection
	ErrorTimeout
	ErrorSerialization
)

// String returns the string representation of an ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrorUnknown:
		return "unknown"
	case ErrorValidation:
		return "validation_error"
	case ErrorInvalidConfig:
		return "invalid_config"
	case ErrorUnauthorized:
		return "unauthorized"
	case ErrorSessionExpired:
		return "session_expired"
	case ErrorServer:
		return "server_error"
	case ErrorConnection:
		return "connection_error"
	case ErrorTimeout:
		return "timeout"
	case ErrorSerialization:
		return "serialization_error"
	default:
		return fmt.Sprintf("unknown_code_%d", e)
	}
}

// Error is a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	// Status is the HTTP status for errors produced by the request client.
	Status  int
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s (wrapped: %v)", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with an Error.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Wrapped: err,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or ErrorUnknown.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if !errors.As(err, &pe) {
		return ErrorUnknown
	}
	return pe.Code
}

// IsValidationError reports whether err was raised by local input validation.
func IsValidationError(err error) bool {
	return err != nil && CodeOf(err) == ErrorValidation
}

// IsAuthError reports whether err means the server rejected our credentials.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	code := CodeOf(err)
	return code == ErrorUnauthorized || code == ErrorSessionExpired
}

// IsConnectionError checks if an error is a connection-related error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrorConnection, ErrorTimeout:
		return true
	default:
		return false
	}
}
