// Package apperror provides a structured way to handle application errors
// with specific codes and additional details, and maps them onto HTTP
// status codes for the REST surface.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a specific application error code.
type ErrorCode string

const (
	// Authentication / authorization
	CodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// Request validation
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	CodeInvalidPath     ErrorCode = "INVALID_PATH"
	CodeInvalidName     ErrorCode = "INVALID_NAME"

	// Resources
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeAlreadyExists ErrorCode = "ALREADY_EXISTS"

	// Supervisor
	CodeAlreadyStarting ErrorCode = "ALREADY_STARTING"
	CodeSpawnFailed     ErrorCode = "SPAWN_FAILED"

	// DNS resolver
	CodeDNSTimeout ErrorCode = "DNS_TIMEOUT"
	CodeDNSBlocked ErrorCode = "DNS_BLOCKED"

	// Throttling
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// General
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// FieldError describes a single field-level validation failure.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error is a custom error type that includes an ErrorCode, a message safe
// to display to clients, optional field-level details and an underlying cause.
type Error struct {
	Code    ErrorCode      // Code is a unique identifier for the type of error.
	Message string         // Message is a human-readable description, safe to return to clients.
	Fields  []FieldError   // Fields lists field-level validation failures, if any.
	Details map[string]any // Details provides additional structured information.
	Cause   error          // Cause is the underlying error, never exposed to clients.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error, allowing for error chain introspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidArgument, CodeInvalidPath, CodeInvalidName:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeAlreadyStarting:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeDNSTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new application error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]any),
	}
}

// Newf creates a new application error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new application error that wraps an existing error,
// providing additional context with a code and message.
func Wrap(cause error, code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Details: make(map[string]any),
	}
}

// WithDetails adds a key-value pair to the error's details map and returns
// the modified error.
func (e *Error) WithDetails(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// WithField appends a field-level validation failure and returns the
// modified error.
func (e *Error) WithField(path, message, code string) *Error {
	e.Fields = append(e.Fields, FieldError{Path: path, Message: message, Code: code})
	return e
}

// Is checks if the given error is an application error with a matching code.
func Is(err error, code ErrorCode) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code extracts the ErrorCode from an error. If the error is not an *Error,
// it returns CodeInternal.
func Code(err error) ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// From converts any error into an *Error, wrapping unknown errors as
// CodeInternal with a generic message so internals never leak to clients.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, CodeInternal, "Internal server error")
}

// Predefined errors for common scenarios.
var (
	ErrUnauthenticated = New(CodeUnauthenticated, "Unauthorized")
	ErrForbidden       = New(CodePermissionDenied, "Forbidden")
	ErrNotFound        = New(CodeNotFound, "Not found")
	ErrInvalidPath     = New(CodeInvalidPath, "Invalid file path")
	ErrRateLimited     = New(CodeRateLimited, "Too many requests")
)
