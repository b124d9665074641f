package apperrors

import (
	"errors"
	"fmt"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Human-readable message
	Metadata map[string]string // Additional context (ids, field names)
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is checks. Matching is by code only.
var (
	ErrNotFound           = New(CodeNotFound, "not found")
	ErrPermissionDenied   = New(CodePermissionDenied, "permission denied")
	ErrInvalidTransition  = New(CodeInvalidTransition, "invalid status transition")
	ErrInvariantViolation = New(CodeInvariantViolation, "invariant violation")
	ErrValidation         = New(CodeValidation, "validation failed")
)

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithMetadata creates a domain error with metadata for the UI layer.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf returns the code of the first *Error in err's chain,
// or CodeUnknown when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// MetadataOf returns the metadata of the first *Error in err's chain.
func MetadataOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Metadata
	}
	return nil
}

// NotFoundf is shorthand for Newf(CodeNotFound, ...).
func NotFoundf(format string, args ...any) *Error {
	return Newf(CodeNotFound, format, args...)
}

// PermissionDeniedf is shorthand for Newf(CodePermissionDenied, ...).
func PermissionDeniedf(format string, args ...any) *Error {
	return Newf(CodePermissionDenied, format, args...)
}

// InvalidTransitionf is shorthand for Newf(CodeInvalidTransition, ...).
func InvalidTransitionf(format string, args ...any) *Error {
	return Newf(CodeInvalidTransition, format, args...)
}

// InvariantViolationf is shorthand for Newf(CodeInvariantViolation, ...).
func InvariantViolationf(format string, args ...any) *Error {
	return Newf(CodeInvariantViolation, format, args...)
}

// Validationf is shorthand for Newf(CodeValidation, ...).
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}
