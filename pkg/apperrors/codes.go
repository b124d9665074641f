// Package apperrors provides the typed error taxonomy shared by the
// matchmaking core. Every failure a caller can act on carries a Code.
package apperrors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown marks errors that did not originate in the core.
	CodeUnknown Code = "UNKNOWN"

	// CodeNotFound means a user, session or membership does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodePermissionDenied means the actor lacks the role the operation needs.
	CodePermissionDenied Code = "PERMISSION_DENIED"
	// CodeInvalidTransition means the session status forbids the change.
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	// CodeInvariantViolation means the change would break a membership invariant.
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"
	// CodeValidation covers confirmation mismatches and out-of-range input.
	CodeValidation Code = "VALIDATION"
)

// Recoverable reports whether the caller should simply re-prompt the user.
func (c Code) Recoverable() bool {
	return c == CodeValidation || c == CodePermissionDenied
}

// HTTPStatus maps a code to the status the HTTP adapter responds with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeInvalidTransition, CodeInvariantViolation:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
