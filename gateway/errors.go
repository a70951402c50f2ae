package gateway

import (
	"fmt"
	"net/http"
)

// Category partitions pipeline failures by who is at fault and what the
// relay can do about them.
type Category string

const (
	// CategoryStructural marks a malformed claim. Never retried.
	CategoryStructural Category = "structural"
	// CategoryAuthentication marks a bad or missing signature.
	CategoryAuthentication Category = "authentication"
	// CategoryAuthorization marks an unregistered, slashed, under-staked, or
	// under-reputed listener.
	CategoryAuthorization Category = "authorization"
	// CategoryVerification marks a claim that does not match the chain:
	// payment not found, mismatched fields, insufficient confirmations.
	CategoryVerification Category = "verification"
	// CategoryInternal marks anything unanticipated. The response body
	// withholds internals; the log carries them.
	CategoryInternal Category = "internal"
)

// Error is a terminal pipeline failure. Reason is shown to the relay so it
// can self-diagnose, except for internal errors.
type Error struct {
	Category Category
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Reason)
}

// HTTPStatus maps the failure category onto the wire status code.
func (e *Error) HTTPStatus() int {
	switch e.Category {
	case CategoryStructural, CategoryVerification:
		return http.StatusBadRequest
	case CategoryAuthentication:
		return http.StatusUnauthorized
	case CategoryAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// PublicReason is what the relay sees. Internal failures are masked.
func (e *Error) PublicReason() string {
	if e.Category == CategoryInternal {
		return "internal error"
	}
	return e.Reason
}

func failf(category Category, format string, args ...any) *Error {
	return &Error{Category: category, Reason: fmt.Sprintf(format, args...)}
}
