// Package engerr defines the engine's closed error-kind taxonomy.
// Components distinguish outcomes by inspecting a Kind, never by catching
// broad error families or reflecting on a concrete type — see KindOf below.
package engerr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error kinds the engine ever produces.
type Kind string

const (
	Validation        Kind = "validation"
	NotFound          Kind = "not_found"
	IllegalTransition Kind = "illegal_transition"
	WrongAgent        Kind = "wrong_agent"
	StaleVersion      Kind = "stale_version"
	PermissionDenied  Kind = "permission_denied"
	TransportError    Kind = "transport_error"
	Fatal             Kind = "fatal"
)

// Error is the engine's uniform error type. Every error the engine returns
// across a component boundary is an *Error, so callers switch on Kind
// instead of errors.As-ing a family of concrete types.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind, preserving cause for
// errors.Unwrap / errors.Is chains.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// PermissionDeniedf builds the specific PermissionDenied error used by the
// Guardian, with message "authority level <required> required, <given> given".
func PermissionDeniedf(required, given int) *Error {
	return New(PermissionDenied, "authority level %d required, %d given", required, given)
}
