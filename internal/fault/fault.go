// Package fault defines the error kinds shared across components and their
// mapping to HTTP statuses. Producers attach a kind once at their boundary;
// handlers branch on the kind, never on message text.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	// Internal is the catch-all; details stay in logs keyed by request ID.
	Internal Kind = iota
	InvalidRequest
	Unauthenticated
	Forbidden
	Expired
	BadSignature
	WrongIssuer
	BackendUnavailable
	NoCapacity
	NotFound
	Conflict
	Timeout
)

// String returns the stable wire code for the kind.
func (k Kind) String() string {
	switch k {
	case InvalidRequest:
		return "invalid_request"
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case Expired:
		return "expired"
	case BadSignature:
		return "bad_signature"
	case WrongIssuer:
		return "wrong_issuer"
	case BackendUnavailable:
		return "backend_unavailable"
	case NoCapacity:
		return "no_capacity"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Timeout:
		return "timeout"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind to its response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidRequest:
		return http.StatusBadRequest
	case Unauthenticated, Expired, BadSignature, WrongIssuer:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case BackendUnavailable:
		return http.StatusServiceUnavailable
	case NoCapacity, Conflict:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a kind alongside a message and an optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a fault with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
