// Package apperr defines the error taxonomy shared by every component of the
// gateway. Components raise a *Error with a Kind; callers at the edges (the
// HTTP gateway, the stdio proxy) map Kind to a transport-specific code
// without needing to inspect error strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAlreadyExists   Kind = "already_exists"
	KindNotFound        Kind = "not_found"
	KindForbidden       Kind = "forbidden"
	KindQueueFull       Kind = "queue_full"
	KindTimeout         Kind = "timeout"
	KindCanceled        Kind = "canceled"
	KindTransportClosed Kind = "transport_closed"
	KindUpstreamError   Kind = "upstream_error"
	KindInternal        Kind = "internal"
)

// Error wraps a Kind with a message and an optional upstream JSON-RPC code.
type Error struct {
	Kind    Kind
	Message string
	Code    int // JSON-RPC error code, when Kind == KindUpstreamError; 0 otherwise
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an *Error of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Upstream creates an *Error representing a JSON-RPC error surfaced by an
// upstream connector or agent.
func Upstream(code int, message string) *Error {
	return &Error{Kind: KindUpstreamError, Message: message, Code: code}
}

// Is reports whether err (or any error it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == k
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindInternal when err is
// not an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}
