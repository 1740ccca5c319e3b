// Package fault classifies pipeline errors so callers can branch on a
// structured kind instead of matching message text.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// Unknown covers failures with no better classification.
	Unknown Kind = iota
	// InvalidPayload is a local precondition failure, never retried.
	InvalidPayload
	// Unauthorized means the credential is missing or rejected. It halts
	// the owning component.
	Unauthorized
	// Transient covers network and server hiccups eligible for retry.
	Transient
	// NotReady means an operation was called before its session was ready.
	NotReady
	// UnparseableResponse means the upstream service violated its output
	// contract.
	UnparseableResponse
)

func (k Kind) String() string {
	switch k {
	case InvalidPayload:
		return "invalid_payload"
	case Unauthorized:
		return "unauthorized"
	case Transient:
		return "transient"
	case NotReady:
		return "not_ready"
	case UnparseableResponse:
		return "unparseable_response"
	default:
		return "unknown"
	}
}

// Error is an error carrying a Kind. It wraps an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a kinded error with the given message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving it as a cause.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind carried anywhere in err's chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
