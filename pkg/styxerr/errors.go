// Package styxerr implements the typed error taxonomy every user-visible
// Styx failure is reported as: MalformedSegment, ProtocolViolation,
// HandshakeFailed, TeardownFailed and TransportIOError. Each carries a
// kind plus a human-readable detail, wrapped with github.com/pkg/errors so
// the original cause survives for %+v logging.
package styxerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies which branch of the taxonomy an Error belongs to.
type Kind int

const (
	// MalformedSegment: header too short or reserved flag bits set.
	// Dropped silently by the protocol layers; never surfaced to a caller
	// except via diagnostic logging.
	MalformedSegment Kind = iota
	// ProtocolViolation: a legal segment arrived in a state that disallows
	// it. Dropped silently in data states; aborts the handshake driver if
	// encountered in SYN_SENT/SYN_RECEIVED.
	ProtocolViolation
	// HandshakeFailed: timeout or mismatched ack during open.
	HandshakeFailed
	// TeardownFailed: timeout during close. The teardown drivers ignore an
	// ack that does not cover their FIN and fail only when the timeout
	// expires.
	TeardownFailed
	// TransportIOError: underlying datagram send/recv failed other than a
	// timeout.
	TransportIOError
)

func (k Kind) String() string {
	switch k {
	case MalformedSegment:
		return "MalformedSegment"
	case ProtocolViolation:
		return "ProtocolViolation"
	case HandshakeFailed:
		return "HandshakeFailed"
	case TeardownFailed:
		return "TeardownFailed"
	case TransportIOError:
		return "TransportIOError"
	default:
		return "UnknownKind"
	}
}

// Error is the type every user-visible Styx failure is reported as.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an Error of the given kind around an underlying cause. The
// cause is kept reachable via errors.Unwrap/errors.As so a %+v print can
// still walk back to pkg/errors' stack trace on the original.
func Wrap(kind Kind, cause error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, cause: errors.WithStack(cause)}
}

// Is reports whether err is a *Error of the given Kind, looking through any
// wrapping.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
