package signaling

import (
	"errors"
	"fmt"
)

// Kind classifies a signaling failure.
type Kind string

const (
	// KindProtocolViolation marks a message that cannot be accepted in the
	// current state or could not be decoded. The session survives.
	KindProtocolViolation Kind = "protocol_violation"

	// The remaining kinds are session-fatal.
	KindMediaEngine         Kind = "media_engine_error"
	KindDescriptionRejected Kind = "description_rejected"
	KindCandidateRejected   Kind = "candidate_rejected"
	KindTransportFailure    Kind = "transport_failure"
)

// Error is a classified signaling failure. Op names the operation that
// failed (e.g. "createOffer", "decode") and Err is the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, ErrProtocolViolation) matches any protocol violation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Sentinels usable with errors.Is to test the kind of a signaling error.
var (
	ErrProtocolViolation   = &Error{Kind: KindProtocolViolation}
	ErrMediaEngine         = &Error{Kind: KindMediaEngine}
	ErrDescriptionRejected = &Error{Kind: KindDescriptionRejected}
	ErrCandidateRejected   = &Error{Kind: KindCandidateRejected}
	ErrTransportFailure    = &Error{Kind: KindTransportFailure}
)

var (
	ErrClosed         = errors.New("session closed")
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotInitiator   = errors.New("only the initiator can renegotiate")
	ErrInvalidState   = errors.New("operation not valid in current state")

	// ErrConnectionFailed is the cause reported when the adapter moves the
	// connection to the failed state.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrConnectionClosed is the cause reported when the adapter closes the
	// connection on its own.
	ErrConnectionClosed = errors.New("connection closed by adapter")
)

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func protocolViolation(op, format string, args ...interface{}) *Error {
	return newError(KindProtocolViolation, op, fmt.Errorf(format, args...))
}

// KindOf returns the Kind of err, or "" when err is not a signaling error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
