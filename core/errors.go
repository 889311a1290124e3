package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error the communication core can produce.
// The set is closed: callers switch on the kind instead of walking an
// inheritance tree.
type ErrorKind int

const (
	// KindValidation: a target was rejected before any socket was opened.
	KindValidation ErrorKind = iota

	// KindConnection: dialing the target failed (refused, unreachable,
	// connect timeout).
	KindConnection

	// KindTimeout: the peer did not produce a complete reply within the
	// configured deadline.
	KindTimeout

	// KindProtocol: a frame was malformed or a handshake reply was not the
	// one the protocol expects.
	KindProtocol

	// KindLifecycle: component misuse (starting twice, stopping something
	// that never ran). Reported synchronously, never retried.
	KindLifecycle

	// KindCommunication: an unexpected internal fault converted at a
	// component boundary so it can be delivered through a result callback.
	KindCommunication
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindLifecycle:
		return "lifecycle"
	case KindCommunication:
		return "communication"
	default:
		return "unknown"
	}
}

// Lifecycle sentinel causes.
var (
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
)

// Error is the single error type shared by all components. It carries the
// operation and target for diagnostics so a failure can be reported to the
// operator as one self-contained message.
type Error struct {
	Kind   ErrorKind
	Op     string // e.g. "lima.send_command", "rtde.negotiate"
	Target string // "host:port" when a network peer is involved
	Err    error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Target != "" {
		msg += " (" + e.Target + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewValidationError reports a bad target before any I/O happened.
func NewValidationError(op string, cause error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: cause}
}

// NewConnectionError reports a failed dial to target.
func NewConnectionError(op, target string, cause error) *Error {
	return &Error{Kind: KindConnection, Op: op, Target: target, Err: cause}
}

// NewTimeoutError reports a missed deadline on an otherwise healthy call.
func NewTimeoutError(op, target string, cause error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Target: target, Err: cause}
}

// NewProtocolError reports a malformed frame or unexpected handshake reply.
func NewProtocolError(op, target string, cause error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Target: target, Err: cause}
}

// NewLifecycleError reports component misuse such as a double Start.
func NewLifecycleError(op string, cause error) *Error {
	return &Error{Kind: KindLifecycle, Op: op, Err: cause}
}

// NewCommunicationError wraps an unexpected fault so it can travel through a
// result callback without terminating the worker that hit it.
func NewCommunicationError(op, target string, cause error) *Error {
	return &Error{Kind: KindCommunication, Op: op, Target: target, Err: cause}
}

// KindOf extracts the ErrorKind from err, or KindCommunication if err is not
// a core error.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindCommunication
}

// IsKind reports whether err is a core error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// IsTimeout reports whether err is a deadline miss.
func IsTimeout(err error) bool { return IsKind(err, KindTimeout) }

// IsConnection reports whether err is a failed dial.
func IsConnection(err error) bool { return IsKind(err, KindConnection) }

// IsProtocol reports whether err is a framing or handshake failure.
func IsProtocol(err error) bool { return IsKind(err, KindProtocol) }

// Recovered converts a recovered panic value into a communication error.
func Recovered(op string, rec any) *Error {
	return NewCommunicationError(op, "", fmt.Errorf("panic: %v", rec))
}
