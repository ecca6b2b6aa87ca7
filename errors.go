package millrt

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why an operation failed. It mirrors libmill's errno
// taxonomy (OutOfMemory->ENOMEM, Timeout->ETIMEDOUT, Closed->EPIPE, ...)
// without committing to a specific platform's error numbers.
type Kind int

const (
	// KindNone is the zero value; never returned by a failed operation.
	KindNone Kind = iota
	KindOutOfMemory
	KindInvalidArgument
	KindBadDescriptor
	KindTimeout
	KindClosed
	KindBusy
	KindAlreadyExists
	KindDeadlock
	KindCancelled
	KindProgramBug
)

func (k Kind) String() string {
	switch k {
	case KindOutOfMemory:
		return "out of memory"
	case KindInvalidArgument:
		return "invalid argument"
	case KindBadDescriptor:
		return "bad descriptor"
	case KindTimeout:
		return "timeout"
	case KindClosed:
		return "closed"
	case KindBusy:
		return "busy"
	case KindAlreadyExists:
		return "already exists"
	case KindDeadlock:
		return "deadlock"
	case KindCancelled:
		return "cancelled"
	case KindProgramBug:
		return "program bug"
	default:
		return "none"
	}
}

// Error is the error type returned by every fallible millrt operation.
// Op names the operation that failed (e.g. "chan.send", "fd.read") so
// that wrapped causes stay attributable once they propagate past this
// package's boundary.
type Error struct {
	Kind  Kind
	Op    string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("millrt: %s: %s: %v", e.Op, e.Kind, e.cause)
	}
	return fmt.Sprintf("millrt: %s: %s", e.Op, e.Kind)
}

// Unwrap lets errors.Is/errors.As see through to the underlying syscall
// or library error. Error has no Cause method, so github.com/pkg/errors.Cause
// stops at the *Error itself.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, millrt.ErrTimeout) instead of type-asserting.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// newErr builds an *Error, wrapping cause (if any) with github.com/pkg/errors
// so a stack trace is attached the first time a cause crosses into millrt.
func newErr(op string, kind Kind, cause error) *Error {
	if cause != nil {
		cause = errors.Wrap(cause, op)
	}
	return &Error{Kind: kind, Op: op, cause: cause}
}

// Sentinel errors for use with errors.Is(err, millrt.ErrXxx). Each wraps
// Kind alone (no op, no cause) purely as a comparison target.
var (
	ErrOutOfMemory     = &Error{Kind: KindOutOfMemory}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrBadDescriptor   = &Error{Kind: KindBadDescriptor}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrClosed          = &Error{Kind: KindClosed}
	ErrBusy            = &Error{Kind: KindBusy}
	ErrAlreadyExists   = &Error{Kind: KindAlreadyExists}
	ErrDeadlock        = &Error{Kind: KindDeadlock}
	ErrCancelled       = &Error{Kind: KindCancelled}
)

// programBug panics after logging: ProgramBug is fatal because it
// signals memory-safety-sensitive misuse (e.g. two fibers waiting on
// the same fd event), not a recoverable condition.
func programBug(op string, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logProgramBug(op, msg)
	panic(&Error{Kind: KindProgramBug, Op: op, cause: errors.New(msg)})
}
