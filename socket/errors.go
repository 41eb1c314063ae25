package socket

import (
	"errors"
	"strings"
)

// Error kinds. Every *Error carries exactly one of these, so callers can match
// the failure class with errors.Is regardless of the underlying cause.
var (
	// ErrBind reports that a listening socket could not be bound.
	ErrBind = errors.New("bind failed")
	// ErrConnect reports that an outbound connection could not be established.
	ErrConnect = errors.New("connect failed")
	// ErrIO reports a read or write failure, or an unexpected peer close.
	ErrIO = errors.New("socket i/o failed")
	// ErrCancelled is delivered to completion callbacks of writes that were
	// discarded because the connection ended first.
	ErrCancelled = errors.New("write cancelled")
	// ErrClosed reports use of a socket after it was shut down, and is the
	// terminal error readers observe after a clean shutdown.
	ErrClosed = errors.New("socket closed")
)

// ErrConnectInProgress is the cause of the ErrConnect returned when Connect is
// called while another Connect on the same socket is still dialing.
var ErrConnectInProgress = errors.New("connect already in progress")

// Error is the error type returned by every socket operation.
type Error struct {
	// Kind is one of ErrBind, ErrConnect, ErrIO, ErrCancelled or ErrClosed.
	Kind error
	// Op is the operation that failed, e.g. "dial", "listen", "read".
	Op string
	// Addr is the local or remote endpoint involved, if known.
	Addr string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}

	b.WriteString(e.Kind.Error())
	if e.Addr != "" {
		b.WriteString(" (")
		b.WriteString(e.Addr)
		b.WriteString(")")
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

func newError(kind error, op, addr string, err error) *Error {
	return &Error{Kind: kind, Op: op, Addr: addr, Err: err}
}
