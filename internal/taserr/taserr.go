// Package taserr defines the error kinds shared across the service, per
// the error handling design: configuration failures are fatal at
// startup, resource exhaustion is surfaced to the requesting
// application, protocol violations drop the offending packet, timeouts
// fail a pending operation, transient would-block conditions are
// retried or dropped with a counter, and assertion failures abort the
// process.
package taserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of propagation policy.
type Kind int

const (
	// KindConfig indicates a fatal configuration error; the process
	// exits at startup.
	KindConfig Kind = iota
	// KindResourceExhaustion indicates a flow id, port, hash slot, or
	// packet-memory allocation failed; surfaced to the requesting
	// application via a negative status.
	KindResourceExhaustion
	// KindProtocolViolation indicates a malformed option or an
	// impossible field value; the packet is dropped.
	KindProtocolViolation
	// KindTimeout indicates an ARP or handshake retry budget was
	// exhausted.
	KindTimeout
	// KindTransientWouldBlock indicates a ring was full; the caller
	// should retry the next iteration.
	KindTransientWouldBlock
	// KindFatal indicates an internal invariant was violated.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindTimeout:
		return "timeout"
	case KindTransientWouldBlock:
		return "transient_would_block"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error with optional structured fields for
// logging.
type Error struct {
	Kind    Kind
	Msg     string
	Cause   error
	Fields  map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, msg string, fields ...Field) *Error {
	e := &Error{Kind: kind, Msg: msg}
	for _, f := range fields {
		f(e)
	}
	return e
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, msg string, fields ...Field) *Error {
	e := New(kind, msg, fields...)
	e.Cause = cause
	return e
}

// Field mutates an *Error under construction; used with New/Wrap.
type Field func(*Error)

// WithField attaches a structured field to the error for logging.
func WithField(key string, value any) Field {
	return func(e *Error) {
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields[key] = value
	}
}

// Is reports whether err is a *taserr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}
