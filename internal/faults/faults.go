// Package faults defines the error taxonomy shared by the collector's
// components. Each component boundary wraps its failures in an [*Error]
// tagged with a [Kind], so the supervisor can log (and, if it ever needs
// to, treat differently) a connection failure versus a storage failure
// without string matching.
package faults

import (
	"errors"
	"fmt"
)

// Kind identifies which stage of ingestion produced an error.
type Kind int

const (
	// Unknown is the kind reported for errors that did not pass through
	// a component boundary.
	Unknown Kind = iota
	// Startup marks a storage or schema failure at process start. It is
	// the only kind that terminates the process.
	Startup
	// Connection marks a failed transport dial or protocol handshake.
	Connection
	// Subscription marks a rejected or failed topic subscription.
	Subscription
	// Receive marks a closed or broken inbound message stream.
	Receive
	// Decode marks a payload that is not valid text.
	Decode
	// Storage marks a failed append to the durable store.
	Storage
)

// String returns the lowercase name used in log fields and metric labels.
func (k Kind) String() string {
	switch k {
	case Startup:
		return "startup"
	case Connection:
		return "connection"
	case Subscription:
		return "subscription"
	case Receive:
		return "receive"
	case Decode:
		return "decode"
	case Storage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is a failure tagged with the stage that produced it.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "connect" or "append"
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err with kind and op. It returns nil when err is nil so it
// can wrap a call's result directly.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is shorthand for Wrap(kind, op, fmt.Errorf(format, args...)).
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost [*Error] in err's chain, or
// [Unknown] if there is none.
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
