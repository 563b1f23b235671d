package execution

import (
	"errors"
	"fmt"
)

// ErrUnknownOrder is wrapped by Lookup when the venue has no order for a
// client order id.
var ErrUnknownOrder = errors.New("execution: unknown order")

// Kind classifies an adapter failure.
type Kind int

const (
	// Transient failures may succeed on retry: timeouts, rate limits,
	// venue 5xx responses, an open circuit.
	Transient Kind = iota + 1
	// Permanent failures will not succeed on retry: insufficient balance,
	// invalid symbol, rejected order.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// Error is the only error type adapters return.
type Error struct {
	Kind   Kind
	Op     string // place, status, cancel
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("execution %s (%s)", e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable failure of op.
func NewTransient(op string, err error) *Error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

// NewPermanent reports a non-retryable failure of op.
func NewPermanent(op, reason string, err error) *Error {
	return &Error{Kind: Permanent, Op: op, Reason: reason, Err: err}
}

// IsTransient reports whether err is a transient adapter error.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Transient
}

// IsPermanent reports whether err is a permanent adapter error.
func IsPermanent(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Permanent
}
