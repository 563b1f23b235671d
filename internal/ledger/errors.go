package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrConflict is returned by Apply when the fill's correlation id was
	// already committed. Callers settling a workflow treat it as success.
	ErrConflict = errors.New("ledger: correlation id already applied")

	// ErrUnavailable wraps durable-store failures. In-memory state is left
	// unchanged when it is returned.
	ErrUnavailable = errors.New("ledger: storage unavailable")

	// ErrInvalidFill is returned for fills with missing or non-positive fields.
	ErrInvalidFill = errors.New("ledger: invalid fill")
)

// InvariantError reports a fill that would break position accounting, such
// as selling more than is held.
type InvariantError struct {
	Symbol    string
	Held      decimal.Decimal
	Requested decimal.Decimal
	Msg       string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger: invariant violated for %s: %s (held %s, requested %s)",
		e.Symbol, e.Msg, e.Held, e.Requested)
}
