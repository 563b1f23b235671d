// Package store defines the persistence interface for the position ledger.
// Implementations include PostgreSQL and SQLite (relational table pair plus
// an account row), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/model"
)

var (
	// ErrDuplicateCorrelation is returned by CommitTrade when a trade with the
	// same correlation id is already in the trade log.
	ErrDuplicateCorrelation = errors.New("store: correlation id already committed")

	// ErrAccountNotFound is returned by LoadAccount before InitAccount ran.
	ErrAccountNotFound = errors.New("store: account not initialised")
)

// Commit is one atomic ledger write: the trade row, the resulting position
// state for its symbol, and the cash movement.
type Commit struct {
	Trade model.Trade

	// Position is the symbol's position after the trade. Nil means the
	// position was closed and must be removed.
	Position *model.Position

	// CashDelta is added to the account cash balance.
	CashDelta decimal.Decimal
}

// Store is the durable ledger backend. Every method must be safe for
// concurrent use; CommitTrade must be atomic.
type Store interface {
	// --- Account ---

	// InitAccount creates the account with the given starting cash. It is a
	// no-op when the account already exists.
	InitAccount(ctx context.Context, cash decimal.Decimal) error

	// LoadAccount returns the persisted account state.
	LoadAccount(ctx context.Context) (*model.Account, error)

	// SaveEquityMarks persists peak bookkeeping.
	SaveEquityMarks(ctx context.Context, peak, dayPeak decimal.Decimal, day time.Time) error

	// --- Positions and trade log ---

	// ListPositions returns all open positions.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// ListTrades returns the full trade log ordered by trade id.
	ListTrades(ctx context.Context) ([]model.Trade, error)

	// CommitTrade appends the trade, upserts or deletes the position and
	// applies the cash delta in one transaction. It returns
	// ErrDuplicateCorrelation when the correlation id is already present.
	CommitTrade(ctx context.Context, c Commit) error
}
