// Package ledger is the single write path for positions and the trade log.
//
// State lives in memory and is written through to a store.Store. Applies on
// the same symbol are serialised by a per-symbol mutex; different symbols
// proceed in parallel. The shared read lock is only held long enough to copy
// or swap state, never across a store call.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/model"
	"github.com/atmx/spot-engine/internal/store"
)

const defaultCurveSize = 10000

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for snapshots and unstamped fills.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithCurveSize caps the number of retained equity curve points.
func WithCurveSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.curveSize = n
		}
	}
}

// Ledger tracks open positions, the trade log, cash and peak equity.
type Ledger struct {
	store     store.Store
	logger    *slog.Logger
	now       func() time.Time
	curveSize int

	lockMu   sync.Mutex
	symLocks map[string]*sync.Mutex

	nextID atomic.Int64

	mu         sync.RWMutex
	cash       decimal.Decimal
	realized   decimal.Decimal
	positions  map[string]model.Position
	trades     []model.Trade
	committed  map[string]int // correlation id -> index into trades
	marks      map[string]decimal.Decimal
	activity   map[string]model.SymbolActivity
	peak       decimal.Decimal
	dayPeak    decimal.Decimal
	day        time.Time
	lastEquity decimal.Decimal
	curve      []model.EquityPoint
}

// New creates an empty ledger backed by st. Call Load to recover persisted
// state before use.
func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     st,
		logger:    slog.Default(),
		now:       time.Now,
		curveSize: defaultCurveSize,
		symLocks:  make(map[string]*sync.Mutex),
		positions: make(map[string]model.Position),
		committed: make(map[string]int),
		marks:     make(map[string]decimal.Decimal),
		activity:  make(map[string]model.SymbolActivity),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load replaces in-memory state with the store's account, positions and
// trade log, then verifies that they agree.
func (l *Ledger) Load(ctx context.Context) error {
	acct, err := l.store.LoadAccount(ctx)
	if err != nil {
		return fmt.Errorf("%w: load account: %w", ErrUnavailable, err)
	}
	positions, err := l.store.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("%w: list positions: %w", ErrUnavailable, err)
	}
	trades, err := l.store.ListTrades(ctx)
	if err != nil {
		return fmt.Errorf("%w: list trades: %w", ErrUnavailable, err)
	}

	l.mu.Lock()
	l.cash = acct.Cash
	l.peak = acct.PeakEquity
	l.dayPeak = acct.DayPeakEquity
	l.day = acct.Day
	l.lastEquity = acct.Cash
	l.realized = decimal.Zero
	l.positions = make(map[string]model.Position, len(positions))
	for _, p := range positions {
		l.positions[p.Symbol] = p
	}
	l.trades = trades
	l.committed = make(map[string]int, len(trades))
	l.marks = make(map[string]decimal.Decimal)
	l.activity = make(map[string]model.SymbolActivity)
	var maxID int64
	for i, t := range trades {
		l.committed[t.CorrelationID] = i
		l.marks[t.Symbol] = t.Price
		l.activity[t.Symbol] = nextActivity(l.activity[t.Symbol], t)
		l.realized = l.realized.Add(t.RealizedPnL)
		if t.ID > maxID {
			maxID = t.ID
		}
	}
	l.mu.Unlock()

	l.nextID.Store(maxID)

	if err := l.Verify(); err != nil {
		return err
	}
	l.logger.Info("ledger loaded",
		"positions", len(positions),
		"trades", len(trades),
		"cash", acct.Cash.String(),
	)
	return nil
}

// Apply records a confirmed fill. It returns the resulting trade, ErrConflict
// when the correlation id was already applied, *InvariantError when the fill
// would oversell, or an error wrapping ErrUnavailable when the durable write
// fails.
func (l *Ledger) Apply(ctx context.Context, fill model.Fill) (*model.Trade, error) {
	if err := validateFill(fill); err != nil {
		return nil, err
	}

	unlock := l.lockSymbol(fill.Symbol)
	defer unlock()

	l.mu.RLock()
	_, dup := l.committed[fill.CorrelationID]
	pos, held := l.positions[fill.Symbol]
	l.mu.RUnlock()

	if dup {
		return nil, ErrConflict
	}

	ts := fill.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	ts = ts.UTC()

	trade := model.Trade{
		Symbol:        fill.Symbol,
		Side:          fill.Side,
		Quantity:      fill.Quantity,
		Price:         fill.Price,
		Fee:           fill.Fee,
		RealizedPnL:   decimal.Zero,
		CorrelationID: fill.CorrelationID,
		OrderID:       fill.OrderID,
		Timestamp:     ts,
	}

	var next *model.Position
	var cashDelta decimal.Decimal
	notional := fill.Quantity.Mul(fill.Price)

	switch fill.Side {
	case model.SideBuy:
		p := model.Position{
			Symbol:        fill.Symbol,
			Side:          model.PositionLong,
			Quantity:      fill.Quantity,
			AvgEntryPrice: fill.Price,
			StopLoss:      fill.StopLoss,
			TakeProfit:    fill.TakeProfit,
			OpenedAt:      ts,
			UpdatedAt:     ts,
		}
		if held {
			qty := pos.Quantity.Add(fill.Quantity)
			p.Quantity = qty
			p.AvgEntryPrice = pos.Quantity.Mul(pos.AvgEntryPrice).Add(notional).Div(qty)
			p.OpenedAt = pos.OpenedAt
			if fill.StopLoss.IsZero() {
				p.StopLoss = pos.StopLoss
			}
			if fill.TakeProfit.IsZero() {
				p.TakeProfit = pos.TakeProfit
			}
		}
		next = &p
		cashDelta = notional.Add(fill.Fee).Neg()

	case model.SideSell:
		if !held {
			return nil, &InvariantError{
				Symbol: fill.Symbol, Held: decimal.Zero, Requested: fill.Quantity,
				Msg: "sell without an open position",
			}
		}
		if fill.Quantity.GreaterThan(pos.Quantity) {
			return nil, &InvariantError{
				Symbol: fill.Symbol, Held: pos.Quantity, Requested: fill.Quantity,
				Msg: "sell exceeds held quantity",
			}
		}
		trade.RealizedPnL = fill.Price.Sub(pos.AvgEntryPrice).Mul(fill.Quantity).Sub(fill.Fee)
		if remaining := pos.Quantity.Sub(fill.Quantity); remaining.IsPositive() {
			p := pos
			p.Quantity = remaining
			p.UpdatedAt = ts
			next = &p
		}
		cashDelta = notional.Sub(fill.Fee)
	}

	trade.ID = l.nextID.Add(1)

	err := l.store.CommitTrade(ctx, store.Commit{Trade: trade, Position: next, CashDelta: cashDelta})
	if errors.Is(err, store.ErrDuplicateCorrelation) {
		return nil, ErrConflict
	}
	if err != nil {
		l.logger.Error("ledger commit failed",
			"correlation_id", fill.CorrelationID,
			"symbol", fill.Symbol,
			"err", err,
		)
		return nil, fmt.Errorf("%w: commit trade %s: %w", ErrUnavailable, fill.CorrelationID, err)
	}

	l.mu.Lock()
	if next == nil {
		delete(l.positions, fill.Symbol)
	} else {
		l.positions[fill.Symbol] = *next
	}
	l.insertTrade(trade)
	l.cash = l.cash.Add(cashDelta)
	l.realized = l.realized.Add(trade.RealizedPnL)
	l.marks[fill.Symbol] = fill.Price
	l.activity[fill.Symbol] = nextActivity(l.activity[fill.Symbol], trade)
	l.mu.Unlock()

	l.logger.Info("trade applied",
		"trade_id", trade.ID,
		"correlation_id", trade.CorrelationID,
		"symbol", trade.Symbol,
		"side", string(trade.Side),
		"qty", trade.Quantity.String(),
		"price", trade.Price.String(),
		"realized_pnl", trade.RealizedPnL.String(),
	)
	return &trade, nil
}

// insertTrade keeps the trade log ordered by id. Caller holds l.mu.
func (l *Ledger) insertTrade(t model.Trade) {
	l.trades = append(l.trades, t)
	n := len(l.trades)
	if n > 1 && l.trades[n-2].ID > t.ID {
		sort.SliceStable(l.trades, func(i, j int) bool { return l.trades[i].ID < l.trades[j].ID })
		for i, tr := range l.trades {
			l.committed[tr.CorrelationID] = i
		}
		return
	}
	l.committed[t.CorrelationID] = n - 1
}

// lockSymbol acquires the per-symbol apply mutex and returns its release.
func (l *Ledger) lockSymbol(symbol string) func() {
	l.lockMu.Lock()
	m, ok := l.symLocks[symbol]
	if !ok {
		m = &sync.Mutex{}
		l.symLocks[symbol] = m
	}
	l.lockMu.Unlock()

	m.Lock()
	return m.Unlock
}

func validateFill(f model.Fill) error {
	switch {
	case f.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidFill)
	case !f.Side.Valid():
		return fmt.Errorf("%w: unknown side %q", ErrInvalidFill, f.Side)
	case !f.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidFill)
	case !f.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", ErrInvalidFill)
	case f.Fee.IsNegative():
		return fmt.Errorf("%w: fee must not be negative", ErrInvalidFill)
	case f.CorrelationID == "":
		return fmt.Errorf("%w: correlation id is required", ErrInvalidFill)
	}
	return nil
}

// nextActivity folds t into the symbol's activity. Losing sells extend the
// loss streak, profitable sells reset it, buys leave it alone.
func nextActivity(a model.SymbolActivity, t model.Trade) model.SymbolActivity {
	if t.Timestamp.After(a.LastTradeAt) {
		a.LastTradeAt = t.Timestamp
	}
	if t.Side == model.SideSell {
		if t.RealizedPnL.IsNegative() {
			a.ConsecutiveLosses++
		} else {
			a.ConsecutiveLosses = 0
		}
	}
	return a
}

// --- Reads ---

// Committed reports whether a trade with correlationID is in the log.
func (l *Ledger) Committed(correlationID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.committed[correlationID]
	return ok
}

// TradeByCorrelation returns the committed trade for correlationID.
func (l *Ledger) TradeByCorrelation(correlationID string) (model.Trade, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.committed[correlationID]
	if !ok {
		return model.Trade{}, false
	}
	return l.trades[i], true
}

// Position returns the open position for symbol.
func (l *Ledger) Position(symbol string) (model.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[symbol]
	return p, ok
}

// Positions returns all open positions sorted by symbol.
func (l *Ledger) Positions() []model.Position {
	l.mu.RLock()
	positions := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		positions = append(positions, p)
	}
	l.mu.RUnlock()

	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions
}

// Trades returns up to limit of the most recent trades in id order. An empty
// symbol matches every symbol; limit <= 0 means no limit.
func (l *Ledger) Trades(symbol string, limit int) []model.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.Trade
	for i := len(l.trades) - 1; i >= 0; i-- {
		t := l.trades[i]
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Mark records the latest known price for symbol. Snapshots fall back to
// marks for symbols missing from the supplied price map.
func (l *Ledger) Mark(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	l.mu.Lock()
	l.marks[symbol] = price
	l.mu.Unlock()
}

// Verify replays the trade log and checks that every symbol's signed trade
// quantity equals its open position quantity.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sums := make(map[string]decimal.Decimal)
	for _, t := range l.trades {
		sums[t.Symbol] = sums[t.Symbol].Add(t.SignedQuantity())
	}
	for sym, p := range l.positions {
		if !p.Quantity.IsPositive() {
			return &InvariantError{Symbol: sym, Held: p.Quantity, Requested: decimal.Zero,
				Msg: "open position with non-positive quantity"}
		}
		if !sums[sym].Equal(p.Quantity) {
			return &InvariantError{Symbol: sym, Held: p.Quantity, Requested: sums[sym],
				Msg: "trade log does not sum to position"}
		}
	}
	for sym, sum := range sums {
		if _, open := l.positions[sym]; !open && !sum.IsZero() {
			return &InvariantError{Symbol: sym, Held: decimal.Zero, Requested: sum,
				Msg: "trade log leaves a quantity with no open position"}
		}
	}
	return nil
}
