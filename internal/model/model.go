// Package model defines the core domain types shared across the spot engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PositionSide is the holding direction. Shorting is not supported, so a
// symbol is either long or flat.
type PositionSide string

const (
	PositionLong PositionSide = "long"
	PositionFlat PositionSide = "flat"
)

// Position is the open holding for one symbol. There is at most one per
// symbol and Quantity is always positive while it exists.
type Position struct {
	Symbol        string          `json:"symbol" db:"symbol"`
	Side          PositionSide    `json:"side" db:"side"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price" db:"avg_entry_price"`
	StopLoss      decimal.Decimal `json:"stop_loss" db:"stop_loss"`
	TakeProfit    decimal.Decimal `json:"take_profit" db:"take_profit"`
	OpenedAt      time.Time       `json:"opened_at" db:"opened_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Notional returns the position value at price.
func (p Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(price)
}

// Trade is an immutable record of a fill applied to the ledger.
// Once created, these are never modified or deleted.
type Trade struct {
	ID            int64           `json:"id" db:"id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Side          Side            `json:"side" db:"side"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Fee           decimal.Decimal `json:"fee" db:"fee"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"` // zero unless closing
	CorrelationID string          `json:"correlation_id" db:"correlation_id"`
	OrderID       string          `json:"order_id" db:"order_id"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// SignedQuantity returns Quantity for buys and -Quantity for sells.
func (t Trade) SignedQuantity() decimal.Decimal {
	return t.Quantity.Mul(t.Side.Sign())
}

// Fill is a confirmed execution handed to the ledger. The ledger turns it
// into a Trade and updates the matching Position.
type Fill struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	CorrelationID string          `json:"correlation_id"`
	OrderID       string          `json:"order_id"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Account holds the persisted scalar state of the portfolio.
type Account struct {
	Cash          decimal.Decimal `json:"cash" db:"cash"`
	PeakEquity    decimal.Decimal `json:"peak_equity" db:"peak_equity"`
	DayPeakEquity decimal.Decimal `json:"day_peak_equity" db:"day_peak_equity"`
	Day           time.Time       `json:"day" db:"day"` // UTC midnight of the day-peak window
}

// EquityPoint is one observation on the equity curve.
type EquityPoint struct {
	Equity decimal.Decimal `json:"equity"`
	At     time.Time       `json:"at"`
}

// SymbolActivity summarises recent trading on one symbol for the
// frequency and loss-streak rules.
type SymbolActivity struct {
	LastTradeAt       time.Time `json:"last_trade_at"`
	ConsecutiveLosses int       `json:"consecutive_losses"` // trailing losing closes
}

// Snapshot is the derived portfolio view the risk engine evaluates against.
// It is computed on demand and not reused across evaluations.
type Snapshot struct {
	TakenAt          time.Time                  `json:"taken_at"`
	Cash             decimal.Decimal            `json:"cash"`
	Equity           decimal.Decimal            `json:"equity"`
	Exposure         decimal.Decimal            `json:"exposure"`          // Σ position notional
	ExposureFraction decimal.Decimal            `json:"exposure_fraction"` // exposure / equity
	PeakEquity       decimal.Decimal            `json:"peak_equity"`
	DayPeakEquity    decimal.Decimal            `json:"day_peak_equity"`
	Drawdown         decimal.Decimal            `json:"drawdown"`       // fraction of peak
	DailyDrawdown    decimal.Decimal            `json:"daily_drawdown"` // fraction of day peak
	RealizedPnL      decimal.Decimal            `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal            `json:"unrealized_pnl"`
	Positions        map[string]Position        `json:"positions"`
	Prices           map[string]decimal.Decimal `json:"prices"`
	TradesThisHour   int                        `json:"trades_this_hour"`
	TradesToday      int                        `json:"trades_today"`
	Activity         map[string]SymbolActivity  `json:"activity"`
}

// Price returns the mark used for symbol in this snapshot.
func (s Snapshot) Price(symbol string) decimal.Decimal {
	return s.Prices[symbol]
}

// Signal is the typed input produced by the external signal generator.
type Signal struct {
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Strength       float64         `json:"strength"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	CorrelationID  string          `json:"correlation_id,omitempty"` // generated when empty
	Quantity       decimal.Decimal `json:"quantity,omitempty"`       // optional explicit size
}

// Candidate is a proposed, not yet approved order derived from a signal.
type Candidate struct {
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	CorrelationID  string          `json:"correlation_id"`
}

// Notional returns Quantity × ReferencePrice.
func (c Candidate) Notional() decimal.Decimal {
	return c.Quantity.Mul(c.ReferencePrice)
}

// Outcome is the verdict of a risk evaluation.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeResized  Outcome = "resized"
)

// Reason names a violated risk rule.
type Reason string

const (
	ReasonEmergencyStop  Reason = "emergency_stop"
	ReasonTooFrequent    Reason = "too_frequent"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonLossStreak     Reason = "loss_streak"
	ReasonDrawdownBreach Reason = "drawdown_breach"
	ReasonPositionFull   Reason = "position_full"
	ReasonPositionCap    Reason = "position_cap"
	ReasonSingleTrade    Reason = "single_trade_cap"
	ReasonExposureFull   Reason = "exposure_full"
	ReasonExposureCap    Reason = "exposure_cap"
	ReasonBelowMinSize   Reason = "below_min_size"
	ReasonNoPosition     Reason = "no_position"
	ReasonHeldQuantity   Reason = "held_quantity"
)

// Decision is the risk engine's answer for one candidate.
type Decision struct {
	Outcome    Outcome         `json:"outcome"`
	Quantity   decimal.Decimal `json:"quantity"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Reasons    []Reason        `json:"reasons,omitempty"`
}

// Rejected reports whether the decision blocks the trade.
func (d Decision) Rejected() bool {
	return d.Outcome == OutcomeRejected
}
