// Package risk gates candidate orders against portfolio limits.
//
// Evaluate is a pure function of (candidate, snapshot, config). Rules run in
// a fixed order: emergency stop, trade frequency, loss streak, drawdown,
// per-symbol cap, single-trade cap, total exposure, lot rounding, then
// stop-loss and take-profit levels. Hard limits reject; soft limits resize
// the quantity down and record the reason.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/model"
)

// Engine evaluates candidates against the config published by Settings.
type Engine struct {
	settings *Settings
}

// NewEngine creates an engine reading limits from s.
func NewEngine(s *Settings) *Engine {
	return &Engine{settings: s}
}

// Evaluate runs the rules against the current config.
func (e *Engine) Evaluate(c model.Candidate, snap model.Snapshot) model.Decision {
	return Evaluate(c, snap, e.settings.Current())
}

// Halted reports whether the emergency stop is set.
func (e *Engine) Halted() bool {
	return e.settings.Halted()
}

// Halt sets the emergency stop.
func (e *Engine) Halt(reason string) { e.settings.Halt(reason) }

// Resume clears the emergency stop.
func (e *Engine) Resume() { e.settings.Resume() }

// OnHaltChange registers fn on the underlying Settings.
func (e *Engine) OnHaltChange(fn func(halted bool, reason string)) { e.settings.OnHaltChange(fn) }

func reject(reason model.Reason) model.Decision {
	return model.Decision{
		Outcome:  model.OutcomeRejected,
		Quantity: decimal.Zero,
		Reasons:  []model.Reason{reason},
	}
}

// Evaluate decides whether candidate c may trade given snap and cfg.
func Evaluate(c model.Candidate, snap model.Snapshot, cfg Config) model.Decision {
	if cfg.EmergencyStop {
		return reject(model.ReasonEmergencyStop)
	}

	act := snap.Activity[c.Symbol]
	if interval := cfg.MinTradeInterval.Std(); interval > 0 && !act.LastTradeAt.IsZero() &&
		snap.TakenAt.Sub(act.LastTradeAt) < interval {
		return reject(model.ReasonTooFrequent)
	}
	if snap.TradesThisHour >= cfg.MaxTradesPerHour || snap.TradesToday >= cfg.MaxTradesPerDay {
		return reject(model.ReasonRateLimited)
	}

	price := c.ReferencePrice
	if !price.IsPositive() {
		price = snap.Price(c.Symbol)
	}
	if !price.IsPositive() {
		return reject(model.ReasonBelowMinSize)
	}
	if c.Side == model.SideSell {
		return evaluateSell(c, snap, cfg, price)
	}
	if !c.Quantity.IsPositive() {
		return reject(model.ReasonBelowMinSize)
	}

	if act.ConsecutiveLosses >= cfg.ConsecutiveLossLimit {
		return reject(model.ReasonLossStreak)
	}
	if snap.DailyDrawdown.GreaterThanOrEqual(frac(cfg.MaxDailyDrawdown)) ||
		snap.Drawdown.GreaterThanOrEqual(frac(cfg.MaxTotalDrawdown)) {
		return reject(model.ReasonDrawdownBreach)
	}

	qty := c.Quantity
	var reasons []model.Reason
	capTo := func(limit decimal.Decimal, reason model.Reason) {
		if qty.Mul(price).GreaterThan(limit) {
			qty = limit.Div(price)
			reasons = append(reasons, reason)
		}
	}

	// Per-symbol cap.
	held := decimal.Zero
	if p, ok := snap.Positions[c.Symbol]; ok {
		mark := snap.Price(c.Symbol)
		if !mark.IsPositive() {
			mark = price
		}
		held = p.Notional(mark)
	}
	remaining := snap.Equity.Mul(frac(cfg.PositionCap(c.Symbol))).Sub(held)
	if !remaining.IsPositive() {
		return reject(model.ReasonPositionFull)
	}
	capTo(remaining, model.ReasonPositionCap)

	// Single trade cap.
	capTo(snap.Equity.Mul(frac(cfg.MaxSingleTradeSize)), model.ReasonSingleTrade)

	// Portfolio exposure headroom.
	headroom := snap.Equity.Mul(frac(cfg.MaxTotalExposure)).Sub(snap.Exposure)
	if !headroom.IsPositive() {
		return reject(model.ReasonExposureFull)
	}
	capTo(headroom, model.ReasonExposureCap)

	outcome := model.OutcomeApproved
	if len(reasons) > 0 {
		outcome = model.OutcomeResized
		qty = floorToLot(qty, frac(cfg.LotSize(c.Symbol)))
	}
	if qty.LessThan(frac(cfg.MinLotSize)) {
		return reject(model.ReasonBelowMinSize)
	}

	stop, take := levels(model.SideBuy, price, c.Symbol, cfg)
	return model.Decision{
		Outcome:    outcome,
		Quantity:   qty,
		StopLoss:   stop,
		TakeProfit: take,
		Reasons:    reasons,
	}
}

// evaluateSell handles sell-to-flat. Sells reduce risk, so only the held
// quantity bounds them.
func evaluateSell(c model.Candidate, snap model.Snapshot, cfg Config, price decimal.Decimal) model.Decision {
	p, ok := snap.Positions[c.Symbol]
	if !ok || !p.Quantity.IsPositive() {
		return reject(model.ReasonNoPosition)
	}

	if !c.Quantity.IsPositive() {
		return reject(model.ReasonBelowMinSize)
	}

	d := model.Decision{Outcome: model.OutcomeApproved, Quantity: c.Quantity}
	if c.Quantity.GreaterThan(p.Quantity) {
		d.Outcome = model.OutcomeResized
		d.Quantity = p.Quantity
		d.Reasons = []model.Reason{model.ReasonHeldQuantity}
	}
	if d.Quantity.LessThan(frac(cfg.MinLotSize)) {
		return reject(model.ReasonBelowMinSize)
	}
	d.StopLoss, d.TakeProfit = levels(model.SideSell, price, c.Symbol, cfg)
	return d
}

// levels returns stop-loss and take-profit prices around entry. For buys the
// stop sits below entry; for sells it sits above.
func levels(side model.Side, entry decimal.Decimal, symbol string, cfg Config) (stop, take decimal.Decimal) {
	stopMult, takeMult := cfg.Multipliers(symbol)
	stopDist := frac(cfg.StopLossPct).Mul(frac(stopMult))
	takeDist := frac(cfg.TakeProfitPct).Mul(frac(takeMult))

	one := decimal.NewFromInt(1)
	if side == model.SideSell {
		return entry.Mul(one.Add(stopDist)), entry.Mul(one.Sub(takeDist))
	}
	return entry.Mul(one.Sub(stopDist)), entry.Mul(one.Add(takeDist))
}

func floorToLot(qty, lot decimal.Decimal) decimal.Decimal {
	if !lot.IsPositive() {
		return qty
	}
	return qty.Div(lot).Floor().Mul(lot)
}

func frac(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
