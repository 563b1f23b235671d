package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/model"
)

// Snapshot computes the portfolio view for a risk evaluation. Prices missing
// from prices fall back to the last mark, then to the entry price. Each
// snapshot also feeds its equity into peak bookkeeping. Loss streaks only
// count a symbol that traded today.
func (l *Ledger) Snapshot(_ context.Context, prices map[string]decimal.Decimal) model.Snapshot {
	now := l.now().UTC()
	hourStart := now.Truncate(time.Hour)
	dayStart := dayOf(now)

	l.mu.RLock()
	snap := model.Snapshot{
		TakenAt:     now,
		Cash:        l.cash,
		RealizedPnL: l.realized,
		Positions:   make(map[string]model.Position, len(l.positions)),
		Prices:      make(map[string]decimal.Decimal, len(l.positions)),
		Activity:    make(map[string]model.SymbolActivity, len(l.activity)),
	}
	for sym, p := range l.positions {
		snap.Positions[sym] = p
		snap.Prices[sym] = l.marks[sym]
	}
	for sym, a := range l.activity {
		// A loss streak lapses at the UTC day roll.
		if a.LastTradeAt.Before(dayStart) {
			a.ConsecutiveLosses = 0
		}
		snap.Activity[sym] = a
	}
	for i := len(l.trades) - 1; i >= 0; i-- {
		ts := l.trades[i].Timestamp
		if ts.Before(dayStart) {
			break
		}
		snap.TradesToday++
		if !ts.Before(hourStart) {
			snap.TradesThisHour++
		}
	}
	l.mu.RUnlock()

	for sym, px := range prices {
		if px.IsPositive() {
			snap.Prices[sym] = px
		}
	}

	snap.Equity = snap.Cash
	snap.Exposure = decimal.Zero
	snap.UnrealizedPnL = decimal.Zero
	for sym, p := range snap.Positions {
		px := snap.Prices[sym]
		if !px.IsPositive() {
			px = p.AvgEntryPrice
			snap.Prices[sym] = px
		}
		notional := p.Notional(px)
		snap.Equity = snap.Equity.Add(notional)
		snap.Exposure = snap.Exposure.Add(notional)
		snap.UnrealizedPnL = snap.UnrealizedPnL.Add(px.Sub(p.AvgEntryPrice).Mul(p.Quantity))
	}
	if snap.Equity.IsPositive() {
		snap.ExposureFraction = snap.Exposure.Div(snap.Equity)
	}

	snap.PeakEquity, snap.DayPeakEquity = l.ObserveEquity(snap.Equity, now)
	snap.Drawdown = drawdown(snap.PeakEquity, snap.Equity)
	snap.DailyDrawdown = drawdown(snap.DayPeakEquity, snap.Equity)
	return snap
}

// ObserveEquity records an equity observation, updating the all-time and
// daily peaks and appending to the equity curve. The daily peak restarts at
// each UTC day boundary. It returns the peaks after the update.
func (l *Ledger) ObserveEquity(equity decimal.Decimal, at time.Time) (peak, dayPeak decimal.Decimal) {
	at = at.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	if day := dayOf(at); !day.Equal(l.day) {
		l.day = day
		l.dayPeak = equity
	}
	if equity.GreaterThan(l.peak) {
		l.peak = equity
	}
	if equity.GreaterThan(l.dayPeak) {
		l.dayPeak = equity
	}
	l.lastEquity = equity

	l.curve = append(l.curve, model.EquityPoint{Equity: equity, At: at})
	if over := len(l.curve) - l.curveSize; over > 0 {
		l.curve = append(l.curve[:0], l.curve[over:]...)
	}
	return l.peak, l.dayPeak
}

// PeakEquity returns the all-time peak equity.
func (l *Ledger) PeakEquity() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.peak
}

// EquityCurve returns a copy of the retained equity observations.
func (l *Ledger) EquityCurve() []model.EquityPoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.EquityPoint, len(l.curve))
	copy(out, l.curve)
	return out
}

// ResetPeak restarts peak tracking from the last observed equity.
func (l *Ledger) ResetPeak() {
	l.mu.Lock()
	equity := l.lastEquity
	l.peak = equity
	l.dayPeak = equity
	l.day = dayOf(l.now())
	l.mu.Unlock()

	l.logger.Info("equity peak reset", "equity", equity.String())
}

// Persist writes peak bookkeeping to the store.
func (l *Ledger) Persist(ctx context.Context) error {
	l.mu.RLock()
	peak, dayPeak, day := l.peak, l.dayPeak, l.day
	l.mu.RUnlock()

	if err := l.store.SaveEquityMarks(ctx, peak, dayPeak, day); err != nil {
		return fmt.Errorf("%w: save equity marks: %w", ErrUnavailable, err)
	}
	return nil
}

func drawdown(peak, equity decimal.Decimal) decimal.Decimal {
	if !peak.IsPositive() || !equity.LessThan(peak) {
		return decimal.Zero
	}
	return peak.Sub(equity).Div(peak)
}

// dayOf truncates t to UTC midnight.
func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
