package risk_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/model"
	"github.com/atmx/spot-engine/internal/risk"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func f64(f float64) *float64 { return &f }

var t0 = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

// flatSnapshot is an all-cash portfolio with the given equity.
func flatSnapshot(equity float64) model.Snapshot {
	return model.Snapshot{
		TakenAt:          t0,
		Cash:             d(equity),
		Equity:           d(equity),
		Exposure:         decimal.Zero,
		ExposureFraction: decimal.Zero,
		PeakEquity:       d(equity),
		DayPeakEquity:    d(equity),
		Drawdown:         decimal.Zero,
		DailyDrawdown:    decimal.Zero,
		Positions:        map[string]model.Position{},
		Prices:           map[string]decimal.Decimal{},
		Activity:         map[string]model.SymbolActivity{},
	}
}

func withPosition(s model.Snapshot, symbol string, qty, price float64) model.Snapshot {
	s.Positions[symbol] = model.Position{
		Symbol: symbol, Side: model.PositionLong,
		Quantity: d(qty), AvgEntryPrice: d(price),
	}
	s.Prices[symbol] = d(price)
	s.Exposure = s.Exposure.Add(d(qty * price))
	return s
}

func buy(symbol string, qty, price float64) model.Candidate {
	return model.Candidate{
		Symbol: symbol, Side: model.SideBuy,
		Quantity: d(qty), ReferencePrice: d(price), CorrelationID: "c-1",
	}
}

func sell(symbol string, qty, price float64) model.Candidate {
	c := buy(symbol, qty, price)
	c.Side = model.SideSell
	return c
}

func assertRejected(t *testing.T, dec model.Decision, want model.Reason) {
	t.Helper()
	if dec.Outcome != model.OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected (%s)", dec.Outcome, want)
	}
	if len(dec.Reasons) != 1 || dec.Reasons[0] != want {
		t.Errorf("reasons = %v, want [%s]", dec.Reasons, want)
	}
	if !dec.Quantity.IsZero() {
		t.Errorf("rejected quantity = %s, want 0", dec.Quantity)
	}
}

func hasReason(dec model.Decision, r model.Reason) bool {
	for _, got := range dec.Reasons {
		if got == r {
			return true
		}
	}
	return false
}

// --- Sizing ---

func TestEvaluate_ApprovedWithinLimits(t *testing.T) {
	dec := risk.Evaluate(buy("BTCUSDT", 0.002, 50000), flatSnapshot(10000), risk.DefaultConfig())

	if dec.Outcome != model.OutcomeApproved {
		t.Fatalf("outcome = %s, want approved (reasons %v)", dec.Outcome, dec.Reasons)
	}
	if !dec.Quantity.Equal(d(0.002)) {
		t.Errorf("qty = %s, want 0.002", dec.Quantity)
	}
	if !dec.StopLoss.Equal(d(49000)) {
		t.Errorf("stop = %s, want 49000", dec.StopLoss)
	}
	if !dec.TakeProfit.Equal(d(52000)) {
		t.Errorf("take = %s, want 52000", dec.TakeProfit)
	}
}

func TestEvaluate_SingleTradeCapResizes(t *testing.T) {
	// Equity 10,000, max single trade 2%: a 500 notional order shrinks to 200.
	dec := risk.Evaluate(buy("BTCUSDT", 0.01, 50000), flatSnapshot(10000), risk.DefaultConfig())

	if dec.Outcome != model.OutcomeResized {
		t.Fatalf("outcome = %s, want resized", dec.Outcome)
	}
	if !dec.Quantity.Equal(d(0.004)) {
		t.Errorf("qty = %s, want 0.004", dec.Quantity)
	}
	if notional := dec.Quantity.Mul(d(50000)); !notional.Equal(d(200)) {
		t.Errorf("notional = %s, want 200", notional)
	}
	if !hasReason(dec, model.ReasonSingleTrade) {
		t.Errorf("reasons = %v, want single_trade_cap", dec.Reasons)
	}
}

func TestEvaluate_PositionCap(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.MaxSingleTradeSize = 0.5

	// Cap is 10% of 10,000 = 1,000; 800 already held leaves 200.
	snap := withPosition(flatSnapshot(10000), "BTCUSDT", 0.04, 20000)
	dec := risk.Evaluate(buy("BTCUSDT", 0.015, 20000), snap, cfg)

	if dec.Outcome != model.OutcomeResized || !hasReason(dec, model.ReasonPositionCap) {
		t.Fatalf("decision = %+v, want resized by position_cap", dec)
	}
	if !dec.Quantity.Equal(d(0.01)) {
		t.Errorf("qty = %s, want 0.01", dec.Quantity)
	}
}

func TestEvaluate_PositionFull(t *testing.T) {
	snap := withPosition(flatSnapshot(10000), "BTCUSDT", 0.05, 20000)
	dec := risk.Evaluate(buy("BTCUSDT", 0.001, 20000), snap, risk.DefaultConfig())
	assertRejected(t, dec, model.ReasonPositionFull)
}

func TestEvaluate_SymbolPositionOverride(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.Symbols = map[string]risk.SymbolLimits{"BTCUSDT": {MaxPosition: f64(0.02)}}

	snap := withPosition(flatSnapshot(10000), "BTCUSDT", 0.01, 20000)
	dec := risk.Evaluate(buy("BTCUSDT", 0.001, 20000), snap, cfg)
	assertRejected(t, dec, model.ReasonPositionFull)
}

func TestEvaluate_ExposureAtMaxRejects(t *testing.T) {
	snap := flatSnapshot(10000)
	snap.Exposure = d(5000)

	dec := risk.Evaluate(buy("SOLUSDT", 1, 100), snap, risk.DefaultConfig())
	assertRejected(t, dec, model.ReasonExposureFull)
}

func TestEvaluate_ExposureHeadroomResizesExactly(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.MaxSingleTradeSize = 0.5

	snap := flatSnapshot(10000)
	snap.Exposure = d(4900)

	dec := risk.Evaluate(buy("SOLUSDT", 3, 100), snap, cfg)
	if dec.Outcome != model.OutcomeResized {
		t.Fatalf("outcome = %s, want resized", dec.Outcome)
	}
	if !dec.Quantity.Equal(d(1)) {
		t.Errorf("qty = %s, want 1 (headroom 100 at price 100)", dec.Quantity)
	}
	if !hasReason(dec, model.ReasonExposureCap) {
		t.Errorf("reasons = %v, want exposure_cap", dec.Reasons)
	}
}

func TestEvaluate_LotFloor(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.Symbols = map[string]risk.SymbolLimits{"ETHUSDT": {LotSize: f64(0.001)}}

	// 200 / 30000 = 0.00666… floors to 0.006.
	dec := risk.Evaluate(buy("ETHUSDT", 1, 30000), flatSnapshot(10000), cfg)
	if !dec.Quantity.Equal(d(0.006)) {
		t.Errorf("qty = %s, want 0.006", dec.Quantity)
	}
}

func TestEvaluate_BelowMinSize(t *testing.T) {
	snap := flatSnapshot(10000)
	snap.Exposure = d(4999.9999)

	dec := risk.Evaluate(buy("BTCUSDT", 1, 50000), snap, risk.DefaultConfig())
	assertRejected(t, dec, model.ReasonBelowMinSize)
}

// --- Hard limits ---

func TestEvaluate_EmergencyStop(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.EmergencyStop = true

	assertRejected(t, risk.Evaluate(buy("BTCUSDT", 0.001, 50000), flatSnapshot(10000), cfg), model.ReasonEmergencyStop)
	assertRejected(t, risk.Evaluate(sell("BTCUSDT", 0.001, 50000), flatSnapshot(10000), cfg), model.ReasonEmergencyStop)
}

func TestEvaluate_TooFrequent(t *testing.T) {
	snap := flatSnapshot(10000)
	snap.Activity["BTCUSDT"] = model.SymbolActivity{LastTradeAt: t0.Add(-30 * time.Second)}

	assertRejected(t, risk.Evaluate(buy("BTCUSDT", 0.001, 50000), snap, risk.DefaultConfig()), model.ReasonTooFrequent)

	// Other symbols are unaffected.
	if dec := risk.Evaluate(buy("ETHUSDT", 0.01, 3000), snap, risk.DefaultConfig()); dec.Rejected() {
		t.Errorf("ETHUSDT rejected: %v", dec.Reasons)
	}

	snap.Activity["BTCUSDT"] = model.SymbolActivity{LastTradeAt: t0.Add(-61 * time.Second)}
	if dec := risk.Evaluate(buy("BTCUSDT", 0.001, 50000), snap, risk.DefaultConfig()); dec.Rejected() {
		t.Errorf("rejected after interval elapsed: %v", dec.Reasons)
	}
}

func TestEvaluate_RateLimited(t *testing.T) {
	snap := flatSnapshot(10000)
	snap.TradesThisHour = 10
	assertRejected(t, risk.Evaluate(buy("BTCUSDT", 0.001, 50000), snap, risk.DefaultConfig()), model.ReasonRateLimited)

	snap.TradesThisHour = 0
	snap.TradesToday = 50
	assertRejected(t, risk.Evaluate(buy("BTCUSDT", 0.001, 50000), snap, risk.DefaultConfig()), model.ReasonRateLimited)
}

func TestEvaluate_LossStreakBlocksBuysOnly(t *testing.T) {
	snap := withPosition(flatSnapshot(10000), "BTCUSDT", 0.01, 20000)
	snap.Activity["BTCUSDT"] = model.SymbolActivity{ConsecutiveLosses: 3}

	assertRejected(t, risk.Evaluate(buy("BTCUSDT", 0.001, 20000), snap, risk.DefaultConfig()), model.ReasonLossStreak)

	if dec := risk.Evaluate(sell("BTCUSDT", 0.01, 20000), snap, risk.DefaultConfig()); dec.Rejected() {
		t.Errorf("closing sell rejected: %v", dec.Reasons)
	}
}

func TestEvaluate_DrawdownBreach(t *testing.T) {
	// Peak 110, equity 90: drawdown 20/110 exceeds 0.15.
	snap := flatSnapshot(90)
	snap.PeakEquity = d(110)
	snap.Drawdown = d(20).Div(d(110))
	assertRejected(t, risk.Evaluate(buy("BTCUSDT", 0.00001, 50000), snap, risk.DefaultConfig()), model.ReasonDrawdownBreach)

	snap = flatSnapshot(10000)
	snap.DailyDrawdown = d(0.05)
	assertRejected(t, risk.Evaluate(buy("BTCUSDT", 0.001, 50000), snap, risk.DefaultConfig()), model.ReasonDrawdownBreach)
}

// --- Sells ---

func TestEvaluate_SellWithoutPosition(t *testing.T) {
	assertRejected(t, risk.Evaluate(sell("BTCUSDT", 1, 50000), flatSnapshot(10000), risk.DefaultConfig()), model.ReasonNoPosition)
}

func TestEvaluate_SellCappedAtHeld(t *testing.T) {
	snap := withPosition(flatSnapshot(10000), "ETHUSDT", 0.5, 100)

	dec := risk.Evaluate(sell("ETHUSDT", 2, 100), snap, risk.DefaultConfig())
	if dec.Outcome != model.OutcomeResized || !hasReason(dec, model.ReasonHeldQuantity) {
		t.Fatalf("decision = %+v, want resized to held quantity", dec)
	}
	if !dec.Quantity.Equal(d(0.5)) {
		t.Errorf("qty = %s, want 0.5", dec.Quantity)
	}
	// Sell levels are mirrored around entry.
	if !dec.StopLoss.Equal(d(102)) || !dec.TakeProfit.Equal(d(96)) {
		t.Errorf("levels = %s/%s, want 102/96", dec.StopLoss, dec.TakeProfit)
	}
}

func TestEvaluate_SellIgnoresExposureLimits(t *testing.T) {
	snap := withPosition(flatSnapshot(10000), "ETHUSDT", 60, 100)

	dec := risk.Evaluate(sell("ETHUSDT", 60, 100), snap, risk.DefaultConfig())
	if dec.Outcome != model.OutcomeApproved {
		t.Fatalf("outcome = %s, want approved (reasons %v)", dec.Outcome, dec.Reasons)
	}
}

// --- Stop/take multipliers ---

func TestEvaluate_Multipliers(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.VolatilityMultiplier = 1.5
	dec := risk.Evaluate(buy("SOLUSDT", 0.5, 100), flatSnapshot(10000), cfg)
	if !dec.StopLoss.Equal(d(97)) || !dec.TakeProfit.Equal(d(106)) {
		t.Errorf("symmetric levels = %s/%s, want 97/106", dec.StopLoss, dec.TakeProfit)
	}

	cfg = risk.DefaultConfig()
	cfg.StopLossMultiplier = 2
	dec = risk.Evaluate(buy("SOLUSDT", 0.5, 100), flatSnapshot(10000), cfg)
	if !dec.StopLoss.Equal(d(96)) || !dec.TakeProfit.Equal(d(104)) {
		t.Errorf("independent levels = %s/%s, want 96/104", dec.StopLoss, dec.TakeProfit)
	}

	cfg.Symbols = map[string]risk.SymbolLimits{"SOLUSDT": {TakeProfitMultiplier: f64(0.5)}}
	dec = risk.Evaluate(buy("SOLUSDT", 0.5, 100), flatSnapshot(10000), cfg)
	if !dec.StopLoss.Equal(d(96)) || !dec.TakeProfit.Equal(d(102)) {
		t.Errorf("override levels = %s/%s, want 96/102", dec.StopLoss, dec.TakeProfit)
	}
}

func TestEngine_UsesPublishedSettings(t *testing.T) {
	s := risk.NewSettings(risk.DefaultConfig())
	e := risk.NewEngine(s)

	if dec := e.Evaluate(buy("BTCUSDT", 0.001, 50000), flatSnapshot(10000)); dec.Rejected() {
		t.Fatalf("rejected before halt: %v", dec.Reasons)
	}

	s.Halt("test")
	if !e.Halted() {
		t.Error("Halted() = false after Halt")
	}
	assertRejected(t, e.Evaluate(buy("BTCUSDT", 0.001, 50000), flatSnapshot(10000)), model.ReasonEmergencyStop)

	s.Resume()
	if dec := e.Evaluate(buy("BTCUSDT", 0.001, 50000), flatSnapshot(10000)); dec.Rejected() {
		t.Errorf("rejected after resume: %v", dec.Reasons)
	}
}
