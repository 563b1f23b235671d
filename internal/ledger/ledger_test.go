package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/ledger"
	"github.com/atmx/spot-engine/internal/model"
	"github.com/atmx/spot-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

// newTestLedger returns a ledger over a fresh memory store seeded with cash.
func newTestLedger(t *testing.T, cash float64, opts ...ledger.Option) (*ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	if err := ms.InitAccount(ctx, d(cash)); err != nil {
		t.Fatalf("InitAccount: %v", err)
	}
	opts = append([]ledger.Option{ledger.WithClock(func() time.Time { return t0 })}, opts...)
	l := ledger.New(ms, opts...)
	if err := l.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return l, ms
}

func fill(corr, symbol string, side model.Side, qty, price float64) model.Fill {
	return model.Fill{
		Symbol:        symbol,
		Side:          side,
		Quantity:      d(qty),
		Price:         d(price),
		CorrelationID: corr,
		OrderID:       "ord-" + corr,
		Timestamp:     t0,
	}
}

func mustApply(t *testing.T, l *ledger.Ledger, f model.Fill) *model.Trade {
	t.Helper()
	tr, err := l.Apply(context.Background(), f)
	if err != nil {
		t.Fatalf("Apply(%s): %v", f.CorrelationID, err)
	}
	return tr
}

// --- Apply ---

func TestApply_OpenAddClose(t *testing.T) {
	l, ms := newTestLedger(t, 10000)

	mustApply(t, l, fill("c1", "BTCUSDT", model.SideBuy, 1, 100))
	mustApply(t, l, fill("c2", "BTCUSDT", model.SideBuy, 1, 110))

	p, ok := l.Position("BTCUSDT")
	if !ok {
		t.Fatal("expected open position")
	}
	if !p.Quantity.Equal(d(2)) {
		t.Errorf("qty = %s, want 2", p.Quantity)
	}
	if !p.AvgEntryPrice.Equal(d(105)) {
		t.Errorf("avg entry = %s, want 105", p.AvgEntryPrice)
	}

	sell := fill("c3", "BTCUSDT", model.SideSell, 2, 120)
	sell.Fee = d(1)
	tr := mustApply(t, l, sell)

	// (120 - 105) * 2 - 1
	if !tr.RealizedPnL.Equal(d(29)) {
		t.Errorf("realized pnl = %s, want 29", tr.RealizedPnL)
	}
	if _, ok := l.Position("BTCUSDT"); ok {
		t.Error("position should be closed")
	}

	acct, _ := ms.LoadAccount(context.Background())
	// 10000 - 100 - 110 + 240 - 1
	if !acct.Cash.Equal(d(10029)) {
		t.Errorf("store cash = %s, want 10029", acct.Cash)
	}
	snap := l.Snapshot(context.Background(), nil)
	if !snap.Cash.Equal(d(10029)) {
		t.Errorf("ledger cash = %s, want 10029", snap.Cash)
	}
	if !snap.RealizedPnL.Equal(d(29)) {
		t.Errorf("snapshot realized = %s, want 29", snap.RealizedPnL)
	}
}

func TestApply_PartialSellKeepsEntry(t *testing.T) {
	l, _ := newTestLedger(t, 10000)

	mustApply(t, l, fill("c1", "ETHUSDT", model.SideBuy, 3, 200))
	tr := mustApply(t, l, fill("c2", "ETHUSDT", model.SideSell, 1, 190))

	if !tr.RealizedPnL.Equal(d(-10)) {
		t.Errorf("realized pnl = %s, want -10", tr.RealizedPnL)
	}
	p, _ := l.Position("ETHUSDT")
	if !p.Quantity.Equal(d(2)) || !p.AvgEntryPrice.Equal(d(200)) {
		t.Errorf("position = %s @ %s, want 2 @ 200", p.Quantity, p.AvgEntryPrice)
	}

	snap := l.Snapshot(context.Background(), nil)
	if got := snap.Activity["ETHUSDT"].ConsecutiveLosses; got != 1 {
		t.Errorf("consecutive losses = %d, want 1", got)
	}
}

func TestApply_StopLevelsKeptWhenUnset(t *testing.T) {
	l, _ := newTestLedger(t, 10000)

	first := fill("c1", "BTCUSDT", model.SideBuy, 1, 100)
	first.StopLoss = d(98)
	first.TakeProfit = d(104)
	mustApply(t, l, first)
	mustApply(t, l, fill("c2", "BTCUSDT", model.SideBuy, 1, 100))

	p, _ := l.Position("BTCUSDT")
	if !p.StopLoss.Equal(d(98)) || !p.TakeProfit.Equal(d(104)) {
		t.Errorf("levels = %s/%s, want 98/104", p.StopLoss, p.TakeProfit)
	}
}

func TestApply_DuplicateCorrelation(t *testing.T) {
	l, _ := newTestLedger(t, 10000)

	f := fill("dup", "BTCUSDT", model.SideBuy, 1, 100)
	mustApply(t, l, f)

	_, err := l.Apply(context.Background(), f)
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("second apply: got %v, want ErrConflict", err)
	}

	p, _ := l.Position("BTCUSDT")
	if !p.Quantity.Equal(d(1)) {
		t.Errorf("qty = %s, want 1 (applied once)", p.Quantity)
	}
	if n := len(l.Trades("", 0)); n != 1 {
		t.Errorf("trades = %d, want 1", n)
	}
	if !l.Committed("dup") {
		t.Error("Committed(dup) = false")
	}
}

func TestApply_Oversell(t *testing.T) {
	l, _ := newTestLedger(t, 10000)
	mustApply(t, l, fill("c1", "BTCUSDT", model.SideBuy, 1, 100))

	_, err := l.Apply(context.Background(), fill("c2", "BTCUSDT", model.SideSell, 1.5, 100))

	var inv *ledger.InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvariantError, got %v", err)
	}
	if !inv.Held.Equal(d(1)) || !inv.Requested.Equal(d(1.5)) {
		t.Errorf("invariant error = %+v", inv)
	}

	p, _ := l.Position("BTCUSDT")
	if !p.Quantity.Equal(d(1)) {
		t.Errorf("qty after rejected sell = %s, want 1", p.Quantity)
	}
}

func TestApply_SellWithoutPosition(t *testing.T) {
	l, _ := newTestLedger(t, 10000)

	_, err := l.Apply(context.Background(), fill("c1", "SOLUSDT", model.SideSell, 1, 20))
	var inv *ledger.InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvariantError, got %v", err)
	}
}

func TestApply_InvalidFill(t *testing.T) {
	l, _ := newTestLedger(t, 10000)

	bad := []model.Fill{
		fill("c1", "", model.SideBuy, 1, 100),
		fill("c2", "BTCUSDT", model.Side("hold"), 1, 100),
		fill("c3", "BTCUSDT", model.SideBuy, 0, 100),
		fill("c4", "BTCUSDT", model.SideBuy, 1, 0),
		fill("", "BTCUSDT", model.SideBuy, 1, 100),
	}
	for _, f := range bad {
		if _, err := l.Apply(context.Background(), f); !errors.Is(err, ledger.ErrInvalidFill) {
			t.Errorf("Apply(%+v): got %v, want ErrInvalidFill", f, err)
		}
	}
}

// failingStore fails every commit.
type failingStore struct {
	*store.MemoryStore
}

func (failingStore) CommitTrade(context.Context, store.Commit) error {
	return errors.New("connection reset")
}

func TestApply_StoreFailureLeavesStateUnchanged(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.InitAccount(context.Background(), d(1000))
	l := ledger.New(failingStore{ms})
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err := l.Apply(context.Background(), fill("c1", "BTCUSDT", model.SideBuy, 1, 100))
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
	if _, ok := l.Position("BTCUSDT"); ok {
		t.Error("position must not exist after failed commit")
	}
	if l.Committed("c1") {
		t.Error("correlation id must not be marked committed")
	}
	snap := l.Snapshot(context.Background(), nil)
	if !snap.Cash.Equal(d(1000)) {
		t.Errorf("cash = %s, want 1000", snap.Cash)
	}
}

// --- Round trip and concurrency ---

func TestRoundTrip_SignedQuantitiesMatchPosition(t *testing.T) {
	l, _ := newTestLedger(t, 1_000_000)

	steps := []struct {
		side model.Side
		qty  float64
	}{
		{model.SideBuy, 0.5}, {model.SideBuy, 1.25}, {model.SideSell, 0.75},
		{model.SideBuy, 2}, {model.SideSell, 1}, {model.SideSell, 0.5},
	}
	for i, s := range steps {
		mustApply(t, l, fill(fmt.Sprintf("c%d", i), "BTCUSDT", s.side, s.qty, 100+float64(i)))
	}

	sum := decimal.Zero
	for _, tr := range l.Trades("BTCUSDT", 0) {
		sum = sum.Add(tr.SignedQuantity())
	}
	p, _ := l.Position("BTCUSDT")
	if !sum.Equal(p.Quantity) {
		t.Errorf("Σ signed qty = %s, position = %s", sum, p.Quantity)
	}
	if err := l.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestConcurrentApply(t *testing.T) {
	l, ms := newTestLedger(t, 1_000_000)
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT"}

	var wg sync.WaitGroup
	for _, sym := range symbols {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(sym string, i int) {
				defer wg.Done()
				if _, err := l.Apply(context.Background(), fill(fmt.Sprintf("%s-%d", sym, i), sym, model.SideBuy, 1, 10)); err != nil {
					t.Errorf("Apply: %v", err)
				}
			}(sym, i)
		}
	}
	wg.Wait()

	for _, sym := range symbols {
		p, _ := l.Position(sym)
		if !p.Quantity.Equal(d(25)) {
			t.Errorf("%s qty = %s, want 25", sym, p.Quantity)
		}
	}
	if err := l.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}

	trades := l.Trades("", 0)
	if len(trades) != 100 {
		t.Fatalf("trades = %d, want 100", len(trades))
	}
	for i := 1; i < len(trades); i++ {
		if trades[i].ID <= trades[i-1].ID {
			t.Fatalf("trade ids not increasing at %d: %d then %d", i, trades[i-1].ID, trades[i].ID)
		}
	}

	acct, _ := ms.LoadAccount(context.Background())
	if !acct.Cash.Equal(d(999_000)) {
		t.Errorf("store cash = %s, want 999000", acct.Cash)
	}
}

func TestSnapshot_LossStreakLapsesNextDay(t *testing.T) {
	now := t0
	l, _ := newTestLedger(t, 10000, ledger.WithClock(func() time.Time { return now }))

	mustApply(t, l, fill("c1", "ETHUSDT", model.SideBuy, 2, 200))
	mustApply(t, l, fill("c2", "ETHUSDT", model.SideSell, 1, 190))
	mustApply(t, l, fill("c3", "ETHUSDT", model.SideSell, 1, 180))

	if got := l.Snapshot(context.Background(), nil).Activity["ETHUSDT"].ConsecutiveLosses; got != 2 {
		t.Fatalf("consecutive losses = %d, want 2", got)
	}

	now = t0.Add(24 * time.Hour)
	if got := l.Snapshot(context.Background(), nil).Activity["ETHUSDT"].ConsecutiveLosses; got != 0 {
		t.Errorf("consecutive losses next day = %d, want 0", got)
	}
}

func TestLoad_RecoversState(t *testing.T) {
	l, ms := newTestLedger(t, 10000)
	mustApply(t, l, fill("c1", "BTCUSDT", model.SideBuy, 2, 100))
	mustApply(t, l, fill("c2", "BTCUSDT", model.SideSell, 1, 90))

	reloaded := ledger.New(ms, ledger.WithClock(func() time.Time { return t0 }))
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, ok := reloaded.Position("BTCUSDT")
	if !ok || !p.Quantity.Equal(d(1)) {
		t.Fatalf("reloaded position = %+v", p)
	}
	if !reloaded.Committed("c2") {
		t.Error("reloaded ledger lost committed correlation ids")
	}

	// Trade ids continue after the stored maximum.
	tr := mustApply(t, reloaded, fill("c3", "BTCUSDT", model.SideBuy, 1, 95))
	if tr.ID != 3 {
		t.Errorf("next trade id = %d, want 3", tr.ID)
	}

	snap := reloaded.Snapshot(context.Background(), nil)
	if got := snap.Activity["BTCUSDT"].ConsecutiveLosses; got != 1 {
		t.Errorf("loss streak after reload = %d, want 1", got)
	}
}
