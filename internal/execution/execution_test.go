package execution_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/atmx/spot-engine/internal/execution"
	"github.com/atmx/spot-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func marketBuy(clientID string, qty, price float64) execution.OrderRequest {
	return execution.OrderRequest{
		Symbol:         "BTCUSDT",
		Side:           model.SideBuy,
		Quantity:       d(qty),
		Type:           execution.OrderMarket,
		ClientOrderID:  clientID,
		ReferencePrice: d(price),
	}
}

// --- Simulator ---

func TestSimulator_FillsImmediately(t *testing.T) {
	sim := execution.NewSimulator(d(0.001))

	res, err := sim.Place(context.Background(), marketBuy("c-1", 0.5, 100))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if res.Status != execution.StatusFilled {
		t.Fatalf("status = %s, want filled", res.Status)
	}
	if !res.FilledQuantity.Equal(d(0.5)) || !res.AvgFillPrice.Equal(d(100)) {
		t.Errorf("fill = %s @ %s", res.FilledQuantity, res.AvgFillPrice)
	}
	// 0.5 × 100 × 0.001
	if !res.Fee.Equal(d(0.05)) {
		t.Errorf("fee = %s, want 0.05", res.Fee)
	}
}

func TestSimulator_DelayedFillAndStatus(t *testing.T) {
	sim := execution.NewSimulator(decimal.Zero)
	sim.FillDelay = 30 * time.Millisecond

	res, err := sim.Place(context.Background(), marketBuy("c-1", 1, 100))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if res.Status != execution.StatusAccepted || res.HasFill() {
		t.Fatalf("status = %s, want accepted and unfilled", res.Status)
	}

	time.Sleep(50 * time.Millisecond)
	res, err = sim.Status(context.Background(), res.OrderID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if res.Status != execution.StatusFilled {
		t.Errorf("status after delay = %s, want filled", res.Status)
	}
}

func TestSimulator_ClientOrderIDIsIdempotent(t *testing.T) {
	sim := execution.NewSimulator(decimal.Zero)

	first, _ := sim.Place(context.Background(), marketBuy("c-1", 1, 100))
	second, err := sim.Place(context.Background(), marketBuy("c-1", 1, 100))
	if err != nil {
		t.Fatalf("second Place: %v", err)
	}
	if first.OrderID != second.OrderID {
		t.Errorf("resubmission created a new order: %s vs %s", first.OrderID, second.OrderID)
	}
}

func TestSimulator_Cancel(t *testing.T) {
	sim := execution.NewSimulator(decimal.Zero)
	sim.FillDelay = time.Hour

	res, _ := sim.Place(context.Background(), marketBuy("c-1", 1, 100))
	if err := sim.Cancel(context.Background(), res.OrderID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	res, _ = sim.Status(context.Background(), res.OrderID)
	if res.Status != execution.StatusCanceled {
		t.Errorf("status = %s, want canceled", res.Status)
	}

	if err := sim.Cancel(context.Background(), res.OrderID); !execution.IsPermanent(err) {
		t.Errorf("second cancel: got %v, want permanent", err)
	}
	if err := sim.Cancel(context.Background(), "sim-999"); !execution.IsPermanent(err) {
		t.Errorf("cancel of unknown order: got %v, want permanent", err)
	}
}

func TestSimulator_LookupByClientOrderID(t *testing.T) {
	sim := execution.NewSimulator(decimal.Zero)
	placed, _ := sim.Place(context.Background(), marketBuy("c-1", 1, 100))

	res, err := sim.Lookup(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.OrderID != placed.OrderID || res.Status != execution.StatusFilled {
		t.Errorf("Lookup = %+v, want %s filled", res, placed.OrderID)
	}

	_, err = sim.Lookup(context.Background(), "never-placed")
	if !execution.IsPermanent(err) || !errors.Is(err, execution.ErrUnknownOrder) {
		t.Errorf("Lookup(unknown) = %v, want permanent ErrUnknownOrder", err)
	}
}

func TestSimulator_InjectedFailures(t *testing.T) {
	sim := execution.NewSimulator(decimal.Zero)
	sim.FailNext(1, execution.Transient)

	_, err := sim.Place(context.Background(), marketBuy("c-1", 1, 100))
	if !execution.IsTransient(err) {
		t.Fatalf("first Place: got %v, want transient", err)
	}
	var execErr *execution.Error
	if !errors.As(err, &execErr) || execErr.Op != "place" {
		t.Errorf("error = %#v, want op place", err)
	}

	if _, err := sim.Place(context.Background(), marketBuy("c-1", 1, 100)); err != nil {
		t.Errorf("second Place: %v", err)
	}
}

func TestSimulator_RejectsBadRequests(t *testing.T) {
	sim := execution.NewSimulator(decimal.Zero)

	if _, err := sim.Place(context.Background(), marketBuy("c-1", 0, 100)); !execution.IsPermanent(err) {
		t.Errorf("zero qty: got %v, want permanent", err)
	}
	if _, err := sim.Place(context.Background(), marketBuy("c-2", 1, 0)); !execution.IsPermanent(err) {
		t.Errorf("no price: got %v, want permanent", err)
	}
}

// --- Errors ---

func TestErrorClassification(t *testing.T) {
	cause := errors.New("connection reset")
	tr := execution.NewTransient("place", cause)
	if !execution.IsTransient(tr) || execution.IsPermanent(tr) {
		t.Error("transient misclassified")
	}
	if !errors.Is(tr, cause) {
		t.Error("transient error does not unwrap to cause")
	}

	pe := execution.NewPermanent("place", "insufficient balance", nil)
	if !execution.IsPermanent(pe) || execution.IsTransient(pe) {
		t.Error("permanent misclassified")
	}
	if execution.IsTransient(cause) || execution.IsPermanent(cause) {
		t.Error("plain error classified as adapter error")
	}
}

// --- Breaker ---

type countingAdapter struct {
	calls int
	err   error
}

func (a *countingAdapter) Place(context.Context, execution.OrderRequest) (*execution.OrderResult, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return &execution.OrderResult{OrderID: "x", Status: execution.StatusFilled}, nil
}

func (a *countingAdapter) Status(context.Context, string) (*execution.OrderResult, error) {
	a.calls++
	return nil, a.err
}

func (a *countingAdapter) Lookup(context.Context, string) (*execution.OrderResult, error) {
	a.calls++
	return nil, a.err
}

func (a *countingAdapter) Cancel(context.Context, string) error {
	a.calls++
	return a.err
}

func TestBreaker_TripsOnTransientFailures(t *testing.T) {
	inner := &countingAdapter{err: execution.NewTransient("place", errors.New("503"))}
	b := execution.NewBreaker(inner, execution.BreakerSettings{
		Name: "test", MinRequests: 3, FailureRatio: 0.5, Timeout: time.Hour,
	})

	for i := 0; i < 3; i++ {
		b.Place(context.Background(), marketBuy("c", 1, 1))
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	calls := inner.calls
	_, err := b.Place(context.Background(), marketBuy("c", 1, 1))
	if !execution.IsTransient(err) {
		t.Errorf("open circuit error = %v, want transient", err)
	}
	if inner.calls != calls {
		t.Error("open circuit still called the venue")
	}

	// Cancels still reach the venue.
	b.Cancel(context.Background(), "x")
	if inner.calls != calls+1 {
		t.Error("cancel did not reach the venue with the circuit open")
	}
}

func TestBreaker_StateChangeHook(t *testing.T) {
	var changes []gobreaker.State
	inner := &countingAdapter{err: execution.NewTransient("place", errors.New("503"))}
	b := execution.NewBreaker(inner, execution.BreakerSettings{
		Name: "test", MinRequests: 2, FailureRatio: 0.5, Timeout: time.Hour,
		OnStateChange: func(_ string, _, to gobreaker.State) { changes = append(changes, to) },
	})

	for i := 0; i < 2; i++ {
		b.Place(context.Background(), marketBuy("c", 1, 1))
	}
	if len(changes) != 1 || changes[0] != gobreaker.StateOpen {
		t.Errorf("changes = %v, want [open]", changes)
	}
}

func TestBreaker_PermanentFailuresDoNotTrip(t *testing.T) {
	inner := &countingAdapter{err: execution.NewPermanent("place", "insufficient balance", nil)}
	b := execution.NewBreaker(inner, execution.BreakerSettings{Name: "test", MinRequests: 2, Timeout: time.Hour})

	for i := 0; i < 5; i++ {
		_, err := b.Place(context.Background(), marketBuy("c", 1, 1))
		if !execution.IsPermanent(err) {
			t.Fatalf("call %d: got %v, want permanent", i, err)
		}
	}
	if b.State() != gobreaker.StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreaker_PassesResults(t *testing.T) {
	b := execution.NewBreaker(&countingAdapter{}, execution.BreakerSettings{Name: "test"})
	res, err := b.Place(context.Background(), marketBuy("c", 1, 1))
	if err != nil || res == nil || res.OrderID != "x" {
		t.Errorf("Place = %+v, %v", res, err)
	}
}
