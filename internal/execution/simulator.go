package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Simulator is a paper-trading venue. Market orders fill in full at the
// request's reference price (limit orders at their limit) after FillDelay,
// charging FeeRate of notional. Resubmitting a ClientOrderID returns the
// existing order.
type Simulator struct {
	FeeRate   decimal.Decimal
	FillDelay time.Duration

	mu       sync.Mutex
	now      func() time.Time
	seq      int
	orders   map[string]*simOrder
	byClient map[string]string
	failures []*Error
}

type simOrder struct {
	result   OrderResult
	req      OrderRequest
	fillAt   time.Time
	canceled bool
}

// NewSimulator creates a simulator charging feeRate of notional per fill.
func NewSimulator(feeRate decimal.Decimal) *Simulator {
	return &Simulator{
		FeeRate:  feeRate,
		now:      time.Now,
		orders:   make(map[string]*simOrder),
		byClient: make(map[string]string),
	}
}

// FailNext makes the next n adapter calls fail with an error of kind.
func (s *Simulator) FailNext(n int, kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, &Error{Kind: kind, Reason: "injected failure"})
	}
}

// takeFailure pops an injected failure for op. Caller holds s.mu.
func (s *Simulator) takeFailure(op string) error {
	if len(s.failures) == 0 {
		return nil
	}
	e := *s.failures[0]
	s.failures = s.failures[1:]
	e.Op = op
	return &e
}

func (s *Simulator) Place(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransient("place", err)
	}
	if !req.Quantity.IsPositive() {
		return nil, NewPermanent("place", "quantity must be positive", nil)
	}

	price := req.ReferencePrice
	if req.Type == OrderLimit && req.LimitPrice != nil {
		price = *req.LimitPrice
	}
	if !price.IsPositive() {
		return nil, NewPermanent("place", "no price to fill at", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure("place"); err != nil {
		return nil, err
	}
	if req.ClientOrderID != "" {
		if id, ok := s.byClient[req.ClientOrderID]; ok {
			o := s.orders[id]
			s.advance(o)
			res := o.result
			return &res, nil
		}
	}

	s.seq++
	now := s.now()
	o := &simOrder{
		req:    req,
		fillAt: now.Add(s.FillDelay),
		result: OrderResult{
			OrderID:        fmt.Sprintf("sim-%d", s.seq),
			ClientOrderID:  req.ClientOrderID,
			Status:         StatusAccepted,
			FilledQuantity: decimal.Zero,
			AvgFillPrice:   decimal.Zero,
			Fee:            decimal.Zero,
			UpdatedAt:      now,
		},
	}
	o.req.ReferencePrice = price
	s.orders[o.result.OrderID] = o
	if req.ClientOrderID != "" {
		s.byClient[req.ClientOrderID] = o.result.OrderID
	}
	s.advance(o)

	slog.Debug("simulated order placed",
		"order_id", o.result.OrderID,
		"client_order_id", req.ClientOrderID,
		"symbol", req.Symbol,
		"side", string(req.Side),
		"qty", req.Quantity.String(),
		"status", string(o.result.Status),
	)
	res := o.result
	return &res, nil
}

func (s *Simulator) Status(ctx context.Context, orderID string) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransient("status", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure("status"); err != nil {
		return nil, err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil, NewPermanent("status", "unknown order "+orderID, nil)
	}
	s.advance(o)
	res := o.result
	return &res, nil
}

func (s *Simulator) Lookup(ctx context.Context, clientOrderID string) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransient("lookup", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure("lookup"); err != nil {
		return nil, err
	}
	id, ok := s.byClient[clientOrderID]
	if !ok {
		return nil, NewPermanent("lookup", "no order for client id "+clientOrderID, ErrUnknownOrder)
	}
	o := s.orders[id]
	s.advance(o)
	res := o.result
	return &res, nil
}

func (s *Simulator) Cancel(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return NewTransient("cancel", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure("cancel"); err != nil {
		return err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return NewPermanent("cancel", "unknown order "+orderID, nil)
	}
	s.advance(o)
	if o.result.Status.Terminal() {
		return NewPermanent("cancel", "order already "+string(o.result.Status), errors.New("not cancelable"))
	}
	o.canceled = true
	o.result.Status = StatusCanceled
	o.result.UpdatedAt = s.now()
	return nil
}

// advance fills o when its delay has elapsed. Caller holds s.mu.
func (s *Simulator) advance(o *simOrder) {
	if o.canceled || o.result.Status.Terminal() {
		return
	}
	now := s.now()
	if now.Before(o.fillAt) {
		return
	}
	price := o.req.ReferencePrice
	o.result.Status = StatusFilled
	o.result.FilledQuantity = o.req.Quantity
	o.result.AvgFillPrice = price
	o.result.Fee = o.req.Quantity.Mul(price).Mul(s.FeeRate)
	o.result.UpdatedAt = now
}
