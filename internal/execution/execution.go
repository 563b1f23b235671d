// Package execution is the boundary to the exchange. The orchestrator only
// sees the Adapter interface; concrete adapters translate to a venue and
// classify every failure as Transient or Permanent.
package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/model"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusAccepted        OrderStatus = "accepted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// Terminal reports whether no further fills can happen.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest is an order to submit. ClientOrderID carries the workflow
// correlation id so a resubmitted order can be recognised by the venue.
type OrderRequest struct {
	Symbol        string
	Side          model.Side
	Quantity      decimal.Decimal
	Type          OrderType
	LimitPrice    *decimal.Decimal
	ClientOrderID string

	// ReferencePrice is the price the signal was generated at. Simulated
	// venues fill market orders at it.
	ReferencePrice decimal.Decimal
}

// OrderResult is the venue's view of an order.
type OrderResult struct {
	OrderID        string          `json:"order_id"`
	ClientOrderID  string          `json:"client_order_id"`
	Status         OrderStatus     `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Fee            decimal.Decimal `json:"fee"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// HasFill reports whether any quantity executed.
func (r *OrderResult) HasFill() bool {
	return r != nil && r.FilledQuantity.IsPositive()
}

// Adapter places, inspects and cancels orders on one venue. All methods
// return *Error on failure.
type Adapter interface {
	Place(ctx context.Context, req OrderRequest) (*OrderResult, error)
	Status(ctx context.Context, orderID string) (*OrderResult, error)
	// Lookup finds the order placed under clientOrderID. A permanent error
	// wrapping ErrUnknownOrder means the venue never accepted one.
	Lookup(ctx context.Context, clientOrderID string) (*OrderResult, error)
	Cancel(ctx context.Context, orderID string) error
}
