package execution

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/model"
)

// alpacaClient is the subset of *alpaca.Client the adapter uses.
type alpacaClient interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
}

// AlpacaOptions configures the Alpaca adapter.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string // paper or live trading endpoint

	// FeeRate estimates fees as a fraction of filled notional. Alpaca does
	// not report per-order fees on the order object.
	FeeRate decimal.Decimal
}

// AlpacaAdapter places spot orders through the Alpaca trading API.
type AlpacaAdapter struct {
	client  alpacaClient
	feeRate decimal.Decimal
}

var _ Adapter = (*AlpacaAdapter)(nil)

// NewAlpacaAdapter creates an adapter with a new Alpaca REST client.
func NewAlpacaAdapter(opts AlpacaOptions) *AlpacaAdapter {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   opts.BaseURL,
	})
	return &AlpacaAdapter{client: client, feeRate: opts.FeeRate}
}

func (a *AlpacaAdapter) Place(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransient("place", err)
	}

	qty := req.Quantity
	areq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Side == model.SideSell {
		areq.Side = alpaca.Sell
	}
	if req.Type == OrderLimit && req.LimitPrice != nil {
		areq.Type = alpaca.Limit
		areq.LimitPrice = req.LimitPrice
	}

	order, err := a.client.PlaceOrder(areq)
	if err != nil {
		// A resubmission after a lost response is reported as a duplicate
		// client order id; return the order that was already accepted.
		if req.ClientOrderID != "" && isDuplicateClientID(err) {
			if existing, lookupErr := a.client.GetOrderByClientOrderID(req.ClientOrderID); lookupErr == nil {
				return a.result(existing), nil
			}
		}
		return nil, classify("place", err)
	}
	return a.result(order), nil
}

func (a *AlpacaAdapter) Status(ctx context.Context, orderID string) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransient("status", err)
	}
	order, err := a.client.GetOrder(orderID)
	if err != nil {
		return nil, classify("status", err)
	}
	return a.result(order), nil
}

func (a *AlpacaAdapter) Lookup(ctx context.Context, clientOrderID string) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransient("lookup", err)
	}
	order, err := a.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, NewPermanent("lookup", apiErr.Message, errors.Join(ErrUnknownOrder, err))
		}
		return nil, classify("lookup", err)
	}
	return a.result(order), nil
}

func (a *AlpacaAdapter) Cancel(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return NewTransient("cancel", err)
	}
	if err := a.client.CancelOrder(orderID); err != nil {
		return classify("cancel", err)
	}
	return nil
}

func (a *AlpacaAdapter) result(o *alpaca.Order) *OrderResult {
	res := &OrderResult{
		OrderID:        o.ID,
		ClientOrderID:  o.ClientOrderID,
		Status:         mapAlpacaStatus(o.Status),
		FilledQuantity: o.FilledQty,
		AvgFillPrice:   decimal.Zero,
		Fee:            decimal.Zero,
		UpdatedAt:      o.UpdatedAt,
	}
	if o.FilledAvgPrice != nil {
		res.AvgFillPrice = *o.FilledAvgPrice
	}
	if res.FilledQuantity.IsPositive() {
		res.Fee = res.FilledQuantity.Mul(res.AvgFillPrice).Mul(a.feeRate)
	}
	return res
}

func mapAlpacaStatus(s string) OrderStatus {
	switch s {
	case "filled":
		return StatusFilled
	case "partially_filled":
		return StatusPartiallyFilled
	case "canceled", "done_for_day":
		return StatusCanceled
	case "rejected":
		return StatusRejected
	case "expired":
		return StatusExpired
	case "new", "pending_new":
		return StatusNew
	default:
		return StatusAccepted
	}
}

// classify maps an Alpaca client error onto Transient or Permanent.
func classify(op string, err error) *Error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= 500:
			return NewTransient(op, err)
		default:
			return NewPermanent(op, apiErr.Message, err)
		}
	}

	// Anything without an API response is a transport failure.
	return NewTransient(op, err)
}

func isDuplicateClientID(err error) bool {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(apiErr.Message), "client_order_id")
}
