package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/execution"
	"github.com/atmx/spot-engine/internal/ledger"
	"github.com/atmx/spot-engine/internal/metrics"
	"github.com/atmx/spot-engine/internal/model"
)

// PendingFill is an executed fill the ledger could not yet record. An
// Unresolved entry is an order whose fill is not known yet; its Fill carries
// only the order's symbol, side and levels.
type PendingFill struct {
	Fill        model.Fill `json:"fill"`
	Unresolved  bool       `json:"unresolved,omitempty"`
	Error       string     `json:"error"`
	Attempts    int        `json:"attempts"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastAttempt time.Time  `json:"last_attempt"`
}

// settle commits an executed fill. The ledger write runs detached from the
// workflow deadline so a fill confirmed at the last moment is still
// recorded.
func (o *Orchestrator) settle(ctx context.Context, r *run, cand model.Candidate, dec model.Decision, res *execution.OrderResult) error {
	r.confirm()

	fill := o.withResult(newFill(r.id, cand, dec), res)
	r.update(func(w *Workflow) { w.FilledQuantity = res.FilledQuantity })

	trade, err := o.commit(context.WithoutCancel(ctx), fill)
	switch {
	case err == nil:
		o.transition(r, StateSettled, func(w *Workflow) {
			w.Trade = trade
			w.Error = ""
		})
		return nil

	case errors.Is(err, ledger.ErrUnavailable):
		o.addPending(fill, err)
		o.transition(r, StateFailed, func(w *Workflow) {
			w.Pending = true
			w.Error = err.Error()
		})
		return err

	default:
		o.logger.Error("fill rejected by ledger",
			"correlation_id", r.id,
			"symbol", fill.Symbol,
			"order_id", fill.OrderID,
			"err", err,
		)
		o.transition(r, StateFailed, withError(err))
		return err
	}
}

func newFill(correlationID string, cand model.Candidate, dec model.Decision) model.Fill {
	return model.Fill{
		Symbol:        cand.Symbol,
		Side:          cand.Side,
		Quantity:      decimal.Zero,
		Price:         decimal.Zero,
		Fee:           decimal.Zero,
		CorrelationID: correlationID,
		StopLoss:      dec.StopLoss,
		TakeProfit:    dec.TakeProfit,
	}
}

// withResult fills in what the venue executed.
func (o *Orchestrator) withResult(f model.Fill, res *execution.OrderResult) model.Fill {
	f.Quantity = res.FilledQuantity
	f.Price = res.AvgFillPrice
	f.Fee = res.Fee
	f.OrderID = res.OrderID
	f.Timestamp = res.UpdatedAt
	if f.Timestamp.IsZero() {
		f.Timestamp = o.now()
	}
	return f
}

// commit applies fill, treating an already-applied correlation id as
// success.
func (o *Orchestrator) commit(ctx context.Context, fill model.Fill) (*model.Trade, error) {
	trade, err := o.ledger.Apply(ctx, fill)
	switch {
	case err == nil:
		metrics.LedgerCommits.WithLabelValues("applied").Inc()
		return trade, nil
	case errors.Is(err, ledger.ErrConflict):
		metrics.LedgerCommits.WithLabelValues("duplicate").Inc()
		if t, ok := o.ledger.TradeByCorrelation(fill.CorrelationID); ok {
			return &t, nil
		}
		return nil, nil
	case errors.Is(err, ledger.ErrUnavailable):
		metrics.LedgerCommits.WithLabelValues("unavailable").Inc()
		return nil, err
	default:
		metrics.LedgerCommits.WithLabelValues("rejected").Inc()
		return nil, err
	}
}

func (o *Orchestrator) addPending(fill model.Fill, err error) {
	o.queue(fill, false, err)
}

// queue records or refreshes the pending entry for fill's correlation id.
func (o *Orchestrator) queue(fill model.Fill, unresolved bool, err error) {
	now := o.now()
	o.pendingMu.Lock()
	p, ok := o.pending[fill.CorrelationID]
	if !ok {
		p = &PendingFill{FirstSeen: now}
		o.pending[fill.CorrelationID] = p
	}
	p.Fill = fill
	p.Unresolved = unresolved
	p.Attempts++
	p.LastAttempt = now
	p.Error = err.Error()
	n := len(o.pending)
	o.pendingMu.Unlock()

	metrics.PendingFills.Set(float64(n))
	o.logger.Warn("fill queued for reconciliation",
		"correlation_id", fill.CorrelationID,
		"symbol", fill.Symbol,
		"unresolved", unresolved,
		"qty", fill.Quantity.String(),
		"price", fill.Price.String(),
		"pending", n,
	)
}

func (o *Orchestrator) isPending(correlationID string) bool {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	_, ok := o.pending[correlationID]
	return ok
}

func (o *Orchestrator) removePending(correlationID string) {
	o.pendingMu.Lock()
	delete(o.pending, correlationID)
	n := len(o.pending)
	o.pendingMu.Unlock()
	metrics.PendingFills.Set(float64(n))
}

// Pending lists fills awaiting reconciliation, oldest first.
func (o *Orchestrator) Pending() []PendingFill {
	o.pendingMu.Lock()
	out := make([]PendingFill, 0, len(o.pending))
	for _, p := range o.pending {
		out = append(out, *p)
	}
	o.pendingMu.Unlock()

	slices.SortFunc(out, func(a, b PendingFill) int { return a.FirstSeen.Compare(b.FirstSeen) })
	return out
}

// Reconcile replays pending fills into the ledger. It returns how many were
// committed and the errors of those still pending. Unresolved orders are
// looked up first: one the venue never accepted, or that ended without a
// fill, leaves the set. Fills the ledger rejects outright stay listed with
// their error for an operator to resolve.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	var (
		applied int
		errs    []error
	)
	for _, p := range o.Pending() {
		id := p.Fill.CorrelationID
		fill := p.Fill
		if p.Unresolved {
			res, err := o.adapter.Lookup(ctx, id)
			switch {
			case errors.Is(err, execution.ErrUnknownOrder),
				err == nil && (res == nil || res.Status.Terminal() && !res.HasFill()):
				o.dropUnresolved(id)
				continue
			case err != nil:
				o.queue(fill, true, err)
				errs = append(errs, fmt.Errorf("reconcile %s: %w", id, err))
				continue
			case !res.Status.Terminal():
				err := fmt.Errorf("%w: order %s still %s", ErrUnresolved, res.OrderID, res.Status)
				o.queue(fill, true, err)
				errs = append(errs, fmt.Errorf("reconcile %s: %w", id, err))
				continue
			}
			fill = o.withResult(fill, res)
		}

		unlock, err := o.locks.acquire(ctx, fill.Symbol)
		if err != nil {
			return applied, errors.Join(append(errs, err)...)
		}
		trade, err := o.commit(ctx, fill)
		unlock()

		if err != nil {
			o.addPending(fill, err)
			errs = append(errs, fmt.Errorf("reconcile %s: %w", id, err))
			continue
		}
		o.removePending(id)
		applied++
		o.logger.Info("pending fill reconciled",
			"correlation_id", id,
			"symbol", fill.Symbol,
		)

		if r, ok := o.lookupRun(id); ok {
			o.transition(r, StateSettled, func(w *Workflow) {
				w.Trade = trade
				w.OrderID = fill.OrderID
				w.FilledQuantity = fill.Quantity
				w.Pending = false
				w.Error = ""
			})
		}
	}
	return applied, errors.Join(errs...)
}

// dropUnresolved removes an unresolved order that executed nothing.
func (o *Orchestrator) dropUnresolved(id string) {
	o.removePending(id)
	o.logger.Info("unresolved order executed nothing", "correlation_id", id)
	if r, ok := o.lookupRun(id); ok {
		r.update(func(w *Workflow) { w.Pending = false })
	}
}

func (o *Orchestrator) lookupRun(id string) (*run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.active[id]
	if !ok {
		r, ok = o.recent[id]
	}
	return r, ok
}
