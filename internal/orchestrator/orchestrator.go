// Package orchestrator drives each trading signal through risk evaluation,
// order execution and ledger settlement.
//
// A workflow moves received → risk_checked → executing → settled, or ends
// rejected, failed, cancelled or emergency_halted. Workflows on one symbol
// hold that symbol from the risk decision until the ledger commit, so the
// second of two same-symbol signals is evaluated against the first one's
// committed position. Different symbols run in parallel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/atmx/spot-engine/internal/execution"
	"github.com/atmx/spot-engine/internal/metrics"
	"github.com/atmx/spot-engine/internal/model"
	"github.com/atmx/spot-engine/internal/retry"
	"github.com/atmx/spot-engine/internal/tracing"
)

// quantityPlaces bounds the precision of strength-sized quantities.
const quantityPlaces = 8

// Ledger is the subset of *ledger.Ledger the orchestrator uses.
type Ledger interface {
	Apply(ctx context.Context, fill model.Fill) (*model.Trade, error)
	Snapshot(ctx context.Context, prices map[string]decimal.Decimal) model.Snapshot
	TradeByCorrelation(correlationID string) (model.Trade, bool)
}

// RiskEngine is the subset of *risk.Engine the orchestrator uses.
type RiskEngine interface {
	Evaluate(c model.Candidate, snap model.Snapshot) model.Decision
	Halted() bool
	Halt(reason string)
	Resume()
	OnHaltChange(fn func(halted bool, reason string))
}

// Options tunes workflow behaviour. Zero fields take DefaultOptions values.
type Options struct {
	// SignalFraction is the share of equity a full-strength buy requests.
	SignalFraction float64

	// Deadline bounds a workflow from receipt to settlement.
	Deadline time.Duration

	// PollInterval is the gap between order status queries.
	PollInterval time.Duration

	// CancelTimeout bounds the cancel and status calls made after a
	// workflow was interrupted.
	CancelTimeout time.Duration

	// Retry governs order placement. Only transient adapter errors retry.
	Retry retry.Policy

	// HistorySize is how many finished workflows stay queryable.
	HistorySize int

	Sink   EventSink
	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		SignalFraction: 0.02,
		Deadline:       30 * time.Second,
		PollInterval:   250 * time.Millisecond,
		CancelTimeout:  5 * time.Second,
		Retry:          retry.DefaultPolicy(),
		HistorySize:    1000,
	}
}

// Orchestrator runs workflows. It is safe for concurrent use.
type Orchestrator struct {
	ledger  Ledger
	risk    RiskEngine
	adapter execution.Adapter
	opts    Options
	logger  *slog.Logger
	locks   *symbolLocks

	mu     sync.Mutex
	active map[string]*run
	recent map[string]*run
	order  []string // recent ids, oldest first

	pendingMu sync.Mutex
	pending   map[string]*PendingFill
}

// run is the mutable state of one workflow.
type run struct {
	id      string
	started time.Time
	cancel  context.CancelCauseFunc

	mu       sync.Mutex
	wf       Workflow
	settling bool // fill confirmed; cancellation refused
}

func (r *run) snapshot() Workflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wf.clone()
}

func (r *run) update(fn func(*Workflow)) {
	r.mu.Lock()
	fn(&r.wf)
	r.mu.Unlock()
}

func (r *run) confirm() {
	r.mu.Lock()
	r.settling = true
	r.mu.Unlock()
}

// New creates an orchestrator.
func New(l Ledger, risk RiskEngine, adapter execution.Adapter, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.SignalFraction <= 0 {
		opts.SignalFraction = def.SignalFraction
	}
	if opts.Deadline <= 0 {
		opts.Deadline = def.Deadline
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = def.CancelTimeout
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = def.Retry
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = def.HistorySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		ledger:  l,
		risk:    risk,
		adapter: adapter,
		opts:    opts,
		logger:  logger,
		locks:   newSymbolLocks(),
		active:  make(map[string]*run),
		recent:  make(map[string]*run),
		pending: make(map[string]*PendingFill),
	}
	risk.OnHaltChange(o.haltChanged)
	return o
}

func (o *Orchestrator) now() time.Time { return o.opts.Now().UTC() }

// Submit runs sig to a terminal state and returns the workflow record.
//
// Errors: ErrValidation for malformed signals, ErrInFlight for a
// correlation id already running, ErrHalted, *RejectedError with the risk
// reasons, ErrCancelled, or the execution or ledger error that failed the
// workflow. A correlation id the ledger already committed returns the
// settled record and no error, without placing another order.
func (o *Orchestrator) Submit(ctx context.Context, sig model.Signal) (Workflow, error) {
	if err := validateSignal(sig); err != nil {
		return Workflow{}, err
	}
	sig.Symbol = strings.TrimSpace(sig.Symbol)
	if sig.CorrelationID == "" {
		sig.CorrelationID = uuid.NewString()
	}
	if wf, ok := o.alreadySettled(sig.CorrelationID); ok {
		return wf, nil
	}
	// The order already executed; only reconciliation may record it.
	if o.isPending(sig.CorrelationID) {
		return Workflow{}, fmt.Errorf("%w: %s has a fill pending reconciliation", ErrInFlight, sig.CorrelationID)
	}

	wctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	wctx, cancelDeadline := context.WithTimeout(wctx, o.opts.Deadline)
	defer cancelDeadline()

	r, err := o.register(sig, cancel)
	if err != nil {
		return Workflow{}, err
	}
	defer o.finish(r)

	wctx, span := tracing.Start(wctx, "workflow",
		attribute.String("correlation_id", sig.CorrelationID),
		attribute.String("symbol", sig.Symbol),
		attribute.String("side", string(sig.Side)),
	)
	err = o.process(wctx, r, sig)
	wf := r.snapshot()
	span.SetAttributes(attribute.String("workflow.state", string(wf.State)))
	tracing.SetError(span, err)
	span.End()
	return wf, err
}

func validateSignal(sig model.Signal) error {
	switch {
	case strings.TrimSpace(sig.Symbol) == "":
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	case !sig.Side.Valid():
		return fmt.Errorf("%w: side must be buy or sell, got %q", ErrValidation, sig.Side)
	case math.IsNaN(sig.Strength) || math.IsInf(sig.Strength, 0):
		return fmt.Errorf("%w: strength must be finite", ErrValidation)
	case sig.ReferencePrice.IsNegative():
		return fmt.Errorf("%w: reference_price must not be negative", ErrValidation)
	case sig.Quantity.IsNegative():
		return fmt.Errorf("%w: quantity must not be negative", ErrValidation)
	}
	return nil
}

// alreadySettled returns the settled record for a committed correlation id.
func (o *Orchestrator) alreadySettled(id string) (Workflow, bool) {
	t, ok := o.ledger.TradeByCorrelation(id)
	if !ok {
		return Workflow{}, false
	}
	o.mu.Lock()
	r, known := o.recent[id]
	o.mu.Unlock()
	if known {
		if wf := r.snapshot(); wf.State == StateSettled {
			return wf, true
		}
	}
	o.logger.Info("signal already settled", "correlation_id", id, "trade_id", t.ID)
	return Workflow{
		CorrelationID:  id,
		Signal:         model.Signal{Symbol: t.Symbol, Side: t.Side, CorrelationID: id},
		State:          StateSettled,
		OrderID:        t.OrderID,
		FilledQuantity: t.Quantity,
		Trade:          &t,
		CreatedAt:      t.Timestamp,
		UpdatedAt:      t.Timestamp,
	}, true
}

func (o *Orchestrator) register(sig model.Signal, cancel context.CancelCauseFunc) (*run, error) {
	now := o.now()
	r := &run{
		id:      sig.CorrelationID,
		started: now,
		cancel:  cancel,
		wf: Workflow{
			CorrelationID:     sig.CorrelationID,
			Signal:            sig,
			State:             StateReceived,
			RequestedQuantity: decimal.Zero,
			FilledQuantity:    decimal.Zero,
			CreatedAt:         now,
			UpdatedAt:         now,
			Transitions:       []Transition{{To: StateReceived, At: now}},
		},
	}

	o.mu.Lock()
	if _, ok := o.active[r.id]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInFlight, r.id)
	}
	o.active[r.id] = r
	o.mu.Unlock()

	metrics.WorkflowsInFlight.Inc()
	o.logger.Info("signal received",
		"correlation_id", r.id,
		"symbol", sig.Symbol,
		"side", string(sig.Side),
		"strength", sig.Strength,
	)
	o.emit(eventFor(r.wf, "", StateReceived, now))
	return r, nil
}

func (o *Orchestrator) finish(r *run) {
	wf := r.snapshot()

	o.mu.Lock()
	delete(o.active, r.id)
	if _, ok := o.recent[r.id]; ok {
		o.order = slices.DeleteFunc(o.order, func(id string) bool { return id == r.id })
	}
	o.recent[r.id] = r
	o.order = append(o.order, r.id)
	for len(o.order) > o.opts.HistorySize {
		delete(o.recent, o.order[0])
		o.order = o.order[1:]
	}
	o.mu.Unlock()

	metrics.WorkflowsInFlight.Dec()
	metrics.WorkflowsTotal.WithLabelValues(string(wf.State)).Inc()
	metrics.WorkflowLatency.WithLabelValues(string(wf.State)).Observe(o.now().Sub(r.started).Seconds())
}

// process runs the workflow body. Every return leaves r in a terminal state.
func (o *Orchestrator) process(ctx context.Context, r *run, sig model.Signal) error {
	if o.risk.Halted() {
		o.transition(r, StateHalted, withError(ErrHalted))
		return ErrHalted
	}

	unlock, err := o.locks.acquire(ctx, sig.Symbol)
	if err != nil {
		return o.interrupted(ctx, r)
	}
	defer unlock()

	// A same-id workflow may have settled while this one waited.
	if t, ok := o.ledger.TradeByCorrelation(r.id); ok {
		o.transition(r, StateRiskChecked, nil)
		o.transition(r, StateExecuting, nil)
		o.transition(r, StateSettled, func(w *Workflow) {
			w.Trade = &t
			w.OrderID = t.OrderID
			w.FilledQuantity = t.Quantity
		})
		return nil
	}

	var prices map[string]decimal.Decimal
	if sig.ReferencePrice.IsPositive() {
		prices = map[string]decimal.Decimal{sig.Symbol: sig.ReferencePrice}
	}
	snap := o.ledger.Snapshot(ctx, prices)
	cand := o.candidate(sig, snap)
	dec := o.risk.Evaluate(cand, snap)
	recordDecision(dec)

	o.transition(r, StateRiskChecked, func(w *Workflow) {
		w.RequestedQuantity = cand.Quantity
		w.Decision = &dec
	})
	if dec.Rejected() {
		rej := &RejectedError{CorrelationID: r.id, Reasons: slices.Clone(dec.Reasons)}
		o.transition(r, StateRejected, withError(rej))
		return rej
	}
	if o.risk.Halted() {
		o.transition(r, StateHalted, withError(ErrHalted))
		return ErrHalted
	}
	if ctx.Err() != nil {
		return o.interrupted(ctx, r)
	}

	o.transition(r, StateExecuting, nil)
	res, err := o.place(ctx, r, cand, dec)
	if err != nil && !execution.IsPermanent(err) {
		// A timed out or interrupted call may still have reached the venue.
		found, lookupErr := o.findPlaced(ctx, r)
		switch {
		case found != nil:
			res, err = found, nil
		case lookupErr != nil:
			return o.unresolved(r, cand, dec, err, lookupErr)
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrHalted):
			o.transition(r, StateHalted, withError(ErrHalted))
			return ErrHalted
		case ctx.Err() != nil:
			return o.interrupted(ctx, r)
		}
		o.transition(r, StateFailed, withError(err))
		return err
	}
	r.update(func(w *Workflow) { w.OrderID = res.OrderID })

	res, waitErr := o.awaitFill(ctx, r, res)
	if res.HasFill() {
		return o.settle(ctx, r, cand, dec, res)
	}
	switch {
	case errors.Is(waitErr, ErrCancelled):
		o.transition(r, StateCancelled, withError(ErrCancelled))
		return ErrCancelled
	case waitErr != nil:
		o.transition(r, StateFailed, withError(waitErr))
		return waitErr
	default:
		err := fmt.Errorf("%w: order %s %s", ErrOrderFailed, res.OrderID, res.Status)
		o.transition(r, StateFailed, withError(err))
		return err
	}
}

// interrupted ends a workflow whose context finished before an order was
// placed.
func (o *Orchestrator) interrupted(ctx context.Context, r *run) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCancelled) {
		o.transition(r, StateCancelled, withError(ErrCancelled))
		return ErrCancelled
	}
	err := fmt.Errorf("workflow %s: %w", r.id, cause)
	o.transition(r, StateFailed, withError(err))
	return err
}

// candidate sizes sig into an order proposal. An explicit quantity wins; a
// sell otherwise closes the held position and a buy requests a share of
// equity scaled by signal strength.
func (o *Orchestrator) candidate(sig model.Signal, snap model.Snapshot) model.Candidate {
	price := sig.ReferencePrice
	if !price.IsPositive() {
		price = snap.Price(sig.Symbol)
	}
	c := model.Candidate{
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Quantity:       sig.Quantity,
		ReferencePrice: price,
		CorrelationID:  sig.CorrelationID,
	}
	if c.Quantity.IsPositive() {
		return c
	}

	c.Quantity = decimal.Zero
	switch sig.Side {
	case model.SideSell:
		if p, ok := snap.Positions[sig.Symbol]; ok {
			c.Quantity = p.Quantity
		}
	case model.SideBuy:
		if price.IsPositive() && snap.Equity.IsPositive() {
			notional := snap.Equity.
				Mul(decimal.NewFromFloat(o.opts.SignalFraction)).
				Mul(decimal.NewFromFloat(strengthScale(sig.Strength)))
			c.Quantity = notional.Div(price).Truncate(quantityPlaces)
		}
	}
	return c
}

// strengthScale clamps strength to (0, 1]; non-positive strength means full.
func strengthScale(s float64) float64 {
	if s <= 0 {
		return 1
	}
	return min(s, 1)
}

func recordDecision(d model.Decision) {
	metrics.RiskDecisions.WithLabelValues(string(d.Outcome)).Inc()
	for _, reason := range d.Reasons {
		metrics.RiskReasons.WithLabelValues(string(reason)).Inc()
	}
}

// place submits the order under the retry policy.
func (o *Orchestrator) place(ctx context.Context, r *run, cand model.Candidate, dec model.Decision) (*execution.OrderResult, error) {
	req := execution.OrderRequest{
		Symbol:         cand.Symbol,
		Side:           cand.Side,
		Quantity:       dec.Quantity,
		Type:           execution.OrderMarket,
		ClientOrderID:  r.id,
		ReferencePrice: cand.ReferencePrice,
	}

	policy := o.opts.Retry
	policy.Retryable = execution.IsTransient
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		metrics.ExecutionRetries.WithLabelValues("place").Inc()
		o.logger.Warn("order placement failed, retrying",
			"correlation_id", r.id,
			"symbol", req.Symbol,
			"attempt", attempt,
			"backoff", backoff.String(),
			"err", err,
		)
		if onRetry != nil {
			onRetry(attempt, err, backoff)
		}
	}

	ctx, span := tracing.Start(ctx, "execution.place",
		attribute.String("symbol", req.Symbol),
		attribute.String("quantity", req.Quantity.String()),
	)
	defer span.End()

	var res *execution.OrderResult
	attempts, err := policy.Do(ctx, func(ctx context.Context) error {
		// An emergency stop engaged during backoff blocks the next attempt.
		if o.risk.Halted() {
			return ErrHalted
		}
		var err error
		res, err = o.adapter.Place(ctx, req)
		return err
	})
	r.update(func(w *Workflow) { w.Attempts = attempts })
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		tracing.SetError(span, err)
		o.logger.Error("order placement failed",
			"correlation_id", r.id,
			"symbol", req.Symbol,
			"attempts", attempts,
			"err", err,
		)
		return nil, fmt.Errorf("place order for %s: %w", r.id, err)
	}
	if res == nil {
		return nil, execution.NewPermanent("place", "venue returned no order", nil)
	}
	return res, nil
}

// findPlaced asks the venue for an order under the workflow's client order
// id after placement failed. It returns (nil, nil) when the venue confirms
// there is none, and the lookup error when the outcome is still unknown.
func (o *Orchestrator) findPlaced(ctx context.Context, r *run) (*execution.OrderResult, error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CancelTimeout)
	defer cancel()

	res, err := o.adapter.Lookup(dctx, r.id)
	switch {
	case err == nil && res != nil:
		o.logger.Warn("order found after failed placement",
			"correlation_id", r.id,
			"order_id", res.OrderID,
			"status", string(res.Status),
		)
		return res, nil
	case err == nil, errors.Is(err, execution.ErrUnknownOrder):
		return nil, nil
	default:
		o.logger.Error("order lookup after failed placement failed",
			"correlation_id", r.id,
			"err", err,
		)
		return nil, err
	}
}

// unresolved fails a workflow whose order may exist at the venue and queues
// it so reconciliation can look the order up again.
func (o *Orchestrator) unresolved(r *run, cand model.Candidate, dec model.Decision, placeErr, lookupErr error) error {
	err := fmt.Errorf("%w: %s: %w", ErrUnresolved, r.id, errors.Join(placeErr, lookupErr))
	o.queue(newFill(r.id, cand, dec), true, err)
	o.transition(r, StateFailed, func(w *Workflow) {
		w.Pending = true
		w.Error = err.Error()
	})
	return err
}

// awaitFill polls until the order is terminal. When ctx ends first the
// order is resolved on a detached context: its status is queried, an open
// order is cancelled, and whatever filled is returned with the cause.
func (o *Orchestrator) awaitFill(ctx context.Context, r *run, res *execution.OrderResult) (*execution.OrderResult, error) {
	for !res.Status.Terminal() {
		select {
		case <-ctx.Done():
			return o.resolveInterrupted(ctx, r, res)
		case <-time.After(o.opts.PollInterval):
		}

		next, err := o.adapter.Status(ctx, res.OrderID)
		switch {
		case err == nil:
			res = next
		case ctx.Err() != nil:
			return o.resolveInterrupted(ctx, r, res)
		case execution.IsPermanent(err):
			return res, fmt.Errorf("order status for %s: %w", r.id, err)
		default:
			o.logger.Warn("order status query failed",
				"correlation_id", r.id,
				"order_id", res.OrderID,
				"err", err,
			)
		}
	}
	if res.Status == execution.StatusFilled {
		r.confirm()
	}
	return res, nil
}

func (o *Orchestrator) resolveInterrupted(ctx context.Context, r *run, last *execution.OrderResult) (*execution.OrderResult, error) {
	cause := context.Cause(ctx)
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CancelTimeout)
	defer cancel()

	res, err := o.adapter.Status(dctx, last.OrderID)
	if err != nil {
		o.logger.Warn("order status query after interruption failed",
			"correlation_id", r.id,
			"order_id", last.OrderID,
			"err", err,
		)
		res = last
	}
	if !res.Status.Terminal() {
		if err := o.adapter.Cancel(dctx, res.OrderID); err != nil {
			o.logger.Warn("order cancel failed",
				"correlation_id", r.id,
				"order_id", res.OrderID,
				"err", err,
			)
		}
		if next, err := o.adapter.Status(dctx, res.OrderID); err == nil {
			res = next
		}
	}

	if errors.Is(cause, ErrCancelled) {
		return res, ErrCancelled
	}
	return res, fmt.Errorf("workflow %s: order %s: %w", r.id, res.OrderID, cause)
}

// Cancel requests cancellation of an in-flight workflow. It is refused once
// the fill is confirmed.
func (o *Orchestrator) Cancel(correlationID string) error {
	o.mu.Lock()
	r, active := o.active[correlationID]
	_, done := o.recent[correlationID]
	o.mu.Unlock()

	if !active {
		if done {
			return ErrNotCancelable
		}
		return ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settling || r.wf.State.Terminal() {
		return ErrNotCancelable
	}
	r.cancel(ErrCancelled)
	o.logger.Info("workflow cancellation requested",
		"correlation_id", correlationID,
		"state", string(r.wf.State),
	)
	return nil
}

// Workflow returns the record for an in-flight or recent workflow.
func (o *Orchestrator) Workflow(correlationID string) (Workflow, bool) {
	r, ok := o.lookupRun(correlationID)
	if !ok {
		return Workflow{}, false
	}
	return r.snapshot(), true
}

// Active returns the workflows still running.
func (o *Orchestrator) Active() []Workflow {
	o.mu.Lock()
	runs := make([]*run, 0, len(o.active))
	for _, r := range o.active {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	out := make([]Workflow, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	slices.SortFunc(out, func(a, b Workflow) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Halt engages the emergency stop.
func (o *Orchestrator) Halt(reason string) {
	o.risk.Halt(reason)
}

// Resume clears the emergency stop.
func (o *Orchestrator) Resume() {
	o.risk.Resume()
}

// haltChanged publishes every emergency-stop change, including one made by
// a risk config update.
func (o *Orchestrator) haltChanged(halted bool, reason string) {
	if halted {
		metrics.Halted.Set(1)
		o.emit(Event{Type: EventHalt, Error: reason, At: o.now()})
		return
	}
	metrics.Halted.Set(0)
	o.emit(Event{Type: EventResume, At: o.now()})
}

// Halted reports whether the emergency stop is engaged.
func (o *Orchestrator) Halted() bool {
	return o.risk.Halted()
}

func withError(err error) func(*Workflow) {
	return func(w *Workflow) { w.Error = err.Error() }
}

// transition moves r to state to, applying mutate under r's lock, and
// publishes the event. Illegal moves are logged and dropped.
func (o *Orchestrator) transition(r *run, to State, mutate func(*Workflow)) {
	now := o.now()

	r.mu.Lock()
	from := r.wf.State
	if !canTransition(from, to) {
		r.mu.Unlock()
		o.logger.Error("illegal workflow transition",
			"correlation_id", r.id,
			"from", string(from),
			"to", string(to),
		)
		return
	}
	r.wf.State = to
	r.wf.UpdatedAt = now
	r.wf.Transitions = append(r.wf.Transitions, Transition{From: from, To: to, At: now})
	if mutate != nil {
		mutate(&r.wf)
	}
	ev := eventFor(r.wf, from, to, now)
	r.mu.Unlock()

	level := slog.LevelInfo
	if to == StateFailed {
		level = slog.LevelWarn
	}
	o.logger.Log(context.Background(), level, "workflow transition",
		"correlation_id", r.id,
		"symbol", ev.Symbol,
		"from", string(from),
		"to", string(to),
		"err", ev.Error,
	)
	o.emit(ev)
}

func eventFor(w Workflow, from, to State, at time.Time) Event {
	ev := Event{
		Type:          EventTransition,
		CorrelationID: w.CorrelationID,
		Symbol:        w.Signal.Symbol,
		Side:          w.Signal.Side,
		From:          from,
		To:            to,
		Error:         w.Error,
		At:            at,
	}
	if w.Decision != nil && (to == StateRiskChecked || to == StateRejected) {
		ev.Reasons = slices.Clone(w.Decision.Reasons)
		ev.Quantity = w.Decision.Quantity.String()
	}
	if w.Trade != nil && to == StateSettled {
		ev.TradeID = w.Trade.ID
		ev.Quantity = w.Trade.Quantity.String()
	}
	return ev
}

func (o *Orchestrator) emit(ev Event) {
	if o.opts.Sink == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("event sink panicked", "type", ev.Type, "panic", rec)
		}
	}()
	o.opts.Sink.Publish(ev)
}
