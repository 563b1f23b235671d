package orchestrator

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/model"
)

// State is a workflow lifecycle state.
type State string

const (
	StateReceived    State = "received"
	StateRiskChecked State = "risk_checked"
	StateExecuting   State = "executing"
	StateSettled     State = "settled"
	StateRejected    State = "rejected"
	StateFailed      State = "failed"
	StateHalted      State = "emergency_halted"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether no further transition is expected. A failed
// workflow may still settle through reconciliation.
func (s State) Terminal() bool {
	switch s {
	case StateSettled, StateRejected, StateFailed, StateHalted, StateCancelled:
		return true
	}
	return false
}

// transitions lists the legal moves out of each state.
var transitions = map[State][]State{
	StateReceived:    {StateRiskChecked, StateHalted, StateCancelled, StateFailed},
	StateRiskChecked: {StateExecuting, StateRejected, StateHalted, StateCancelled, StateFailed},
	StateExecuting:   {StateSettled, StateFailed, StateCancelled, StateHalted}, // halted only before an order is accepted
	StateFailed:      {StateSettled}, // pending fill reconciled
}

func canTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Workflow is the observable record of one signal's path through the
// engine.
type Workflow struct {
	CorrelationID     string          `json:"correlation_id"`
	Signal            model.Signal    `json:"signal"`
	State             State           `json:"state"`
	RequestedQuantity decimal.Decimal `json:"requested_quantity"`
	Decision          *model.Decision `json:"decision,omitempty"`
	OrderID           string          `json:"order_id,omitempty"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity"`
	Attempts          int             `json:"attempts"`
	Trade             *model.Trade    `json:"trade,omitempty"`
	Pending           bool            `json:"pending,omitempty"` // fill awaiting reconciliation
	Error             string          `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Transitions       []Transition    `json:"transitions"`
}

func (w Workflow) clone() Workflow {
	w.Transitions = slices.Clone(w.Transitions)
	if w.Decision != nil {
		d := *w.Decision
		d.Reasons = slices.Clone(d.Reasons)
		w.Decision = &d
	}
	if w.Trade != nil {
		t := *w.Trade
		w.Trade = &t
	}
	return w
}

// Event types.
const (
	EventTransition = "workflow.transition"
	EventHalt       = "engine.halted"
	EventResume     = "engine.resumed"
)

// Event is published on every workflow transition and on halt changes.
type Event struct {
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Symbol        string         `json:"symbol,omitempty"`
	Side          model.Side     `json:"side,omitempty"`
	From          State          `json:"from,omitempty"`
	To            State          `json:"to,omitempty"`
	Reasons       []model.Reason `json:"reasons,omitempty"`
	Quantity      string         `json:"quantity,omitempty"`
	TradeID       int64          `json:"trade_id,omitempty"`
	Error         string         `json:"error,omitempty"`
	At            time.Time      `json:"at"`
}

// EventSink receives workflow events. Publish must not block; the
// orchestrator never waits on or checks delivery.
type EventSink interface {
	Publish(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Publish(ev Event) { f(ev) }
