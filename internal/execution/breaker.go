package execution

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures the circuit breaker decorator.
type BreakerSettings struct {
	Name         string
	MinRequests  uint32        // requests in the window before tripping is considered
	FailureRatio float64       // transient failure ratio that trips the breaker
	Interval     time.Duration // closed-state counter reset period
	Timeout      time.Duration // open-state duration before half-open
	MaxRequests  uint32        // trial requests allowed while half-open

	// OnStateChange is called after each state transition. Without it the
	// transition is logged.
	OnStateChange func(name string, from, to gobreaker.State)
}

// Breaker wraps an Adapter with a circuit breaker. Only transient failures
// count against the venue; an open circuit is reported as a transient error
// so callers back off and retry.
type Breaker struct {
	next Adapter
	cb   *gobreaker.CircuitBreaker
}

var _ Adapter = (*Breaker)(nil)

// NewBreaker wraps next.
func NewBreaker(next Adapter, st BreakerSettings) *Breaker {
	ratio := st.FailureRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	minRequests := st.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}

	gs := gobreaker.Settings{
		Name:        st.Name,
		MaxRequests: st.MaxRequests,
		Interval:    st.Interval,
		Timeout:     st.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failures := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && failures >= ratio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if st.OnStateChange == nil {
				slog.Warn("execution circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String(),
				)
				return
			}
			st.OnStateChange(name, from, to)
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(gs)}
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) Place(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.Place(ctx, req)
	})
	return breakerResult(res, err, "place")
}

func (b *Breaker) Status(ctx context.Context, orderID string) (*OrderResult, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.Status(ctx, orderID)
	})
	return breakerResult(res, err, "status")
}

func (b *Breaker) Lookup(ctx context.Context, clientOrderID string) (*OrderResult, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.Lookup(ctx, clientOrderID)
	})
	return breakerResult(res, err, "lookup")
}

// Cancel is always attempted: with the circuit open the call goes straight
// to the venue.
func (b *Breaker) Cancel(ctx context.Context, orderID string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Cancel(ctx, orderID)
	})
	if isOpen(err) {
		return b.next.Cancel(ctx, orderID)
	}
	return err
}

func breakerResult(res any, err error, op string) (*OrderResult, error) {
	if isOpen(err) {
		return nil, NewTransient(op, err)
	}
	if err != nil {
		return nil, err
	}
	r, _ := res.(*OrderResult)
	return r, nil
}

func isOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
