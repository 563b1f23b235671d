// Package retry is the single retry policy used for exchange calls.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy controls how many times and how quickly a call is retried.
type Policy struct {
	MaxAttempts    int // total calls including the first; < 1 means 1
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64 // fraction of each backoff randomised, 0 disables

	// Retryable reports whether err may be retried. Nil retries everything.
	Retryable func(error) bool

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultPolicy returns three attempts with exponential backoff from 200ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. It returns the number of calls made and the last error.
// Cancelling ctx stops the backoff; the returned error then wraps both
// ctx.Err() and the last call error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := max(p.MaxAttempts, 1)
	backoff := p.InitialBackoff

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if attempt >= maxAttempts || (p.Retryable != nil && !p.Retryable(lastErr)) {
			return attempt, lastErr
		}

		wait := backoff
		if p.Jitter > 0 {
			wait += time.Duration((rand.Float64()*2 - 1) * p.Jitter * float64(backoff))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, wait)
		}

		select {
		case <-ctx.Done():
			return attempt, fmt.Errorf("%w (last error: %w)", ctx.Err(), lastErr)
		case <-time.After(wait):
		}

		if p.Multiplier > 1 {
			backoff = time.Duration(float64(backoff) * p.Multiplier)
		}
		if p.MaxBackoff > 0 {
			backoff = min(backoff, p.MaxBackoff)
		}
	}
}
