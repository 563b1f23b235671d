package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSymbolLocks_WaitHonoursContext(t *testing.T) {
	locks := newSymbolLocks()

	unlock, err := locks.acquire(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locks.acquire(ctx, "BTCUSDT"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second acquire = %v, want deadline exceeded", err)
	}

	// Other symbols are independent.
	other, err := locks.acquire(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("acquire ETHUSDT while BTCUSDT held: %v", err)
	}
	other()

	unlock()
	unlock() // idempotent

	again, err := locks.acquire(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.locks) != 0 {
		t.Errorf("%d lock entries left after release", len(locks.locks))
	}
}

func TestCanTransition(t *testing.T) {
	if !canTransition(StateExecuting, StateSettled) {
		t.Error("executing → settled refused")
	}
	if canTransition(StateSettled, StateExecuting) {
		t.Error("settled → executing allowed")
	}
	if !canTransition(StateFailed, StateSettled) {
		t.Error("reconciled failure cannot settle")
	}
	if canTransition(StateRejected, StateSettled) {
		t.Error("rejected → settled allowed")
	}
}
