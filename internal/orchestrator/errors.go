package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/atmx/spot-engine/internal/model"
)

var (
	// ErrValidation is returned for malformed signals, before any risk
	// evaluation takes place.
	ErrValidation = errors.New("orchestrator: invalid signal")

	// ErrInFlight is returned when a workflow with the same correlation id
	// is still running.
	ErrInFlight = errors.New("orchestrator: correlation id already in flight")

	// ErrHalted is returned when the emergency stop blocks a workflow.
	ErrHalted = errors.New("orchestrator: emergency stop engaged")

	// ErrCancelled is the cause recorded for operator cancellations.
	ErrCancelled = errors.New("orchestrator: workflow cancelled")

	// ErrNotFound is returned by Cancel for unknown correlation ids.
	ErrNotFound = errors.New("orchestrator: workflow not found")

	// ErrNotCancelable is returned by Cancel once the fill is confirmed or the
	// workflow has finished.
	ErrNotCancelable = errors.New("orchestrator: workflow can no longer be cancelled")

	// ErrUnresolved is returned when placement failed and the venue could not
	// say whether it holds the order. The workflow stays pending
	// reconciliation.
	ErrUnresolved = errors.New("orchestrator: order outcome unknown")

	// ErrOrderFailed wraps venue outcomes that ended without a fill.
	ErrOrderFailed = errors.New("orchestrator: order ended without a fill")
)

// RejectedError carries the risk rules that blocked a workflow.
type RejectedError struct {
	CorrelationID string
	Reasons       []model.Reason
}

func (e *RejectedError) Error() string {
	reasons := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		reasons[i] = string(r)
	}
	return fmt.Sprintf("orchestrator: workflow %s rejected by risk: %s", e.CorrelationID, strings.Join(reasons, ", "))
}
