package executor

import (
	"github.com/agentfleet/coordinator/internal/budget"
	"github.com/agentfleet/coordinator/internal/costestimator"
)

// BudgetManager is the executor's view of the Budget Manager.
// *budget.Manager satisfies this directly.
type BudgetManager interface {
	ValidateOperation(operationID string, estimatedCost float64, agentID string, priority budget.Priority) (budget.ValidationResult, error)
	RecordUsage(operationID string, actualCost float64) error
	ReleaseReservation(operationID string) error
	EstimateTaskCost(task costestimator.Task) (float64, error)
	Snapshot() budget.Snapshot
}

// EventSink receives the ambient events a Coordinator run emits.
type EventSink struct {
	OnTaskAssigned   func(taskID, agentID string)
	OnTaskCompleted  func(taskID, agentID string)
	OnTaskFailed     func(taskID, agentID, reason string)
	OnTaskSkipped    func(taskID, reason string)
	OnPlanCheckpoint func(checkpointID string)
	OnPaused         func(checkpointID string)
	OnResumed        func(checkpointID string)
}
