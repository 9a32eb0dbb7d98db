package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentfleet/coordinator/internal/budget"
	"github.com/agentfleet/coordinator/internal/costestimator"
	"github.com/agentfleet/coordinator/internal/statestore"
)

// StateStore is the Hub's view of the State Store collaborator.
// *statestore.Store satisfies this directly.
type StateStore interface {
	Read(ctx context.Context, key, agentID string, consistency statestore.Consistency) (json.RawMessage, int64, error)
	Write(ctx context.Context, key string, value json.RawMessage, agentID string, expectedVersion int64) (statestore.WriteResult, error)
	Subscribe(pattern, agentID string, cb statestore.Callback) string
	Unsubscribe(subscriptionID string) error
}

// LockManager is the Hub's view of the Distributed Lock Manager.
// *lockmanager.Manager satisfies this directly.
type LockManager interface {
	AcquireLock(ctx context.Context, resourceID, agentID string, timeout time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockID string) error
	VerifyLock(lockID, agentID string) bool
	CleanupAgent(agentID string)
}

// BudgetManager is the Hub's view of the Budget Manager, for the
// TASK_COMPLETE usage hook and the BUDGET_CHECK/BUDGET_STATUS passthroughs.
// *budget.Manager satisfies this directly.
type BudgetManager interface {
	ValidateOperation(operationID string, estimatedCost float64, agentID string, priority budget.Priority) (budget.ValidationResult, error)
	RecordUsage(operationID string, actualCost float64) error
	EstimateMessageCost(model string, messages []costestimator.Message, maxTokens int) (costestimator.Estimate, error)
	Snapshot() budget.Snapshot
}
