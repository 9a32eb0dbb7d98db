package degradation

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ModeManager translates a degradation strategy's fallback behavior into a
// go/no-go decision for a named executor operation.
type ModeManager struct {
	strategy DegradationStrategy
	logger   *zap.Logger
}

// NewModeManager creates a new mode manager with degradation strategy
func NewModeManager(strategy DegradationStrategy, logger *zap.Logger) *ModeManager {
	return &ModeManager{
		strategy: strategy,
		logger:   logger,
	}
}

// GetFallbackBehaviorForOperation returns the appropriate fallback behavior
// for a named operation ("task_dispatch", "checkpoint_write", "lock_acquire",
// "llm_call"), recording that it was requested.
func (mm *ModeManager) GetFallbackBehaviorForOperation(operation string) FallbackBehavior {
	behavior := mm.strategy.GetFallbackBehavior(operation)
	RecordFallbackBehavior(operation, behavior)
	return behavior
}

// CanExecuteOperation checks if an operation should proceed in the current
// degradation state. The returned FallbackBehavior names the behavior that was
// applied, for a checkpoint's degraded-mode annotation.
func (mm *ModeManager) CanExecuteOperation(ctx context.Context, operation string) (bool, FallbackBehavior, error) {
	behavior := mm.GetFallbackBehaviorForOperation(operation)

	switch behavior {
	case BehaviorProceed:
		return true, behavior, nil
	case BehaviorDegrade:
		return true, behavior, nil // proceed, but the caller marks the result degraded
	case BehaviorCache:
		return true, behavior, nil // proceed, caller substitutes a cached result
	case BehaviorSkip:
		return false, behavior, nil
	case BehaviorFail:
		return false, behavior, fmt.Errorf("operation %s rejected: system degraded", operation)
	default:
		return true, behavior, nil
	}
}
