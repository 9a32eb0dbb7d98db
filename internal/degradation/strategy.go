package degradation

import (
	"context"
	"time"

	"github.com/agentfleet/coordinator/internal/circuitbreaker"
	"go.uber.org/zap"
)

// DegradationStrategy defines how the system should degrade when
// collaborators fail or the Budget Manager reports sustained pressure.
type DegradationStrategy interface {
	// ShouldDegrade returns true if the system should enter degraded mode
	ShouldDegrade(ctx context.Context) (bool, DegradationLevel, error)

	// GetFallbackBehavior returns the fallback behavior for a specific operation
	GetFallbackBehavior(operation string) FallbackBehavior

	// RecordDegradation records a degradation event for metrics
	RecordDegradation(level DegradationLevel, reason string)
}

// DegradationLevel represents the severity of degradation
type DegradationLevel int

const (
	LevelNone DegradationLevel = iota
	LevelMinor                  // Single dependency issue, or medium budget pressure
	LevelModerate                // Multiple dependency issues, or high budget pressure
	LevelSevere                  // Critical dependency failure, or critical budget pressure
)

func (d DegradationLevel) String() string {
	switch d {
	case LevelNone:
		return "none"
	case LevelMinor:
		return "minor"
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	default:
		return "unknown"
	}
}

// FallbackBehavior defines how to handle an operation when degraded
type FallbackBehavior int

const (
	BehaviorProceed FallbackBehavior = iota // Continue with warnings
	BehaviorDegrade                         // Proceed but mark the checkpoint degraded
	BehaviorCache                           // Use cached results
	BehaviorSkip                            // Skip non-essential operations
	BehaviorFail                            // Fail fast
)

func (f FallbackBehavior) String() string {
	switch f {
	case BehaviorProceed:
		return "proceed"
	case BehaviorDegrade:
		return "degrade"
	case BehaviorCache:
		return "cache"
	case BehaviorSkip:
		return "skip"
	case BehaviorFail:
		return "fail"
	default:
		return "unknown"
	}
}

// DependencyHealth represents the health status of a dependency
type DependencyHealth struct {
	Name           string
	IsHealthy      bool
	CircuitBreaker circuitbreaker.State
	LastCheckTime  time.Time
}

// SystemHealth aggregates dependency health and budget pressure.
type SystemHealth struct {
	Redis          DependencyHealth
	Database       DependencyHealth
	LanguageModel  DependencyHealth
	BudgetPressure string // low/medium/high/critical, from budget.Manager.PressureLevel
	Overall        DegradationLevel
	Timestamp      time.Time
}

// PressureSource reports the Budget Manager's current utilization band,
// decoupling this package from a direct budget.Manager import.
type PressureSource interface {
	PressureLevel() string
}

type breakerWrapper interface{ IsCircuitBreakerOpen() bool }

// DefaultStrategy implements a conservative degradation strategy: it treats
// the collaborator wrappers' own circuit breakers as the dependency signal,
// and folds the Budget Manager's pressure band in as a fourth input, since
// sustained budget pressure degrades a run just as surely as a dead
// dependency does.
type DefaultStrategy struct {
	logger   *zap.Logger
	redis    breakerWrapper
	database breakerWrapper
	llm      breakerWrapper
	budget   PressureSource
}

// NewDefaultStrategy creates a new default degradation strategy. budget may
// be nil, in which case budget pressure never contributes to the level.
func NewDefaultStrategy(
	logger *zap.Logger,
	redisWrapper breakerWrapper,
	databaseWrapper breakerWrapper,
	llmWrapper breakerWrapper,
	budget PressureSource,
) *DefaultStrategy {
	return &DefaultStrategy{
		logger:   logger,
		redis:    redisWrapper,
		database: databaseWrapper,
		llm:      llmWrapper,
		budget:   budget,
	}
}

// ShouldDegrade determines if the system should degrade based on circuit
// breaker states and budget pressure.
func (ds *DefaultStrategy) ShouldDegrade(ctx context.Context) (bool, DegradationLevel, error) {
	health := ds.checkSystemHealth()

	if health.Overall != LevelNone {
		ds.logger.Warn("system degradation triggered",
			zap.String("level", health.Overall.String()),
			zap.Bool("redis_healthy", health.Redis.IsHealthy),
			zap.Bool("database_healthy", health.Database.IsHealthy),
			zap.Bool("language_model_healthy", health.LanguageModel.IsHealthy),
			zap.String("budget_pressure", health.BudgetPressure),
		)
	}

	return health.Overall != LevelNone, health.Overall, nil
}

// GetFallbackBehavior returns the appropriate fallback behavior for an
// executor operation given current system health.
func (ds *DefaultStrategy) GetFallbackBehavior(operation string) FallbackBehavior {
	health := ds.checkSystemHealth()

	switch operation {
	case "checkpoint_write":
		// Checkpoint durability is the executor's core invariant: never skip it.
		return BehaviorProceed

	case "lock_acquire":
		if !health.Redis.IsHealthy {
			return BehaviorDegrade
		}
		return BehaviorProceed

	case "task_dispatch":
		if health.Overall >= LevelSevere {
			return BehaviorSkip
		}
		if health.Overall >= LevelModerate {
			return BehaviorDegrade
		}
		return BehaviorProceed

	case "llm_call":
		if !health.LanguageModel.IsHealthy {
			return BehaviorCache
		}
		return BehaviorProceed

	default:
		return BehaviorProceed
	}
}

// RecordDegradation records degradation events for monitoring
func (ds *DefaultStrategy) RecordDegradation(level DegradationLevel, reason string) {
	ds.logger.Info("degradation event recorded",
		zap.String("level", level.String()),
		zap.String("reason", reason),
	)

	degradationEventsTotal.WithLabelValues(level.String(), reason).Inc()
	currentDegradationLevel.Set(float64(level))
}

// checkSystemHealth checks the health of all collaborator dependencies plus
// budget pressure.
func (ds *DefaultStrategy) checkSystemHealth() SystemHealth {
	now := time.Now()

	health := SystemHealth{
		Timestamp: now,
		Redis: DependencyHealth{
			Name:          "redis",
			IsHealthy:     !ds.redis.IsCircuitBreakerOpen(),
			LastCheckTime: now,
		},
		Database: DependencyHealth{
			Name:          "database",
			IsHealthy:     !ds.database.IsCircuitBreakerOpen(),
			LastCheckTime: now,
		},
		LanguageModel: DependencyHealth{
			Name:          "language-model",
			IsHealthy:     !ds.llm.IsCircuitBreakerOpen(),
			LastCheckTime: now,
		},
	}

	if ds.redis.IsCircuitBreakerOpen() {
		health.Redis.CircuitBreaker = circuitbreaker.StateOpen
	} else {
		health.Redis.CircuitBreaker = circuitbreaker.StateClosed
	}
	if ds.database.IsCircuitBreakerOpen() {
		health.Database.CircuitBreaker = circuitbreaker.StateOpen
	} else {
		health.Database.CircuitBreaker = circuitbreaker.StateClosed
	}
	if ds.llm.IsCircuitBreakerOpen() {
		health.LanguageModel.CircuitBreaker = circuitbreaker.StateOpen
	} else {
		health.LanguageModel.CircuitBreaker = circuitbreaker.StateClosed
	}

	failedCount := 0
	if !health.Redis.IsHealthy {
		failedCount++
	}
	if !health.Database.IsHealthy {
		failedCount++
	}
	if !health.LanguageModel.IsHealthy {
		failedCount++
	}

	level := LevelNone
	switch failedCount {
	case 0:
		level = LevelNone
	case 1:
		level = LevelMinor
	case 2:
		level = LevelModerate
	default:
		level = LevelSevere
	}

	if ds.budget != nil {
		health.BudgetPressure = ds.budget.PressureLevel()
		switch health.BudgetPressure {
		case "critical":
			level = maxLevel(level, LevelSevere)
		case "high":
			level = maxLevel(level, LevelModerate)
		case "medium":
			level = maxLevel(level, LevelMinor)
		}
	}

	health.Overall = level
	return health
}

func maxLevel(a, b DegradationLevel) DegradationLevel {
	if a > b {
		return a
	}
	return b
}
