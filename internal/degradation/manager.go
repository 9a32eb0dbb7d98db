package degradation

import (
	"context"
	"sync"
	"time"

	"github.com/agentfleet/coordinator/internal/circuitbreaker"
	"go.uber.org/zap"
)

// Manager coordinates all degradation-related functionality
type Manager struct {
	strategy              DegradationStrategy
	modeManager           *ModeManager
	partialResultsManager *PartialResultsManager
	logger                *zap.Logger

	// Background monitoring
	healthCheckInterval time.Duration
	stopCh              chan struct{}
	started             bool
	mu                  sync.RWMutex
}

// NewManager creates a new degradation manager. budget may be nil, in which
// case budget pressure never contributes to the degradation level.
func NewManager(
	redisWrapper breakerWrapper,
	databaseWrapper breakerWrapper,
	llmWrapper breakerWrapper,
	budget PressureSource,
	logger *zap.Logger,
) *Manager {
	// Create default strategy
	strategy := NewDefaultStrategy(logger, redisWrapper, databaseWrapper, llmWrapper, budget)

	// Create sub-managers
	modeManager := NewModeManager(strategy, logger)
	partialResultsManager := NewPartialResultsManager(strategy, logger)

	return &Manager{
		strategy:              strategy,
		modeManager:           modeManager,
		partialResultsManager: partialResultsManager,
		logger:                logger,
		healthCheckInterval:   30 * time.Second, // Check health every 30 seconds
		stopCh:                make(chan struct{}),
	}
}

// Start begins background health monitoring and degradation tracking
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	m.started = true

	// Start background health monitoring
	go m.healthMonitorLoop()

	m.logger.Info("Degradation manager started",
		zap.Duration("health_check_interval", m.healthCheckInterval),
	)

	return nil
}

// Stop stops background monitoring
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}

	close(m.stopCh)
	m.started = false

	m.logger.Info("Degradation manager stopped")

	return nil
}

// healthMonitorLoop runs periodic health checks and updates metrics
func (m *Manager) healthMonitorLoop() {
	ticker := time.NewTicker(m.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.updateHealthMetrics()
		}
	}
}

// updateHealthMetrics updates health-related metrics
func (m *Manager) updateHealthMetrics() {
	// Get system health from strategy
	if defaultStrategy, ok := m.strategy.(*DefaultStrategy); ok {
		health := defaultStrategy.checkSystemHealth()

		// Update dependency health metrics
		RecordDependencyHealth("redis", health.Redis.IsHealthy)
		RecordDependencyHealth("database", health.Database.IsHealthy)
		RecordDependencyHealth("language_model", health.LanguageModel.IsHealthy)

		// Update circuit breaker health metrics
		RecordCircuitBreakerHealth("redis", health.Redis.CircuitBreaker == circuitbreaker.StateOpen)
		RecordCircuitBreakerHealth("database", health.Database.CircuitBreaker == circuitbreaker.StateOpen)
		RecordCircuitBreakerHealth("language_model", health.LanguageModel.CircuitBreaker == circuitbreaker.StateOpen)

		// Update current degradation level
		currentDegradationLevel.Set(float64(health.Overall))
	}
}

// GetModeManager returns the mode manager for workflow use
func (m *Manager) GetModeManager() *ModeManager {
	return m.modeManager
}

// GetPartialResultsManager returns the partial results manager
func (m *Manager) GetPartialResultsManager() *PartialResultsManager {
	return m.partialResultsManager
}

// GetStrategy returns the degradation strategy
func (m *Manager) GetStrategy() DegradationStrategy {
	return m.strategy
}

// CheckSystemHealth returns current system health status
func (m *Manager) CheckSystemHealth(ctx context.Context) (*SystemHealth, error) {
	if defaultStrategy, ok := m.strategy.(*DefaultStrategy); ok {
		health := defaultStrategy.checkSystemHealth()
		return &health, nil
	}

	// Fallback health check
	_, level, err := m.strategy.ShouldDegrade(ctx)
	if err != nil {
		return nil, err
	}

	return &SystemHealth{
		Overall:   level,
		Timestamp: time.Now(),
	}, nil
}

// IsSystemDegraded returns true if system is currently in degraded state
func (m *Manager) IsSystemDegraded(ctx context.Context) (bool, DegradationLevel, error) {
	return m.strategy.ShouldDegrade(ctx)
}

// ShouldReturnPartialResults determines if partial results should be returned
func (m *Manager) ShouldReturnPartialResults(
	ctx context.Context,
	planCategory string,
	successCount, totalCount int,
) (bool, error) {
	return m.partialResultsManager.ShouldReturnPartialResults(ctx, planCategory, successCount, totalCount)
}

// AggregatePartialResults aggregates partial results into a coherent response
func (m *Manager) AggregatePartialResults(
	ctx context.Context,
	results []PartialResult,
	planCategory string,
) (*AggregatedResult, error) {
	return m.partialResultsManager.AggregateResults(ctx, results, planCategory)
}

// CreatePartialResult creates a partial result from component execution
func (m *Manager) CreatePartialResult(
	source string,
	success bool,
	result interface{},
	err error,
	confidence float64,
	degraded bool,
) PartialResult {
	return m.partialResultsManager.CreatePartialResult(source, success, result, err, confidence, degraded)
}

// CanExecuteOperation checks if an operation should proceed in current state
func (m *Manager) CanExecuteOperation(ctx context.Context, operation string) (bool, string, error) {
	canExecute, behavior, err := m.modeManager.CanExecuteOperation(ctx, operation)
	return canExecute, behavior.String(), err
}
