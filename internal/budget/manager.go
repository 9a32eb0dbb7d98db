// Package budget is the coordination core's single source of truth for how
// much money remains and the serializer of validate-and-reserve. It owns the
// usage ledger exclusively: no other package reaches into reservation or
// history state directly.
package budget

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfleet/coordinator/internal/circuitbreaker"
	"github.com/agentfleet/coordinator/internal/costestimator"
	"github.com/agentfleet/coordinator/internal/metrics"
	"github.com/agentfleet/coordinator/internal/ratecontrol"
)

// Priority orders how allocateBudget buckets tasks.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Status is an Operation's lifecycle state.
type Status string

const (
	StatusReserved  Status = "reserved"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusReleased  Status = "released"
)

// Operation is a single unit of billable work with an estimated and (after
// completion) actual cost.
type Operation struct {
	OperationID   string
	EstimatedCost float64
	ActualCost    float64
	AgentID       string
	Priority      Priority
	Timestamp     time.Time
	Status        Status
	CompletedAt   *time.Time
}

// Config is the Budget Manager's immutable construction-time configuration.
type Config struct {
	MaxBudget        float64
	MinReserve       float64
	WarningThreshold float64 // (0,1]
	StepTimeout      time.Duration
	Model            string
}

func (c Config) validate() error {
	if c.MinReserve < 0 {
		return errors.New("budget: minReserve must be >= 0")
	}
	if c.MaxBudget < c.MinReserve {
		return errors.New("budget: maxBudget must be >= minReserve")
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > 1 {
		return errors.New("budget: warningThreshold must be in (0,1]")
	}
	return nil
}

// Mutex Lock Ordering (IMPORTANT - to prevent deadlocks):
//
//  1. mu - the ledger mutex. Guards total, reserved, operations, history.
//     validateOperation, recordUsage and releaseReservation hold this for
//     their entire critical section; the ledger read and the ledger
//     mutation in that path are never separated by a lock release.
//  2. breaker has its own internal serialization primitive (see
//     internal/circuitbreaker) and is never called while holding mu for
//     longer than the single CanExecute/RecordSuccess/RecordFailure call.
//
// Never acquire a lower-numbered lock while holding a higher-numbered one.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex // Lock order: 1
	total      float64
	reserved   float64
	operations map[string]*Operation
	history    []*Operation

	breaker *circuitbreaker.CircuitBreaker

	events EventSink
}

// EventSink receives the ambient events the Budget Manager emits. A nil
// field on Manager disables emission for that event only; callers that
// don't care about an event category can pass a partially-populated sink.
type EventSink struct {
	OnBudgetWarning       func(operationID string, utilizationPercent float64)
	OnUsageRecorded       func(op Operation)
	OnReservationReleased func(operationID string)
	OnOperationExpired    func(operationID string)
}

// NewManager constructs a Budget Manager. breaker guards validateOperation;
// its success/failure recording follows the completion-time semantics the
// spec mandates (see RecordUsage / failures below) rather than recording a
// success at validation time.
func NewManager(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger, events EventSink) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		operations: make(map[string]*Operation),
		breaker:    breaker,
		events:     events,
	}, nil
}

// ValidationResult is returned by ValidateOperation on success.
type ValidationResult struct {
	Approved           bool
	Remaining          float64
	UtilizationPercent float64
}

// ValidateOperation is the atomic validate-and-reserve critical section.
// Circuit-breaker success is NOT recorded here; only a paired RecordUsage
// counts as a successful operation outcome. Any failure here records a
// breaker failure.
func (m *Manager) ValidateOperation(operationID string, estimatedCost float64, agentID string, priority Priority) (ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.breaker != nil && !m.breaker.CanExecute() {
		m.recordBreakerFailure()
		metrics.RecordBudgetReservation(string(priority), "rejected")
		return ValidationResult{}, &BudgetError{Kind: ErrKindCircuitOpen, OperationID: operationID}
	}

	projected := m.total + m.reserved + estimatedCost
	if projected > m.cfg.MaxBudget {
		m.recordBreakerFailure()
		metrics.RecordBudgetReservation(string(priority), "rejected")
		return ValidationResult{}, &CostOverrunError{OperationID: operationID, Projected: projected, MaxBudget: m.cfg.MaxBudget}
	}

	if m.cfg.MaxBudget-projected < m.cfg.MinReserve {
		m.recordBreakerFailure()
		metrics.RecordBudgetReservation(string(priority), "rejected")
		return ValidationResult{}, &BudgetError{Kind: ErrKindReserveViolation, OperationID: operationID}
	}

	if _, exists := m.operations[operationID]; exists {
		m.recordBreakerFailure()
		metrics.RecordBudgetReservation(string(priority), "rejected")
		return ValidationResult{}, &BudgetValidationError{OperationID: operationID, Reason: "operation id already reserved"}
	}

	m.reserved += estimatedCost
	m.operations[operationID] = &Operation{
		OperationID:   operationID,
		EstimatedCost: estimatedCost,
		AgentID:       agentID,
		Priority:      priority,
		Timestamp:     time.Now(),
		Status:        StatusReserved,
	}
	metrics.RecordBudgetReservation(string(priority), "approved")
	metrics.BudgetReservedAmount.Set(m.reserved)

	utilization := projected / m.cfg.MaxBudget
	if utilization >= m.cfg.WarningThreshold && m.events.OnBudgetWarning != nil {
		m.events.OnBudgetWarning(operationID, utilization)
	}

	return ValidationResult{
		Approved:           true,
		Remaining:          m.cfg.MaxBudget - projected,
		UtilizationPercent: utilization,
	}, nil
}

// EstimateTaskCost delegates to costestimator.EstimateTaskCost, defaulting
// task.Model to the Manager's configured model when the caller leaves it
// blank. This is the Budget Manager's own entry point for turning a unit
// of work into a dollar figure, so ValidateOperation's callers (the
// Task Executor, the Communication Hub's BUDGET_CHECK handler) are never
// left supplying a bare, self-reported float.
func (m *Manager) EstimateTaskCost(task costestimator.Task) (float64, error) {
	if task.Model == "" {
		task.Model = m.cfg.Model
	}
	return costestimator.EstimateTaskCost(task)
}

// EstimateMessageCost delegates to costestimator.EstimateMessageCost,
// defaulting an empty model to the Manager's configured model.
func (m *Manager) EstimateMessageCost(model string, messages []costestimator.Message, maxTokens int) (costestimator.Estimate, error) {
	if model == "" {
		model = m.cfg.Model
	}
	return costestimator.EstimateMessageCost(model, messages, maxTokens)
}

// RecordUsage closes out a reserved operation with its actual cost: total
// grows by actualCost, reserved shrinks by the original estimate, the
// operation moves to history, and the breaker records a success — this is
// the only place a successful end-to-end operation outcome is recorded.
func (m *Manager) RecordUsage(operationID string, actualCost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[operationID]
	if !ok || op.Status != StatusReserved {
		m.recordBreakerFailure()
		return &BudgetError{Kind: ErrKindUntracked, OperationID: operationID}
	}

	m.total += actualCost
	m.reserved -= op.EstimatedCost
	if m.reserved < 0 {
		m.reserved = 0
	}
	metrics.BudgetReservedAmount.Set(m.reserved)
	metrics.BudgetUsageRecorded.Observe(actualCost)

	now := time.Now()
	op.ActualCost = actualCost
	op.Status = StatusCompleted
	op.CompletedAt = &now
	delete(m.operations, operationID)
	m.history = append(m.history, op)

	if m.breaker != nil {
		m.breaker.RecordSuccess()
	}

	if m.events.OnUsageRecorded != nil {
		m.events.OnUsageRecorded(*op)
	}

	return nil
}

// ReleaseReservation is the canonical cleanup path when a reserved operation
// fails before completion: it subtracts the reservation, removes the
// operation, and emits reservationReleased. Unknown or non-reserved
// operations are rejected.
func (m *Manager) ReleaseReservation(operationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[operationID]
	if !ok || op.Status != StatusReserved {
		return &BudgetError{Kind: ErrKindUntracked, OperationID: operationID}
	}

	m.reserved -= op.EstimatedCost
	if m.reserved < 0 {
		m.reserved = 0
	}
	delete(m.operations, operationID)

	op.Status = StatusReleased
	m.history = append(m.history, op)

	if m.events.OnReservationReleased != nil {
		m.events.OnReservationReleased(operationID)
	}

	return nil
}

// AllocatableTask is the minimal shape AllocateBudget buckets by priority.
type AllocatableTask struct {
	TaskID        string
	Priority      Priority
	EstimatedCost float64
}

// AllocationReport is a read-only plan: AllocateBudget never mutates the
// ledger, per the spec's design note — planners can iterate without holding
// reservations, and must separately call ValidateOperation per task.
type AllocationReport struct {
	Allocations map[string]float64 // taskID -> allocated amount
	Feasible    bool
	Reason      string
}

// AllocateBudget sums HIGH-priority cost first; if HIGH alone exceeds
// available budget, the whole plan is infeasible. Otherwise MEDIUM and LOW
// are scaled proportionally to whatever remains, and again to whatever a
// provider/tier's ceiling can actually carry within a minute: a plan with
// more non-HIGH tasks than the ceiling's RPM allows gets the same
// proportional haircut as one that's short on dollars. A zero-value ceiling
// imposes no additional scaling.
func (m *Manager) AllocateBudget(tasks []AllocatableTask, ceiling ratecontrol.RateLimit) AllocationReport {
	m.mu.Lock()
	available := m.cfg.MaxBudget - m.total - m.reserved
	m.mu.Unlock()

	var high, medium, low float64
	byPriority := map[Priority][]AllocatableTask{}
	for _, t := range tasks {
		byPriority[t.Priority] = append(byPriority[t.Priority], t)
		switch t.Priority {
		case PriorityHigh:
			high += t.EstimatedCost
		case PriorityMedium:
			medium += t.EstimatedCost
		default:
			low += t.EstimatedCost
		}
	}

	if high > available {
		return AllocationReport{Feasible: false, Reason: "HIGH priority tasks alone exceed available budget"}
	}

	allocations := make(map[string]float64, len(tasks))
	for _, t := range byPriority[PriorityHigh] {
		allocations[t.TaskID] = t.EstimatedCost
	}

	remainder := available - high
	requested := medium + low
	scale := 1.0
	if requested > remainder && requested > 0 {
		scale = remainder / requested
	}

	nonHighCount := len(byPriority[PriorityMedium]) + len(byPriority[PriorityLow])
	if ceiling.RPM > 0 && nonHighCount > ceiling.RPM {
		rateScale := float64(ceiling.RPM) / float64(nonHighCount)
		if rateScale < scale {
			scale = rateScale
		}
	}

	for _, t := range byPriority[PriorityMedium] {
		allocations[t.TaskID] = t.EstimatedCost * scale
	}
	for _, t := range byPriority[PriorityLow] {
		allocations[t.TaskID] = t.EstimatedCost * scale
	}

	return AllocationReport{Allocations: allocations, Feasible: true}
}

// Snapshot is a read-only view of ledger totals for observers (health
// checks, dashboards, degradation mode decisions).
type Snapshot struct {
	Total    float64
	Reserved float64
	Max      float64
}

// Snapshot returns the current quiescent ledger totals.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Total: m.total, Reserved: m.reserved, Max: m.cfg.MaxBudget}
}

// PressureLevel classifies current utilization for the degradation manager.
func (m *Manager) PressureLevel() string {
	s := m.Snapshot()
	utilization := (s.Total + s.Reserved) / s.Max
	switch {
	case utilization >= 0.95:
		return "critical"
	case utilization >= 0.85:
		return "high"
	case utilization >= m.cfg.WarningThreshold:
		return "medium"
	default:
		return "low"
	}
}

// Cleanup is the periodic sweep (default every 10s, driven by whatever
// caller owns a ticker): any reserved operation older than stepTimeout is
// forcibly released and emits operationExpired.
func (m *Manager) Cleanup(now time.Time) []string {
	m.mu.Lock()
	var expired []string
	for id, op := range m.operations {
		if op.Status == StatusReserved && now.Sub(op.Timestamp) > m.cfg.StepTimeout {
			m.reserved -= op.EstimatedCost
			if m.reserved < 0 {
				m.reserved = 0
			}
			op.Status = StatusExpired
			m.history = append(m.history, op)
			delete(m.operations, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if m.events.OnOperationExpired != nil {
			m.events.OnOperationExpired(id)
		}
		if m.logger != nil {
			m.logger.Info("budget reservation expired", zap.String("operation_id", id))
		}
	}
	return expired
}

// RunCleanupLoop runs Cleanup on interval until stop is closed. Grounded on
// the teacher's preference for an explicitly owned goroutine over a
// package-level background timer.
func (m *Manager) RunCleanupLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Cleanup(time.Now())
		case <-stop:
			return
		}
	}
}

func (m *Manager) recordBreakerFailure() {
	if m.breaker != nil {
		m.breaker.RecordFailure()
	}
}

// NewOperationID is a small convenience wrapper so callers don't need a
// direct uuid import solely for operation ids.
func NewOperationID() string {
	return uuid.New().String()
}
