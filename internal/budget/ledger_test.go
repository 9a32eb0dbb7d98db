package budget

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentfleet/coordinator/internal/circuitbreaker"
	"github.com/agentfleet/coordinator/internal/ratecontrol"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	cbCfg := circuitbreaker.DefaultConfig()
	// S1 rejects 50 reservations in a row; a threshold above that keeps the
	// breaker closed so each rejection surfaces as the ledger's own error.
	cbCfg.FailureThreshold = 1000
	cb := circuitbreaker.NewCircuitBreaker("budget-test", cbCfg, zap.NewNop())
	m, err := NewManager(cfg, cb, zap.NewNop(), EventSink{})
	require.NoError(t, err)
	return m
}

// TestBudgetRace is spec scenario S1: maxBudget=10.00, minReserve=0, empty
// ledger. 100 concurrent validateOperation("op-k", 0.20, "a", MEDIUM) calls.
// Exactly 50 must succeed, 50 must fail with CostOverrunError, reserved must
// end at 10.00, total at 0.
func TestBudgetRace(t *testing.T) {
	m := newTestManager(t, Config{MaxBudget: 10.00, MinReserve: 0, WarningThreshold: 1.0, StepTimeout: time.Minute})

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, failures := 0, 0

	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.ValidateOperation(fmt.Sprintf("op-%d", i), 0.20, "a", PriorityMedium)
			mu.Lock()
			if err == nil {
				successes++
			} else {
				failures++
				var overrun *CostOverrunError
				assert.ErrorAs(t, err, &overrun)
			}
			mu.Unlock()
		}(i)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("budget race test timed out - possible deadlock")
	}

	assert.Equal(t, 50, successes)
	assert.Equal(t, 50, failures)

	snap := m.Snapshot()
	assert.InDelta(t, 10.00, snap.Reserved, 0.0001)
	assert.InDelta(t, 0.0, snap.Total, 0.0001)
}

// TestReservationReleaseOnFailure is spec scenario S2: reserve op-x=3.00,
// then release it. reserved must drop to 0, and a subsequent recordUsage on
// the same id must fail with BudgetError(untracked).
func TestReservationReleaseOnFailure(t *testing.T) {
	m := newTestManager(t, Config{MaxBudget: 10.00, MinReserve: 0, WarningThreshold: 1.0, StepTimeout: time.Minute})

	_, err := m.ValidateOperation("op-x", 3.00, "a", PriorityHigh)
	require.NoError(t, err)

	require.NoError(t, m.ReleaseReservation("op-x"))
	assert.InDelta(t, 0.0, m.Snapshot().Reserved, 0.0001)

	err = m.RecordUsage("op-x", 2.50)
	require.Error(t, err)
	var budgetErr *BudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, ErrKindUntracked, budgetErr.Kind)
}

func TestMinReserveViolation(t *testing.T) {
	m := newTestManager(t, Config{MaxBudget: 10.00, MinReserve: 5.00, WarningThreshold: 1.0, StepTimeout: time.Minute})

	_, err := m.ValidateOperation("op-1", 6.00, "a", PriorityHigh)
	require.Error(t, err)
	var budgetErr *BudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, ErrKindReserveViolation, budgetErr.Kind)
}

func TestRecordUsageMovesToHistoryAndRecordsBreakerSuccess(t *testing.T) {
	m := newTestManager(t, Config{MaxBudget: 10.00, MinReserve: 0, WarningThreshold: 1.0, StepTimeout: time.Minute})

	_, err := m.ValidateOperation("op-1", 1.00, "a", PriorityLow)
	require.NoError(t, err)
	require.NoError(t, m.RecordUsage("op-1", 0.80))

	snap := m.Snapshot()
	assert.InDelta(t, 0.80, snap.Total, 0.0001)
	assert.InDelta(t, 0.0, snap.Reserved, 0.0001)
	require.Len(t, m.history, 1)
	assert.Equal(t, StatusCompleted, m.history[0].Status)
}

func TestCleanupExpiresStaleReservations(t *testing.T) {
	m := newTestManager(t, Config{MaxBudget: 10.00, MinReserve: 0, WarningThreshold: 1.0, StepTimeout: 10 * time.Millisecond})

	_, err := m.ValidateOperation("op-1", 1.00, "a", PriorityLow)
	require.NoError(t, err)

	expired := m.Cleanup(time.Now().Add(100 * time.Millisecond))
	require.Equal(t, []string{"op-1"}, expired)
	assert.InDelta(t, 0.0, m.Snapshot().Reserved, 0.0001)
}

func TestAllocateBudgetDoesNotMutateLedger(t *testing.T) {
	m := newTestManager(t, Config{MaxBudget: 10.00, MinReserve: 0, WarningThreshold: 1.0, StepTimeout: time.Minute})

	report := m.AllocateBudget([]AllocatableTask{
		{TaskID: "h1", Priority: PriorityHigh, EstimatedCost: 4.00},
		{TaskID: "m1", Priority: PriorityMedium, EstimatedCost: 4.00},
		{TaskID: "l1", Priority: PriorityLow, EstimatedCost: 4.00},
	}, ratecontrol.RateLimit{})

	require.True(t, report.Feasible)
	assert.InDelta(t, 4.00, report.Allocations["h1"], 0.0001)
	assert.InDelta(t, 3.00, report.Allocations["m1"], 0.0001)
	assert.InDelta(t, 3.00, report.Allocations["l1"], 0.0001)

	// allocateBudget must be read-only: the ledger is untouched.
	snap := m.Snapshot()
	assert.InDelta(t, 0.0, snap.Total, 0.0001)
	assert.InDelta(t, 0.0, snap.Reserved, 0.0001)
}

func TestAllocateBudgetHighAloneExceedsIsInfeasible(t *testing.T) {
	m := newTestManager(t, Config{MaxBudget: 10.00, MinReserve: 0, WarningThreshold: 1.0, StepTimeout: time.Minute})

	report := m.AllocateBudget([]AllocatableTask{
		{TaskID: "h1", Priority: PriorityHigh, EstimatedCost: 11.00},
	}, ratecontrol.RateLimit{})
	assert.False(t, report.Feasible)
}

func TestAllocateBudgetRateCeilingScalesDownNonHigh(t *testing.T) {
	m := newTestManager(t, Config{MaxBudget: 10.00, MinReserve: 0, WarningThreshold: 1.0, StepTimeout: time.Minute})

	// Budget alone would let m1..m4 each keep their full $1.00 (only HIGH
	// consumes the first $2), but a 2 RPM ceiling against 4 non-HIGH tasks
	// must scale them down to half regardless of available dollars.
	report := m.AllocateBudget([]AllocatableTask{
		{TaskID: "h1", Priority: PriorityHigh, EstimatedCost: 2.00},
		{TaskID: "m1", Priority: PriorityMedium, EstimatedCost: 1.00},
		{TaskID: "m2", Priority: PriorityMedium, EstimatedCost: 1.00},
		{TaskID: "m3", Priority: PriorityMedium, EstimatedCost: 1.00},
		{TaskID: "m4", Priority: PriorityMedium, EstimatedCost: 1.00},
	}, ratecontrol.RateLimit{RPM: 2})

	require.True(t, report.Feasible)
	assert.InDelta(t, 2.00, report.Allocations["h1"], 0.0001)
	assert.InDelta(t, 0.50, report.Allocations["m1"], 0.0001)
	assert.InDelta(t, 0.50, report.Allocations["m4"], 0.0001)
}
