package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/coordinator/internal/budget"
	"github.com/agentfleet/coordinator/internal/collaborators"
	"github.com/agentfleet/coordinator/internal/costestimator"
)

type fakeBudget struct {
	mu         sync.Mutex
	reserved   map[string]float64
	failNextOp string
}

func newFakeBudget() *fakeBudget {
	return &fakeBudget{reserved: make(map[string]float64)}
}

func (f *fakeBudget) ValidateOperation(operationID string, estimatedCost float64, agentID string, priority budget.Priority) (budget.ValidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextOp == operationID {
		return budget.ValidationResult{}, errors.New("simulated budget rejection")
	}
	f.reserved[operationID] = estimatedCost
	return budget.ValidationResult{Approved: true}, nil
}

func (f *fakeBudget) RecordUsage(operationID string, actualCost float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reserved, operationID)
	return nil
}

func (f *fakeBudget) ReleaseReservation(operationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reserved, operationID)
	return nil
}

func (f *fakeBudget) EstimateTaskCost(task costestimator.Task) (float64, error) {
	return costestimator.EstimateTaskCost(task)
}

func (f *fakeBudget) Snapshot() budget.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	var reserved float64
	for _, v := range f.reserved {
		reserved += v
	}
	return budget.Snapshot{Reserved: reserved, Max: 100}
}

type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	failFor map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{failFor: make(map[string]bool)}
}

func (r *fakeRunner) RunTask(ctx context.Context, spec collaborators.TaskSpec) (collaborators.TaskResult, error) {
	r.mu.Lock()
	r.ran = append(r.ran, spec.TaskID)
	shouldFail := r.failFor[spec.TaskID]
	r.mu.Unlock()
	if shouldFail {
		return collaborators.TaskResult{}, errors.New("simulated task failure")
	}
	return collaborators.TaskResult{ActualCost: 0.5, FilesCreated: spec.Outputs}, nil
}

type fakeCheckpoints struct {
	mu      sync.Mutex
	records map[string]collaborators.CheckpointRecord
	order   []string
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{records: make(map[string]collaborators.CheckpointRecord)}
}

func (c *fakeCheckpoints) CreateCheckpoint(ctx context.Context, state []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.New().String()
	c.records[id] = collaborators.CheckpointRecord{ID: id, CreatedAt: time.Now().UnixNano(), State: state}
	c.order = append(c.order, id)
	return id, nil
}

func (c *fakeCheckpoints) ListCheckpoints(ctx context.Context) ([]collaborators.CheckpointRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []collaborators.CheckpointRecord
	for i := len(c.order) - 1; i >= 0; i-- {
		out = append(out, c.records[c.order[i]])
	}
	return out, nil
}

func (c *fakeCheckpoints) LoadCheckpoint(ctx context.Context, id string) (collaborators.CheckpointRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return collaborators.CheckpointRecord{}, errors.New("not found")
	}
	return rec, nil
}

func TestRunExecutesTasksInDependencyOrder(t *testing.T) {
	plan := samplePlan()
	runner := newFakeRunner()
	checkpoints := newFakeCheckpoints()
	c := New(Config{}, newFakeBudget(), runner, checkpoints, nil, nil, EventSink{}, nil)

	result, initialID, err := c.Run(context.Background(), plan)
	require.NoError(t, err)
	require.NotEmpty(t, initialID)
	require.Equal(t, TaskCompleted, result.Statuses["t1"])
	require.Equal(t, TaskCompleted, result.Statuses["t2"])
	require.Equal(t, []string{"t1", "t2"}, runner.ran)

	// initial plan + 2 task-completed + final result checkpoints
	recs, err := checkpoints.ListCheckpoints(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 4)
}

func TestRunSkipsDependentsOfFailedTask(t *testing.T) {
	plan := samplePlan()
	runner := newFakeRunner()
	runner.failFor["t1"] = true
	checkpoints := newFakeCheckpoints()
	c := New(Config{}, newFakeBudget(), runner, checkpoints, nil, nil, EventSink{}, nil)

	result, _, err := c.Run(context.Background(), plan)
	require.Error(t, err)
	require.Equal(t, TaskFailed, result.Statuses["t1"])
	require.Equal(t, TaskSkipped, result.Statuses["t2"])
}

func TestRunRejectsBudgetFailureAsTaskFailure(t *testing.T) {
	plan := samplePlan()
	runner := newFakeRunner()
	budgetMgr := newFakeBudget()
	budgetMgr.failNextOp = "t1"
	checkpoints := newFakeCheckpoints()
	c := New(Config{}, budgetMgr, runner, checkpoints, nil, nil, EventSink{}, nil)

	result, _, err := c.Run(context.Background(), plan)
	require.Error(t, err)
	require.Equal(t, TaskFailed, result.Statuses["t1"])
	require.Empty(t, runner.ran) // never dispatched to the agent collaborator
}

func TestCancelDuringRunStopsBeforeNextTask(t *testing.T) {
	plan := samplePlan()
	runner := newFakeRunner()
	checkpoints := newFakeCheckpoints()
	control := NewController()
	control.Cancel(CancelRequest{Reason: "operator abort"})
	c := New(Config{}, newFakeBudget(), runner, checkpoints, control, nil, EventSink{}, nil)

	result, _, err := c.Run(context.Background(), plan)
	require.Error(t, err)
	require.True(t, result.Cancelled)
	require.Empty(t, runner.ran)
}

func TestResumeContinuesFromCheckpointedQueue(t *testing.T) {
	plan := samplePlan()
	runner := newFakeRunner()
	checkpoints := newFakeCheckpoints()
	budgetMgr := newFakeBudget()

	c1 := New(Config{}, budgetMgr, runner, checkpoints, nil, nil, EventSink{}, nil)
	c1.plan = plan
	c1.byID = map[string]Task{"t1": plan.Features[0].Tasks[0], "t2": plan.Features[0].Tasks[1]}
	c1.statuses = map[string]TaskStatus{"t1": TaskCompleted, "t2": TaskPending}
	c1.metadata = ExecutionMetadata{StartedAt: time.Now()}
	cpID, err := c1.writeCheckpoint(context.Background(), "task_completed", "t1")
	require.NoError(t, err)

	c2 := New(Config{}, budgetMgr, runner, checkpoints, nil, nil, EventSink{}, nil)
	result, err := c2.Resume(context.Background(), cpID)
	require.NoError(t, err)
	require.Equal(t, TaskCompleted, result.Statuses["t1"])
	require.Equal(t, TaskCompleted, result.Statuses["t2"])
	require.Equal(t, []string{"t2"}, runner.ran)
}

func TestPauseThenResumeAllowsRunToComplete(t *testing.T) {
	plan := samplePlan()
	runner := newFakeRunner()
	checkpoints := newFakeCheckpoints()
	control := NewController()
	control.Pause(PauseRequest{Reason: "inspect", RequestedBy: "operator"})

	c := New(Config{}, newFakeBudget(), runner, checkpoints, control, nil, EventSink{}, nil)

	done := make(chan struct{})
	var result RunResult
	var runErr error
	go func() {
		result, _, runErr = c.Run(context.Background(), plan)
		close(done)
	}()

	require.Eventually(t, func() bool { return control.State().IsPaused }, time.Second, 5*time.Millisecond)
	require.Empty(t, runner.ran)

	control.Resume(ResumeRequest{Reason: "continue", RequestedBy: "operator"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not complete after resume")
	}
	require.NoError(t, runErr)
	require.Equal(t, TaskCompleted, result.Statuses["t1"])
	require.Equal(t, TaskCompleted, result.Statuses["t2"])
}
