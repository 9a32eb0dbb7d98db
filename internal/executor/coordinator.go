// Package executor drives a Coordinator that decomposes a proposal into
// phases (Features) and tasks, executes them respecting dependency order
// and budget, and checkpoints at every task boundary so a crashed run can
// resume. Grounded on the teacher's workflows package decomposing a
// proposal into a DAG of steps, translated from a Temporal workflow
// function into a plain goroutine driven by a Controller.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/coordinator/internal/collaborators"
	"github.com/agentfleet/coordinator/internal/costestimator"
	"github.com/agentfleet/coordinator/internal/metrics"
)

// Degrader reports whether an operation should proceed given current system
// health and budget pressure, satisfied by *degradation.Manager.
type Degrader interface {
	CanExecuteOperation(ctx context.Context, operation string) (bool, string, error)
}

// Config is the Task Executor's construction-time configuration.
type Config struct {
	// CheckpointTimeout bounds each CheckpointStore round-trip; checkpoint
	// durability is this component's core invariant, so a stuck checkpoint
	// store must surface as an error rather than hang the run.
	CheckpointTimeout time.Duration
}

// Coordinator drives one Plan's execution to completion, pause, or
// cancellation, checkpointing at every task boundary.
type Coordinator struct {
	cfg        Config
	logger     *zap.Logger
	budget     BudgetManager
	runner     collaborators.AgentRunner
	checkpoint collaborators.CheckpointStore
	control    *Controller
	events     EventSink
	degrader   Degrader

	plan     Plan
	byID     map[string]Task
	statuses map[string]TaskStatus
	metadata ExecutionMetadata
	degraded bool
}

// New builds a Coordinator. The Controller is exposed to the caller so an
// operator can Pause/Resume/Cancel a run already in flight. degrader may be
// nil, in which case degradation never gates task dispatch.
func New(cfg Config, budgetMgr BudgetManager, runner collaborators.AgentRunner, checkpoints collaborators.CheckpointStore, control *Controller, logger *zap.Logger, events EventSink, degrader Degrader) *Coordinator {
	if control == nil {
		control = NewController()
	}
	if cfg.CheckpointTimeout <= 0 {
		cfg.CheckpointTimeout = 10 * time.Second
	}
	return &Coordinator{
		cfg:        cfg,
		logger:     logger,
		budget:     budgetMgr,
		runner:     runner,
		checkpoint: checkpoints,
		control:    control,
		events:     events,
		degrader:   degrader,
	}
}

// Control returns the run's pause/resume/cancel controller.
func (c *Coordinator) Control() *Controller { return c.control }

// Run validates the plan, checkpoints it, and executes every task in
// dependency order until the plan completes or is cancelled; a pause blocks
// the run at the next task boundary until it is resumed or cancelled. If a
// task failed, the first task error is returned alongside the final result.
// The returned checkpoint id is the plan's initial checkpoint;
// subsequent checkpoints can be found via CheckpointStore.ListCheckpoints.
func (c *Coordinator) Run(ctx context.Context, plan Plan) (RunResult, string, error) {
	if err := ValidatePlan(plan); err != nil {
		return RunResult{}, "", err
	}

	c.plan = plan
	c.byID = make(map[string]Task, len(plan.Tasks()))
	c.statuses = make(map[string]TaskStatus, len(plan.Tasks()))
	for _, t := range plan.Tasks() {
		c.byID[t.ID] = t
		c.statuses[t.ID] = TaskPending
	}
	c.metadata = ExecutionMetadata{StartedAt: time.Now()}

	initialID, err := c.writeCheckpoint(ctx, "plan", "")
	if err != nil {
		return RunResult{}, "", err
	}

	result, err := c.runLoop(ctx)
	if err != nil && !isCancelled(err) {
		return result, initialID, err
	}

	if _, cerr := c.writeCheckpoint(ctx, "result", ""); cerr != nil {
		c.logRecoverable("final checkpoint failed", cerr)
	}

	return result, initialID, err
}

// Resume restores a Coordinator's state from a prior checkpoint and
// continues executing from the current task queue.
func (c *Coordinator) Resume(ctx context.Context, checkpointID string) (RunResult, error) {
	rec, err := c.checkpoint.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return RunResult{}, &TaskError{Kind: ErrKindCheckpoint, Reason: "load checkpoint: " + err.Error()}
	}

	var payload checkpointPayload
	if err := json.Unmarshal(rec.State, &payload); err != nil {
		return RunResult{}, &TaskError{Kind: ErrKindCheckpoint, Reason: "decode checkpoint: " + err.Error()}
	}

	c.plan = payload.Plan
	c.byID = make(map[string]Task, len(c.plan.Tasks()))
	for _, t := range c.plan.Tasks() {
		c.byID[t.ID] = t
	}
	c.statuses = payload.Statuses
	c.metadata = payload.Metadata
	if c.events.OnResumed != nil {
		c.events.OnResumed(checkpointID)
	}

	result, err := c.runLoop(ctx)
	if err != nil && !isCancelled(err) {
		return result, err
	}
	if _, cerr := c.writeCheckpoint(ctx, "result", ""); cerr != nil {
		c.logRecoverable("final checkpoint failed", cerr)
	}
	return result, err
}

// runLoop repeatedly picks the next ready task (pending, all dependencies
// completed) and runs it to completion, failure, or skip, until no ready
// task remains.
func (c *Coordinator) runLoop(ctx context.Context) (RunResult, error) {
	var firstErr error
	for {
		onPause := func() {
			if id, err := c.writeCheckpoint(ctx, "paused", ""); err != nil {
				c.logRecoverable("pause checkpoint failed", err)
			} else if c.events.OnPaused != nil {
				c.events.OnPaused(id)
			}
		}
		if err := c.control.CheckPoint(ctx, onPause); err != nil {
			return c.snapshotResult(true), err
		}

		next, ok := c.nextReadyTask()
		if !ok {
			break
		}

		if err := c.runTask(ctx, next); err != nil {
			var taskErr *TaskError
			if ok := asTaskError(err, &taskErr); ok && taskErr.Kind == ErrKindCancelled {
				return c.snapshotResult(true), err
			}
			// Task-level failures are recorded and the loop continues with
			// whatever independent tasks remain ready; the first one is
			// returned once no ready task remains.
			c.logRecoverable("task failed", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return c.snapshotResult(false), firstErr
}

// nextReadyTask returns the first pending task (features in order, tasks
// within a feature in order) whose dependencies have all completed. A
// dependency that failed or was skipped propagates a skip instead.
func (c *Coordinator) nextReadyTask() (Task, bool) {
	for _, t := range c.plan.Tasks() {
		if c.statuses[t.ID] != TaskPending {
			continue
		}
		ready := true
		blocked := false
		for _, dep := range t.DependsOn {
			switch c.statuses[dep] {
			case TaskCompleted:
				// satisfied
			case TaskFailed, TaskSkipped:
				blocked = true
			default:
				ready = false
			}
		}
		if blocked {
			c.statuses[t.ID] = TaskSkipped
			metrics.RecordTaskOutcome("skipped")
			if c.events.OnTaskSkipped != nil {
				c.events.OnTaskSkipped(t.ID, "upstream dependency failed")
			}
			continue
		}
		if ready {
			return t, true
		}
	}
	return Task{}, false
}

// runTask validates budget, dispatches the task to its agent collaborator,
// and records usage, checkpointing on both completion and failure.
func (c *Coordinator) runTask(ctx context.Context, t Task) error {
	c.statuses[t.ID] = TaskRunning
	if c.events.OnTaskAssigned != nil {
		c.events.OnTaskAssigned(t.ID, t.AgentID)
	}

	if c.degrader != nil {
		canExecute, behavior, err := c.degrader.CanExecuteOperation(ctx, "task_dispatch")
		if err != nil {
			return c.failTask(ctx, t, "degraded: "+err.Error())
		}
		if !canExecute {
			c.statuses[t.ID] = TaskSkipped
			metrics.RecordTaskOutcome("skipped")
			if c.events.OnTaskSkipped != nil {
				c.events.OnTaskSkipped(t.ID, "system degraded: "+behavior)
			}
			return nil
		}
		if behavior == "degrade" && !c.degraded {
			c.degraded = true
			if _, err := c.writeCheckpoint(ctx, "degraded", t.ID); err != nil {
				c.logRecoverable("degraded-mode checkpoint failed", err)
			}
		}
	}

	estimatedCost := t.EstimatedCost
	if estimatedCost <= 0 {
		cost, err := c.budget.EstimateTaskCost(costestimator.Task{
			Model:      t.Model,
			Complexity: t.Complexity,
			Type:       t.Type,
			BaseTokens: costestimator.EstimateTokens(t.Description),
		})
		if err != nil {
			return c.failTask(ctx, t, "cost estimate: "+err.Error())
		}
		estimatedCost = cost
	}

	if _, err := c.budget.ValidateOperation(t.ID, estimatedCost, t.AgentID, t.Priority); err != nil {
		return c.failTask(ctx, t, "budget: "+err.Error())
	}

	outcome, err := c.runner.RunTask(ctx, collaborators.TaskSpec{
		TaskID:      t.ID,
		AgentID:     t.AgentID,
		Description: t.Description,
		Outputs:     t.Outputs,
	})
	if err != nil {
		_ = c.budget.ReleaseReservation(t.ID)
		return c.failTask(ctx, t, err.Error())
	}

	if err := c.budget.RecordUsage(t.ID, outcome.ActualCost); err != nil {
		return c.failTask(ctx, t, "record usage: "+err.Error())
	}

	c.metadata.FilesCreated = append(c.metadata.FilesCreated, outcome.FilesCreated...)
	c.metadata.FilesModified = append(c.metadata.FilesModified, outcome.FilesModified...)
	c.statuses[t.ID] = TaskCompleted
	metrics.RecordTaskOutcome("completed")

	if c.events.OnTaskCompleted != nil {
		c.events.OnTaskCompleted(t.ID, t.AgentID)
	}
	if _, err := c.writeCheckpoint(ctx, "task_completed", t.ID); err != nil {
		return &TaskError{Kind: ErrKindCheckpoint, TaskID: t.ID, Reason: err.Error(), Err: err}
	}
	return nil
}

func (c *Coordinator) failTask(ctx context.Context, t Task, reason string) error {
	c.statuses[t.ID] = TaskFailed
	metrics.RecordTaskOutcome("failed")
	if c.events.OnTaskFailed != nil {
		c.events.OnTaskFailed(t.ID, t.AgentID, reason)
	}
	if _, err := c.writeCheckpoint(ctx, "task_failed", t.ID); err != nil {
		c.logRecoverable("checkpoint after task failure", err)
	}
	return &TaskError{Kind: ErrKindExecution, TaskID: t.ID, Reason: reason}
}

func (c *Coordinator) snapshotResult(cancelled bool) RunResult {
	statuses := make(map[string]TaskStatus, len(c.statuses))
	for k, v := range c.statuses {
		statuses[k] = v
	}
	return RunResult{
		PlanID:    c.plan.ProposalID,
		Statuses:  statuses,
		Cancelled: cancelled,
		Metadata:  c.metadata,
	}
}

// writeCheckpoint serializes the coordinator's current state, execution
// metadata, and a point-in-time budget snapshot, then persists it through
// the CheckpointStore collaborator. Unlike the teacher's
// persistAgentExecution (fire-and-forget), this is synchronous and
// erroring: checkpoint durability at task boundaries is this component's
// core invariant.
func (c *Coordinator) writeCheckpoint(ctx context.Context, reason, taskID string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CheckpointTimeout)
	defer cancel()
	start := time.Now()

	statuses := make(map[string]TaskStatus, len(c.statuses))
	for k, v := range c.statuses {
		statuses[k] = v
	}

	var queue []string
	for _, t := range c.plan.Tasks() {
		if statuses[t.ID] == TaskPending {
			queue = append(queue, t.ID)
		}
	}

	var finishedAt *time.Time
	if reason == "result" {
		now := time.Now()
		finishedAt = &now
	}

	payload := checkpointPayload{
		Plan:       c.plan,
		Statuses:   statuses,
		Queue:      queue,
		Metadata:   c.metadata,
		Budget:     c.budget.Snapshot(),
		Reason:     reason,
		TaskID:     taskID,
		FinishedAt: finishedAt,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", &TaskError{Kind: ErrKindCheckpoint, TaskID: taskID, Reason: "marshal: " + err.Error(), Err: err}
	}

	id, err := c.checkpoint.CreateCheckpoint(cctx, raw)
	if err != nil {
		return "", &TaskError{Kind: ErrKindCheckpoint, TaskID: taskID, Reason: "create checkpoint: " + err.Error(), Err: err}
	}
	metrics.RecordCheckpoint(reason, time.Since(start).Seconds())

	if c.events.OnPlanCheckpoint != nil {
		c.events.OnPlanCheckpoint(id)
	}
	return id, nil
}

func (c *Coordinator) logRecoverable(msg string, err error) {
	if c.logger != nil {
		c.logger.Warn(msg, zap.Error(err))
	}
}

func isCancelled(err error) bool {
	var taskErr *TaskError
	return asTaskError(err, &taskErr) && taskErr.Kind == ErrKindCancelled
}

func asTaskError(err error, target **TaskError) bool {
	te, ok := err.(*TaskError)
	if ok {
		*target = te
	}
	return ok
}
