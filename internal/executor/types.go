package executor

import (
	"time"

	"github.com/agentfleet/coordinator/internal/budget"
)

// TaskStatus is a Task's lifecycle state within a run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped" // a dependency failed
)

// Task is a single unit of work within a Feature. DependsOn names sibling
// task ids (within the same Plan) that must complete before this one is
// eligible to run. Outputs names the files this task will create or modify;
// two tasks across the whole Plan may never claim the same output.
type Task struct {
	ID          string
	FeatureID   string
	AgentID     string
	Description string
	DependsOn   []string
	Outputs     []string
	// Model, Complexity and Type feed costestimator.Task when EstimatedCost
	// is left unset; Model defaults to the Budget Manager's configured
	// model and Complexity/Type default to costestimator's own baselines.
	Model         string
	Complexity    string
	Type          string
	EstimatedCost float64
	Priority      budget.Priority
}

// Feature groups the tasks a proposal decomposes into. A Plan's features
// are scheduled in order; within a feature, tasks are scheduled by
// dependency readiness.
type Feature struct {
	ID    string
	Name  string
	Tasks []Task
}

// Plan is the coordinator's decomposition of a proposal into phases
// (Features) and tasks.
type Plan struct {
	ProposalID string
	Features   []Feature
}

// Tasks flattens a Plan's features into a single task list, preserving
// feature order.
func (p Plan) Tasks() []Task {
	var all []Task
	for _, f := range p.Features {
		all = append(all, f.Tasks...)
	}
	return all
}

// ExecutionMetadata tracks run-level bookkeeping a Checkpoint must capture
// alongside the coordinator's own state.
type ExecutionMetadata struct {
	StartedAt     time.Time
	FilesCreated  []string
	FilesModified []string
}

// RunResult is the Coordinator's terminal state for a Run call.
type RunResult struct {
	PlanID    string
	Statuses  map[string]TaskStatus
	Cancelled bool
	Metadata  ExecutionMetadata
}

// checkpointPayload is the JSON-serializable shape persisted by
// CheckpointStore. It captures exactly what spec.md §4.7 requires: the
// coordinator's serialized state, execution metadata, and a point-in-time
// budget snapshot.
type checkpointPayload struct {
	Plan       Plan
	Statuses   map[string]TaskStatus
	Queue      []string
	Metadata   ExecutionMetadata
	Budget     budget.Snapshot
	Reason     string // "plan" | "task_completed" | "task_failed" | "paused" | "degraded" | "result"
	TaskID     string `json:",omitempty"`
	FinishedAt *time.Time `json:",omitempty"`
}
