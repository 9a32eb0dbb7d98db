// Package collaborators defines the small interfaces the coordination core
// consumes for everything the spec treats as an external dependency: the
// language-model client, the filesystem, and the checkpoint store. The
// State Store collaborator is defined by hub.StateStore instead, since the
// Hub is its only direct consumer; these three are used from more than one
// place (the bridged message handlers and the Task Executor) and so live
// here, grounded on the teacher's registry package's preference for small,
// single-purpose interfaces over one fat client type.
package collaborators

import "context"

// LanguageModelRequest is the payload bridged from a CLAUDE_REQUEST message.
type LanguageModelRequest struct {
	Model     string
	Messages  []LanguageModelMessage
	MaxTokens int
}

// LanguageModelMessage is one turn in a LanguageModelRequest.
type LanguageModelMessage struct {
	Role    string
	Content string
}

// LanguageModelResponse is the bridged reply.
type LanguageModelResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// LanguageModelClient is the external language-model collaborator. The Hub
// supplies the correlation id and the long (10 minute) timeout; this
// interface itself is a direct call rather than a string-keyed event pair,
// per the design note preferring a correlated request/response over a
// typed channel.
type LanguageModelClient interface {
	Send(ctx context.Context, req LanguageModelRequest) (LanguageModelResponse, error)
}

// FileRequest is the payload bridged from FILE_READ / FILE_WRITE messages.
type FileRequest struct {
	Path    string
	Content []byte // set for FILE_WRITE, ignored for FILE_READ
}

// FileResponse is the bridged reply.
type FileResponse struct {
	Content []byte
}

// Filesystem is the external filesystem collaborator, bridged with a 30s
// timeout.
type Filesystem interface {
	Read(ctx context.Context, path string) (FileResponse, error)
	Write(ctx context.Context, req FileRequest) (FileResponse, error)
}

// TaskSpec is what the Task Executor hands to the agent collaborator that
// actually performs a task's work (the language-model-driven agent process
// itself, out of scope per spec.md's introduction).
type TaskSpec struct {
	TaskID      string
	AgentID     string
	Description string
	Outputs     []string
}

// TaskResult is the agent collaborator's report of what it did.
type TaskResult struct {
	ActualCost    float64
	FilesCreated  []string
	FilesModified []string
}

// AgentRunner is the external collaborator that executes a task's work.
// The Task Executor only decomposes, schedules, budgets, and checkpoints;
// it never performs task work itself.
type AgentRunner interface {
	RunTask(ctx context.Context, spec TaskSpec) (TaskResult, error)
}

// CheckpointRecord is a serialized snapshot of coordinator, execution, and
// budget state sufficient to resume a run.
type CheckpointRecord struct {
	ID        string
	CreatedAt int64 // unix nanos; avoids importing time here for a single field
	State     []byte
}

// CheckpointStore is the external checkpoint-persistence collaborator.
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, state []byte) (string, error)
	ListCheckpoints(ctx context.Context) ([]CheckpointRecord, error)
	LoadCheckpoint(ctx context.Context, id string) (CheckpointRecord, error)
}
