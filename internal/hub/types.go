package hub

import (
	"encoding/json"
	"time"

	"github.com/agentfleet/coordinator/internal/budget"
	"github.com/agentfleet/coordinator/internal/collaborators"
	"github.com/agentfleet/coordinator/internal/statestore"
)

// MessageType discriminates the Payload fields a Message carries and which
// handler routeMessage dispatches to.
type MessageType string

const (
	TypeRead            MessageType = "READ"
	TypeWrite           MessageType = "WRITE"
	TypeLock            MessageType = "LOCK"
	TypeUnlock          MessageType = "UNLOCK"
	TypeSubscribe       MessageType = "SUBSCRIBE"
	TypeUnsubscribe     MessageType = "UNSUBSCRIBE"
	TypeTaskAssign      MessageType = "TASK_ASSIGN"
	TypeTaskComplete    MessageType = "TASK_COMPLETE"
	TypeTaskFailed      MessageType = "TASK_FAILED"
	TypeHandoff         MessageType = "HANDOFF"
	TypeClaudeRequest   MessageType = "CLAUDE_REQUEST"
	TypeFileRead        MessageType = "FILE_READ"
	TypeFileWrite       MessageType = "FILE_WRITE"
	TypeBudgetCheck     MessageType = "BUDGET_CHECK"
	TypeBudgetStatus    MessageType = "BUDGET_STATUS"
	TypeHeartbeat       MessageType = "HEARTBEAT"
	TypeStatusRequest   MessageType = "STATUS_REQUEST"
	TypeStatusResponse  MessageType = "STATUS_RESPONSE"
	TypeShutdown        MessageType = "SHUTDOWN"
)

// Payload carries every message type's fields; a given Message only
// populates the subset its Type interprets. This flat shape is grounded on
// the teacher's protobuf messages, which favor optional fields on one
// envelope over a type per message.
type Payload struct {
	Key             string
	Value           json.RawMessage
	ExpectedVersion int64
	Consistency     statestore.Consistency

	ResourceID string
	LockID     string
	LockTimeout time.Duration

	Pattern        string
	Callback       statestore.Callback
	SubscriptionID string

	TaskID        string
	OperationID   string
	EstimatedCost float64
	ActualCost    float64
	Priority      budget.Priority
	Details       map[string]string

	LLMRequest *collaborators.LanguageModelRequest
	Provider   string
	Tier       string

	FileRequest *collaborators.FileRequest
}

// Message is one unit of work accepted by routeMessage.
type Message struct {
	ID         string
	Type       MessageType
	AgentID    string
	Priority   int // ascending: lower value dispatches first
	Timestamp  time.Time
	Timeout    time.Time // absolute deadline
	Payload    Payload
	RetryCount int
}

// Result is what a Pending Response resolves with.
type Result struct {
	Value interface{}
	Err   error
}

// ReadResult is the Result.Value shape for a successful READ dispatch.
type ReadResult struct {
	Value   json.RawMessage
	Version int64
}

// pendingEntry is the Pending Response: resolved or rejected exactly once,
// gated by handled. All access happens under Hub.mu.
type pendingEntry struct {
	resultCh chan Result
	handled  bool
}

type queuedMessage struct {
	msg Message
}

// Config is the Communication Hub's construction-time configuration.
type Config struct {
	MaxConcurrentOperations int
	MessageTimeout          time.Duration
	RetryAttempts           int
	MaxQueueSize            int
	TickInterval            time.Duration
}

// EventSink receives the ambient events the Hub emits. Any nil field just
// disables emission of that event.
type EventSink struct {
	OnMessageProcessed  func(m Message)
	OnMessageError      func(m Message, err error)
	OnOperationComplete func(m Message)
	OnStateChange       func(key string, version int64)
	OnTaskAssigned      func(taskID, agentID string)
	OnTaskCompleted     func(taskID, agentID string)
	OnTaskFailed        func(taskID, agentID, reason string)
	OnHandoffRequested  func(taskID, agentID string)
	OnHeartbeat         func(agentID string)
	OnStatusRequest     func(agentID string)
	OnStatusResponse    func(agentID string, details map[string]string)
	OnShuttingDown      func(agentID string)
	OnShutdown          func()
	OnAgentCleaned      func(agentID string)
	OnCleanupError      func(agentID string, err error)
}
