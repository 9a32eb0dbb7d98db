// Package lockmanager implements the Distributed Lock Manager: exclusive,
// per-resource locks across concurrent in-process agents, with FIFO
// waiters, bounded waits, and wait-for-graph deadlock avoidance. "Distributed"
// here means distributed across concurrent workers within one process, not
// across machines — see the coordination core's explicit non-goals.
package lockmanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agentfleet/coordinator/internal/deadlock"
	"github.com/agentfleet/coordinator/internal/metrics"
	"github.com/agentfleet/coordinator/internal/tracing"
)

// Lock is a granted exclusive hold on a resource.
type Lock struct {
	ResourceID string
	LockID     string
	AgentID    string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (l *Lock) expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

type result struct {
	lockID string
	err    error
}

// waiter is a pending lock request sitting in a per-resource FIFO queue.
// All field access happens under Manager.mu — waiter carries no lock of its
// own.
type waiter struct {
	agentID   string
	expiresAt time.Time
	resultCh  chan result
	cancelled bool
	resolved bool
}

// Config holds Lock Manager configuration.
type Config struct {
	DefaultTimeout  time.Duration
	CleanupInterval time.Duration
}

// EventSink receives ambient lock lifecycle events for observers.
type EventSink struct {
	OnLockAcquired func(l Lock)
	OnLockReleased func(l Lock)
	OnLockExpired  func(l Lock)
}

// Manager is the Distributed Lock Manager. It exclusively owns the lock
// registry and the wait-for graph; the deadlock detector is mutated only
// from within Manager's own critical sections.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	events EventSink

	mu       sync.Mutex
	locks    map[string]*Lock    // resourceID -> current lock
	lockByID map[string]string   // lockID -> resourceID, for verify/release by id
	queue    map[string][]*waiter

	detector *deadlock.Detector

	shuttingDown bool
}

// New constructs a Lock Manager.
func New(cfg Config, logger *zap.Logger, events EventSink) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		events:   events,
		locks:    make(map[string]*Lock),
		lockByID: make(map[string]string),
		queue:    make(map[string][]*waiter),
		detector: deadlock.New(),
	}
}

// AcquireLock returns a fresh lockId or fails. A timeout of zero uses the
// manager's configured DefaultTimeout.
func (m *Manager) AcquireLock(ctx context.Context, resourceID, agentID string, timeout time.Duration) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "lock.acquire")
	defer span.End()
	span.SetAttributes(
		attribute.String("lock.resource_id", resourceID),
		attribute.String("lock.agent_id", agentID),
	)

	start := time.Now()
	lockID, err := m.acquireLock(ctx, resourceID, agentID, timeout)
	metrics.RecordLockWait(lockWaitResult(err), time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var deadlockErr *DeadlockError
		if asDeadlockError(err, &deadlockErr) {
			metrics.DeadlocksAvoided.Inc()
		}
	}
	return lockID, err
}

func lockWaitResult(err error) string {
	if err == nil {
		return "granted"
	}
	var deadlockErr *DeadlockError
	if asDeadlockError(err, &deadlockErr) {
		return "deadlock"
	}
	var timeoutErr *TimeoutError
	if asTimeoutError(err, &timeoutErr) {
		return "timeout"
	}
	return "error"
}

func asDeadlockError(err error, target **DeadlockError) bool {
	de, ok := err.(*DeadlockError)
	if ok {
		*target = de
	}
	return ok
}

func asTimeoutError(err error, target **TimeoutError) bool {
	te, ok := err.(*TimeoutError)
	if ok {
		*target = te
	}
	return ok
}

func (m *Manager) acquireLock(ctx context.Context, resourceID, agentID string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return "", &LockError{Reason: "shutting down", Resource: resourceID}
	}

	if m.detector.WouldCauseDeadlock(agentID, resourceID) {
		m.mu.Unlock()
		return "", &DeadlockError{AgentID: agentID, ResourceID: resourceID}
	}

	now := time.Now()
	if existing, ok := m.locks[resourceID]; !ok || existing.expired(now) {
		if ok {
			m.revokeLocked(existing, now)
		}
		lock := m.grantLocked(resourceID, agentID, now, timeout)
		m.mu.Unlock()
		return lock.LockID, nil
	}

	w := &waiter{
		agentID:   agentID,
		expiresAt: now.Add(timeout),
		resultCh:  make(chan result, 1),
	}
	m.queue[resourceID] = append(m.queue[resourceID], w)
	m.detector.AddWaitEdge(agentID, resourceID)
	metrics.LockQueueDepth.WithLabelValues(resourceID).Set(float64(len(m.queue[resourceID])))
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.resultCh:
		return res.lockID, res.err
	case <-ctx.Done():
		m.mu.Lock()
		if !w.resolved {
			w.cancelled = true
			w.resolved = true
			m.removeFromQueueLocked(resourceID, w)
			m.detector.RemoveWaitEdge(agentID, resourceID)
			m.mu.Unlock()
			return "", ctx.Err()
		}
		m.mu.Unlock()
		res := <-w.resultCh
		return res.lockID, res.err
	case <-timer.C:
		m.mu.Lock()
		if !w.resolved {
			w.cancelled = true
			w.resolved = true
			m.removeFromQueueLocked(resourceID, w)
			m.detector.RemoveWaitEdge(agentID, resourceID)
			m.mu.Unlock()
			return "", &TimeoutError{ResourceID: resourceID, AgentID: agentID}
		}
		m.mu.Unlock()
		// A concurrent drain resolved it in the instant before we won the
		// mutex race; take the value it already sent rather than racing a
		// second resolution (sticky cancellation never double-grants).
		res := <-w.resultCh
		return res.lockID, res.err
	}
}

// ReleaseLock locates the resource by lockId, clears the ownership edge,
// then drains the queue for that resource, granting at most one waiter.
func (m *Manager) ReleaseLock(ctx context.Context, lockID string) error {
	_, span := tracing.StartSpan(ctx, "lock.release")
	defer span.End()
	span.SetAttributes(attribute.String("lock.id", lockID))

	err := m.releaseLock(lockID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *Manager) releaseLock(lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	resourceID, ok := m.lockByID[lockID]
	if !ok {
		return &LockError{Reason: "unknown lock", LockID: lockID}
	}
	lock := m.locks[resourceID]

	delete(m.locks, resourceID)
	delete(m.lockByID, lockID)
	m.detector.ReleaseResource(lock.AgentID, resourceID)

	if m.events.OnLockReleased != nil {
		m.events.OnLockReleased(*lock)
	}

	m.drainLocked(resourceID)
	return nil
}

// VerifyLock is true iff a non-expired lock with that id is owned by agentID.
func (m *Manager) VerifyLock(lockID, agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	resourceID, ok := m.lockByID[lockID]
	if !ok {
		return false
	}
	lock, ok := m.locks[resourceID]
	if !ok || lock.LockID != lockID {
		return false
	}
	return lock.AgentID == agentID && !lock.expired(time.Now())
}

// Cleanup revokes any lock past its expiry and drains the affected queues.
// Intended to be driven by a caller-owned ticker at cfg.CleanupInterval.
func (m *Manager) Cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiredResources []string
	for resourceID, lock := range m.locks {
		if lock.expired(now) {
			expiredResources = append(expiredResources, resourceID)
		}
	}
	for _, resourceID := range expiredResources {
		lock := m.locks[resourceID]
		m.revokeLocked(lock, now)
		if m.events.OnLockExpired != nil {
			m.events.OnLockExpired(*lock)
		}
		m.drainLocked(resourceID)
	}
}

// RunCleanupLoop runs Cleanup on interval until stop is closed.
func (m *Manager) RunCleanupLoop(stop <-chan struct{}) {
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
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

// Shutdown stops the manager from granting any new lock. Callers that hold
// in-flight waits still resolve normally (by grant, timeout, or cleanup).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shuttingDown = true
}

// CleanupAgent forcibly releases every lock currently held by agentID, for
// the Hub's per-agent disconnect cleanup. It does not touch agentID's
// pending waits — those still resolve through their own timeout.
func (m *Manager) CleanupAgent(agentID string) {
	m.mu.Lock()
	var ownedLockIDs []string
	for lockID, resourceID := range m.lockByID {
		if lock, ok := m.locks[resourceID]; ok && lock.AgentID == agentID {
			ownedLockIDs = append(ownedLockIDs, lockID)
		}
	}
	m.mu.Unlock()

	for _, lockID := range ownedLockIDs {
		_ = m.ReleaseLock(context.Background(), lockID)
	}
}

// grantLocked creates and registers a new Lock for (resourceID, agentID).
// Caller must hold m.mu.
func (m *Manager) grantLocked(resourceID, agentID string, now time.Time, ttl time.Duration) *Lock {
	lock := &Lock{
		ResourceID: resourceID,
		LockID:     uuid.New().String(),
		AgentID:    agentID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.locks[resourceID] = lock
	m.lockByID[lock.LockID] = resourceID
	m.detector.AcquireResource(agentID, resourceID)

	if m.events.OnLockAcquired != nil {
		m.events.OnLockAcquired(*lock)
	}
	return lock
}

// revokeLocked removes an existing (possibly expired) lock without
// draining. Caller must hold m.mu.
func (m *Manager) revokeLocked(lock *Lock, now time.Time) {
	delete(m.locks, lock.ResourceID)
	delete(m.lockByID, lock.LockID)
	m.detector.ReleaseResource(lock.AgentID, lock.ResourceID)
}

// drainLocked pops the head waiter for resourceID; discards cancelled or
// expired waiters and recurses; grants the first eligible waiter and stops
// (single grant per release). Caller must hold m.mu.
func (m *Manager) drainLocked(resourceID string) {
	for {
		q := m.queue[resourceID]
		if len(q) == 0 {
			return
		}
		head := q[0]
		m.queue[resourceID] = q[1:]
		metrics.LockQueueDepth.WithLabelValues(resourceID).Set(float64(len(m.queue[resourceID])))

		if head.cancelled {
			continue
		}

		now := time.Now()
		if now.After(head.expiresAt) {
			head.resolved = true
			head.cancelled = true
			m.detector.RemoveWaitEdge(head.agentID, resourceID)
			head.resultCh <- result{err: &TimeoutError{ResourceID: resourceID, AgentID: head.agentID}}
			continue
		}

		ttl := head.expiresAt.Sub(now)
		lock := m.grantLocked(resourceID, head.agentID, now, ttl)
		head.resolved = true
		head.resultCh <- result{lockID: lock.LockID}
		return
	}
}

// removeFromQueueLocked deletes w from resourceID's queue if still present
// (it may already have been popped by a concurrent drainLocked). Caller
// must hold m.mu.
func (m *Manager) removeFromQueueLocked(resourceID string, w *waiter) {
	q := m.queue[resourceID]
	for i, cand := range q {
		if cand == w {
			m.queue[resourceID] = append(q[:i], q[i+1:]...)
			metrics.LockQueueDepth.WithLabelValues(resourceID).Set(float64(len(m.queue[resourceID])))
			return
		}
	}
}

// Status exposes the deadlock detector's cycle diagnostics.
func (m *Manager) Status() []deadlock.Cycle {
	return m.detector.Status()
}
