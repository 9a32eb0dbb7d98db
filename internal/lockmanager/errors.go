package lockmanager

import "fmt"

// LockError covers unknown-lock and shutting-down rejections.
type LockError struct {
	Reason   string
	LockID   string
	Resource string
}

func (e *LockError) Error() string {
	if e.LockID != "" {
		return fmt.Sprintf("lockmanager: %s (lock=%s)", e.Reason, e.LockID)
	}
	return fmt.Sprintf("lockmanager: %s (resource=%s)", e.Reason, e.Resource)
}

// DeadlockError means a cycle was detected before a lock would be granted.
type DeadlockError struct {
	AgentID    string
	ResourceID string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("lockmanager: granting %s to %s would deadlock", e.ResourceID, e.AgentID)
}

// TimeoutError means a bounded wait (lock acquisition here) was exceeded.
// It satisfies a shared "was this a timeout" marker so callers across
// subsystems (lock, hub) can branch without caring who raised it.
type TimeoutError struct {
	ResourceID string
	AgentID    string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lockmanager: wait for %s by %s timed out", e.ResourceID, e.AgentID)
}

// IsTimeout marks TimeoutError as satisfying a coordination-wide timeout
// classification without requiring callers to import this package just to
// type-switch on it.
func (e *TimeoutError) IsTimeout() bool { return true }
