package executor

import (
	"context"
	"sync"
	"time"
)

// PauseRequest is sent when pausing a run, grounded on
// workflows/control.PauseRequest.
type PauseRequest struct {
	Reason      string
	RequestedBy string
}

// ResumeRequest is sent when resuming a paused run.
type ResumeRequest struct {
	Reason      string
	RequestedBy string
}

// CancelRequest is sent when gracefully cancelling a run.
type CancelRequest struct {
	Reason      string
	RequestedBy string
}

// ControlState mirrors workflows/control.WorkflowControlState: the
// queryable snapshot of a run's pause/cancel status.
type ControlState struct {
	IsPaused     bool
	IsCancelled  bool
	PausedAt     time.Time
	PauseReason  string
	PausedBy     string
	CancelReason string
	CancelledBy  string
}

// Controller is the Go-native equivalent of workflows/control.SignalHandler:
// a single select loop per running task replaces the Temporal workflow's
// signal channel selector, since the executor runs in a plain goroutine
// rather than a cooperatively-scheduled workflow function.
type Controller struct {
	pause  chan PauseRequest
	resume chan ResumeRequest
	cancel chan CancelRequest

	mu    sync.Mutex
	state ControlState
}

// NewController returns a Controller with buffered signal channels so Pause,
// Resume, and Cancel never block the caller.
func NewController() *Controller {
	return &Controller{
		pause:  make(chan PauseRequest, 1),
		resume: make(chan ResumeRequest, 1),
		cancel: make(chan CancelRequest, 1),
	}
}

// Pause queues a pause request for the run loop to observe at its next task
// boundary.
func (c *Controller) Pause(req PauseRequest) {
	select {
	case c.pause <- req:
	default:
	}
}

// Resume queues a resume request.
func (c *Controller) Resume(req ResumeRequest) {
	select {
	case c.resume <- req:
	default:
	}
}

// Cancel queues a cancel request.
func (c *Controller) Cancel(req CancelRequest) {
	select {
	case c.cancel <- req:
	default:
	}
}

// State returns a snapshot of the current control state.
func (c *Controller) State() ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// drain applies any queued pause/resume/cancel signals without blocking,
// mirroring SignalHandler's non-blocking signal channel selector.
func (c *Controller) drain() {
	for {
		select {
		case req := <-c.pause:
			c.mu.Lock()
			if !c.state.IsCancelled {
				c.state.IsPaused = true
				c.state.PausedAt = req.requestedAt()
				c.state.PauseReason = req.Reason
				c.state.PausedBy = req.RequestedBy
			}
			c.mu.Unlock()
		case req := <-c.resume:
			c.mu.Lock()
			c.state.IsPaused = false
			c.state.PausedAt = time.Time{}
			c.state.PauseReason = ""
			c.state.PausedBy = ""
			c.mu.Unlock()
			_ = req
		case req := <-c.cancel:
			c.mu.Lock()
			c.state.IsCancelled = true
			c.state.CancelReason = req.Reason
			c.state.CancelledBy = req.RequestedBy
			c.mu.Unlock()
		default:
			return
		}
	}
}

func (r PauseRequest) requestedAt() time.Time { return time.Now() }

// CheckPoint blocks the run loop while paused and reports cancellation,
// grounded on SignalHandler.CheckPausePoint: drain pending signals first
// (so a pause received just before this call is observed), then block on
// resume/cancel if paused. onPause, if non-nil, is invoked exactly once
// the first time this call observes IsPaused, before blocking further, so
// the caller can emit its own pause checkpoint.
func (c *Controller) CheckPoint(ctx context.Context, onPause func()) error {
	c.drain()

	announced := false
	for {
		c.mu.Lock()
		cancelled := c.state.IsCancelled
		paused := c.state.IsPaused
		reason := c.state.CancelReason
		c.mu.Unlock()

		if cancelled {
			return &TaskError{Kind: ErrKindCancelled, Reason: reason}
		}
		if !paused {
			return nil
		}
		if !announced {
			announced = true
			if onPause != nil {
				onPause()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.resume:
			c.mu.Lock()
			c.state.IsPaused = false
			c.state.PausedAt = time.Time{}
			c.state.PauseReason = ""
			c.state.PausedBy = ""
			c.mu.Unlock()
			_ = req
		case req := <-c.cancel:
			c.mu.Lock()
			c.state.IsCancelled = true
			c.state.CancelReason = req.Reason
			c.state.CancelledBy = req.RequestedBy
			c.mu.Unlock()
		}
	}
}
