package runner

import (
	"context"
	"errors"
	"sync"
)

// ErrTaskCanceled is the cancel cause when none is given.
var ErrTaskCanceled = errors.New("task canceled")

// ExecutionControl is what a running delegate task sees of its control:
// a place to park while paused and a signal for cancellation.
type ExecutionControl interface {
	WaitIfPaused(ctx context.Context) error
	Done() <-chan struct{}
	CancelCause() error
}

// TaskState is the control state of one delegate task.
type TaskState int

const (
	TaskActive TaskState = iota
	TaskPaused
	TaskCanceled
)

func (s TaskState) String() string {
	switch s {
	case TaskPaused:
		return "paused"
	case TaskCanceled:
		return "canceled"
	default:
		return "active"
	}
}

// NoopControl is never paused and never canceled.
type NoopControl struct{}

func (NoopControl) WaitIfPaused(ctx context.Context) error { return ctx.Err() }
func (NoopControl) Done() <-chan struct{}                  { return nil }
func (NoopControl) CancelCause() error                     { return nil }

// TaskControl is owned by the dispatcher running a task. PAUSE_ALL and
// RESUME_ALL interrupts map to Pause and Resume, plan termination to Cancel.
// Canceled is final.
type TaskControl struct {
	mu      sync.Mutex
	state   TaskState
	changed chan struct{}
	done    chan struct{}
	cause   error
}

func NewTaskControl() *TaskControl {
	return &TaskControl{
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// State returns the current control state.
func (c *TaskControl) State() TaskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pause reports whether the task moved from active to paused.
func (c *TaskControl) Pause() bool {
	return c.transition(TaskActive, TaskPaused)
}

// Resume reports whether the task moved from paused to active.
func (c *TaskControl) Resume() bool {
	return c.transition(TaskPaused, TaskActive)
}

func (c *TaskControl) transition(from, to TaskState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.setLocked(to)
	return true
}

// Cancel records cause and releases every waiter. Only the first call has
// any effect.
func (c *TaskControl) Cancel(cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == TaskCanceled {
		return false
	}
	if cause == nil {
		cause = ErrTaskCanceled
	}
	c.cause = cause
	c.setLocked(TaskCanceled)
	close(c.done)
	return true
}

func (c *TaskControl) setLocked(s TaskState) {
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

// WaitIfPaused blocks while the task is paused. It returns the cancel cause
// once canceled and ctx.Err when ctx ends first.
func (c *TaskControl) WaitIfPaused(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed, cause := c.state, c.changed, c.cause
		c.mu.Unlock()

		switch state {
		case TaskCanceled:
			return cause
		case TaskActive:
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (c *TaskControl) Done() <-chan struct{} {
	return c.done
}

func (c *TaskControl) CancelCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}
