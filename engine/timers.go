package engine

import (
	"context"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/adviser"
	"github.com/goliatone/go-orchestration/execution"
)

// armRetry runs a queued retry attempt once its wait has passed.
func (e *Engine) armRetry(rec *execution.NodeExecution, wait time.Duration) (bool, error) {
	planExecutionID := rec.PlanExecutionID()
	id := rec.UUID
	return e.arm(id, "retry", wait, func(ctx context.Context) error {
		return e.advance(ctx, planExecutionID, runWork(id))
	})
}

// armTimeout applies the parked timeout action once the wait expires.
// A node resolved meanwhile is left alone.
func (e *Engine) armTimeout(rec *execution.NodeExecution, wait time.Duration) (bool, error) {
	id := rec.UUID
	action := adviser.Action(rec.Intervention.TimeoutAction)
	return e.arm(id, "intervention-timeout", wait, func(ctx context.Context) error {
		err := e.Intervene(ctx, id, action)
		if orchestration.HasCode(err, orchestration.ErrCodeInterventionNotApplicable) {
			return nil
		}
		return err
	})
}

// arm schedules at most one local timer per node execution. It reports
// false when one is already pending.
func (e *Engine) arm(id, kind string, wait time.Duration, fn func(ctx context.Context) error) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, pending := e.timers[id]; pending {
		return false, nil
	}
	cfg := e.timerJob
	cfg.Name = kind + ":" + id
	handle, err := e.scheduler.ScheduleAfter(wait, cfg, func(ctx context.Context) error {
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()
		return fn(ctx)
	})
	if err != nil {
		return false, err
	}
	e.timers[id] = handle
	return true, nil
}

// disarm cancels the local timer of a node execution, if any.
func (e *Engine) disarm(id string) {
	e.mu.Lock()
	handle, ok := e.timers[id]
	delete(e.timers, id)
	e.mu.Unlock()
	if ok && handle != nil {
		handle.Cancel()
	}
}

// Recover re-arms the retry waits and intervention timeouts recorded on
// active node executions and restarts queued nodes nobody is running, for
// instance after the engine that owned them stopped. Work another engine
// still holds is serialized by the plan execution lock and ends as a no-op.
// It returns how many node executions were picked up.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	active, err := e.store.ListAllActive(ctx)
	if err != nil {
		return 0, err
	}
	now := e.now()
	picked := 0
	for _, rec := range active {
		var armed bool
		switch {
		case rec.Intervention != nil:
			deadline, ok := rec.Intervention.Deadline()
			if !ok {
				continue
			}
			armed, err = e.armTimeout(rec, deadline.Sub(now))
		case rec.Status == execution.StatusQueued:
			armed, err = e.armRetry(rec, rec.NotBefore.Sub(now))
		default:
			continue
		}
		if err != nil {
			return picked, err
		}
		if armed {
			picked++
		}
	}
	if picked > 0 {
		orchestration.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{"picked": picked}).
			Info("node executions recovered")
	}
	return picked, nil
}
