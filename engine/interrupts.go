package engine

import (
	"context"
	"errors"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/adviser"
	"github.com/goliatone/go-orchestration/execution"
)

type pausable interface {
	Pause(correlationID string) bool
	Resume(correlationID string) bool
}

func (e *Engine) interrupt(t execution.InterruptType) *execution.InterruptEffect {
	return &execution.InterruptEffect{InterruptID: orchestration.NewID(), Type: t, TS: e.now()}
}

func notWaiting(nodeExecutionID string, action adviser.Action) error {
	return orchestration.NewError(orchestration.ErrInterventionNotApplicable,
		"node execution is not waiting for intervention", nil,
		map[string]any{"node_execution_id": nodeExecutionID, "action": string(action)})
}

func knownAction(action adviser.Action) bool {
	switch action {
	case adviser.ActionMarkSuccess, adviser.ActionIgnore, adviser.ActionRetry, adviser.ActionOnFail,
		adviser.ActionAbort, adviser.ActionEndExecution, adviser.ActionManualIntervention:
		return true
	}
	return false
}

// Intervene resolves a node waiting for manual intervention with action.
// It fails with INTERVENTION_NOT_APPLICABLE when the node is not waiting or
// the action is unknown; an unknown action leaves the wait untouched.
// The wait is read from the store, so any engine sharing it can resolve it.
func (e *Engine) Intervene(ctx context.Context, nodeExecutionID string, action adviser.Action) error {
	if !knownAction(action) {
		return orchestration.NewError(orchestration.ErrInterventionNotApplicable,
			"unknown intervention action "+string(action), nil,
			map[string]any{"node_execution_id": nodeExecutionID, "action": string(action)})
	}
	rec, err := e.store.Get(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	return e.process(ctx, rec.PlanExecutionID(), func(ctx context.Context) ([]work, error) {
		rec, err := e.store.Get(ctx, nodeExecutionID)
		if err != nil {
			return nil, err
		}
		if rec.Status.IsTerminal() || rec.Intervention == nil {
			return nil, notWaiting(nodeExecutionID, action)
		}
		pe, err := e.store.GetPlanExecution(ctx, rec.PlanExecutionID())
		if err != nil {
			return nil, err
		}
		p, err := e.planFor(ctx, pe)
		if err != nil {
			return nil, err
		}
		node, err := p.FetchNode(rec.NodeID)
		if err != nil {
			return nil, err
		}
		e.disarm(rec.UUID)

		wait := *rec.Intervention
		failure := rec.FailureInfo
		orchestration.WithLoggerFields(e.nodeLogger(ctx, rec), map[string]any{"action": string(action)}).
			Info("manual intervention applied")

		next := func(done *execution.NodeExecution, status execution.Status, failure *execution.FailureInfo) ([]work, error) {
			if wait.NextNodeID != "" {
				return e.startSibling(ctx, done, p, wait.NextNodeID)
			}
			return e.chainEnd(ctx, done, status, failure)
		}

		switch action {
		case adviser.ActionMarkSuccess, adviser.ActionIgnore:
			t := execution.InterruptMarkSuccess
			if action == adviser.ActionIgnore {
				t = execution.InterruptIgnore
			}
			done, err := e.finish(ctx, rec, execution.StatusSucceeded, work{interrupt: e.interrupt(t)})
			if err != nil {
				return nil, err
			}
			return next(done, execution.StatusSucceeded, nil)

		case adviser.ActionRetry:
			done, err := e.finish(ctx, rec, wait.Status, work{failure: failure, interrupt: e.interrupt(execution.InterruptRetry)})
			if err != nil {
				return nil, err
			}
			return e.retry(ctx, done, node, 0)

		case adviser.ActionOnFail:
			done, err := e.finish(ctx, rec, wait.Status, work{failure: failure, interrupt: e.interrupt(execution.InterruptMarkFailed)})
			if err != nil {
				return nil, err
			}
			return next(done, wait.Status, failure)

		case adviser.ActionAbort:
			if _, err := e.finish(ctx, rec, execution.StatusAborted, work{failure: failure, interrupt: e.interrupt(execution.InterruptAbortAll)}); err != nil {
				return nil, err
			}
			return nil, e.endPlan(ctx, rec.PlanExecutionID(), execution.StatusAborted, execution.InterruptAbortAll)

		case adviser.ActionEndExecution:
			if _, err := e.finish(ctx, rec, wait.Status, work{failure: failure, interrupt: e.interrupt(execution.InterruptMarkFailed)}); err != nil {
				return nil, err
			}
			return nil, e.endPlan(ctx, rec.PlanExecutionID(), planStatus(wait.Status), execution.InterruptAbortAll)

		default: // MANUAL_INTERVENTION keeps waiting, without a timeout
			return nil, e.park(ctx, rec, adviser.InterventionWaitAdvice{
				NextNodeID:    wait.NextNodeID,
				TimeoutAction: adviser.Action(wait.TimeoutAction),
			}, work{status: wait.Status, failure: failure})
		}
	})
}

// Waiting lists node executions of a plan execution parked for manual
// intervention.
func (e *Engine) Waiting(ctx context.Context, planExecutionID string) ([]string, error) {
	active, err := e.store.ListActive(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rec := range active {
		if rec.Intervention != nil {
			out = append(out, rec.UUID)
		}
	}
	return out, nil
}

// Abort ends the plan execution as ABORTED. Active nodes are aborted and
// results arriving for them later are discarded.
func (e *Engine) Abort(ctx context.Context, planExecutionID string) error {
	return e.process(ctx, planExecutionID, func(ctx context.Context) ([]work, error) {
		if _, err := e.store.GetPlanExecution(ctx, planExecutionID); err != nil {
			return nil, err
		}
		return nil, e.endPlan(ctx, planExecutionID, execution.StatusAborted, execution.InterruptAbortAll)
	})
}

// Pause stops new nodes from starting. Running delegate tasks are paused
// when the dispatcher supports it.
func (e *Engine) Pause(ctx context.Context, planExecutionID string) error {
	return e.process(ctx, planExecutionID, func(ctx context.Context) ([]work, error) {
		if err := e.setPaused(ctx, planExecutionID, true); err != nil {
			return nil, err
		}
		active, err := e.markActive(ctx, planExecutionID, execution.InterruptPauseAll)
		if err != nil {
			return nil, err
		}
		if d, ok := e.dispatcher.(pausable); ok {
			for _, rec := range active {
				if rec.NotifyID != "" {
					d.Pause(rec.NotifyID)
				}
			}
		}
		e.planLogger(ctx, planExecutionID).Info("plan execution paused")
		return nil, nil
	})
}

// Resume lifts a pause and starts the nodes queued meanwhile.
func (e *Engine) Resume(ctx context.Context, planExecutionID string) error {
	return e.process(ctx, planExecutionID, func(ctx context.Context) ([]work, error) {
		if err := e.setPaused(ctx, planExecutionID, false); err != nil {
			return nil, err
		}
		active, err := e.markActive(ctx, planExecutionID, execution.InterruptResumeAll)
		if err != nil {
			return nil, err
		}
		d, canResume := e.dispatcher.(pausable)
		var queued []work
		for _, rec := range active {
			switch {
			case rec.Status == execution.StatusQueued:
				queued = append(queued, runWork(rec.UUID))
			case canResume && rec.NotifyID != "":
				d.Resume(rec.NotifyID)
			}
		}
		e.planLogger(ctx, planExecutionID).Info("plan execution resumed")
		return queued, nil
	})
}

func (e *Engine) setPaused(ctx context.Context, planExecutionID string, paused bool) error {
	_, err := e.store.UpdatePlanExecution(ctx, planExecutionID, func(p *execution.PlanExecution) error {
		if p.Status.IsTerminal() {
			return errPlanEnded
		}
		p.Paused = paused
		return nil
	})
	if errors.Is(err, errPlanEnded) {
		return orchestration.NewError(orchestration.ErrInterventionNotApplicable,
			"plan execution already ended", nil, map[string]any{"plan_execution_id": planExecutionID})
	}
	return err
}

// markActive records interrupt t on every active node.
func (e *Engine) markActive(ctx context.Context, planExecutionID string, t execution.InterruptType) ([]*execution.NodeExecution, error) {
	active, err := e.store.ListActive(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	effect := *e.interrupt(t)
	out := make([]*execution.NodeExecution, 0, len(active))
	for _, rec := range active {
		updated, err := e.store.Update(ctx, rec.UUID, func(n *execution.NodeExecution) {
			n.InterruptHistory = append(n.InterruptHistory, effect)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, updated)
	}
	return out, nil
}

// ExpireNode forces a node to EXPIRED and lets its advisers decide, so a
// proceed-with-default adviser can turn it into a success.
func (e *Engine) ExpireNode(ctx context.Context, nodeExecutionID string) error {
	rec, err := e.store.Get(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	return e.process(ctx, rec.PlanExecutionID(), func(ctx context.Context) ([]work, error) {
		rec, err := e.store.Get(ctx, nodeExecutionID)
		if err != nil {
			return nil, err
		}
		if rec.Status.IsTerminal() {
			return nil, orchestration.NewError(orchestration.ErrInterventionNotApplicable,
				"node execution already "+string(rec.Status), nil,
				map[string]any{"node_execution_id": nodeExecutionID})
		}
		e.disarm(rec.UUID)
		if rec.NotifyID != "" && e.dispatcher != nil {
			e.dispatcher.Cancel(rec.NotifyID, errors.New("node execution expired"))
		}
		return []work{{
			kind:            workConclude,
			nodeExecutionID: rec.UUID,
			status:          execution.StatusExpired,
			failure: &execution.FailureInfo{
				Message:      "node execution expired",
				FailureTypes: []execution.FailureType{execution.FailureTimeout},
			},
			interrupt: e.interrupt(execution.InterruptExpire),
		}}, nil
	})
}
