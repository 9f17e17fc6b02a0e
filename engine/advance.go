package engine

import (
	"context"
	"errors"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/adviser"
	"github.com/goliatone/go-orchestration/ambiance"
	"github.com/goliatone/go-orchestration/execution"
	"github.com/goliatone/go-orchestration/lock"
	"github.com/goliatone/go-orchestration/notify"
	"github.com/goliatone/go-orchestration/plan"
)

type workKind int

const (
	workRun workKind = iota
	workConclude
)

// work is one pending transition of a plan execution.
type work struct {
	kind            workKind
	nodeExecutionID string
	status          execution.Status
	failure         *execution.FailureInfo
	outputs         map[string]any
	interrupt       *execution.InterruptEffect
}

func runWork(id string) work {
	return work{kind: workRun, nodeExecutionID: id}
}

// advance processes items and everything they lead to.
func (e *Engine) advance(ctx context.Context, planExecutionID string, items ...work) error {
	return e.process(ctx, planExecutionID, func(context.Context) ([]work, error) {
		return items, nil
	})
}

// process runs seed and then drains the resulting work list while holding
// the plan execution lock.
func (e *Engine) process(ctx context.Context, planExecutionID string, seed func(ctx context.Context) ([]work, error)) error {
	return lock.WithLock(ctx, e.locker, LockKey(planExecutionID), e.lockTTL, func(ctx context.Context) error {
		queue, err := seed(ctx)
		if err != nil {
			return err
		}
		for len(queue) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := queue[0]
			queue = queue[1:]

			var next []work
			switch item.kind {
			case workRun:
				next, err = e.run(ctx, item)
			case workConclude:
				next, err = e.conclude(ctx, item)
			}
			if err != nil {
				return err
			}
			queue = append(queue, next...)
		}
		return nil
	})
}

func (e *Engine) run(ctx context.Context, item work) ([]work, error) {
	rec, err := e.store.Get(ctx, item.nodeExecutionID)
	if err != nil {
		return nil, err
	}
	if rec.Status != execution.StatusQueued {
		return nil, nil
	}
	pe, err := e.store.GetPlanExecution(ctx, rec.PlanExecutionID())
	if err != nil {
		return nil, err
	}
	logger := e.nodeLogger(ctx, rec)
	if pe.Status.IsTerminal() {
		return nil, nil
	}
	if pe.Paused {
		logger.Debug("plan execution paused, node left queued")
		return nil, nil
	}
	p, err := e.planFor(ctx, pe)
	if err != nil {
		return nil, err
	}
	node, err := p.FetchNode(rec.NodeID)
	if err != nil {
		return nil, err
	}

	rec, err = e.store.UpdateStatus(ctx, rec.UUID, execution.StatusRunning, nil)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordNodeStatus(rec.StepType, execution.StatusRunning)
	logger.Debug("node execution started")

	step, ok := e.step(node.StepType)
	if !ok {
		return concludeWith(rec.UUID, Failed("no step registered for type "+node.StepType, execution.FailureUnknown)), nil
	}

	var resp Response
	stepErr := orchestration.CapturePanic(orchestration.ErrStepFailed, "step "+node.StepType, func() error {
		var err error
		resp, err = step.Execute(ctx, StepContext{
			Ambiance:      rec.Ambiance,
			NodeExecution: rec.Clone(),
			Node:          node,
			Outputs:       e.outputs,
			Outcomes:      e.outcomes,
		})
		return err
	})
	if stepErr != nil {
		logger.Warn("step failed: %v", stepErr)
		return concludeWith(rec.UUID, Failed(stepErr.Error(), execution.FailureApplication)), nil
	}

	switch r := resp.(type) {
	case nil:
		return concludeWith(rec.UUID, Succeeded(nil)), nil
	case Complete:
		if !r.Status.IsTerminal() {
			r = Failed("step returned non-terminal status "+string(r.Status), execution.FailureUnknown)
		}
		return concludeWith(rec.UUID, r), nil
	case Async:
		return e.dispatch(ctx, rec, node, r)
	case Child:
		return e.startChild(ctx, rec, p, r.NodeID)
	default:
		return concludeWith(rec.UUID, Failed("unsupported step response", execution.FailureUnknown)), nil
	}
}

func concludeWith(id string, c Complete) []work {
	if c.Status == "" {
		c.Status = execution.StatusSucceeded
	}
	return []work{{
		kind:            workConclude,
		nodeExecutionID: id,
		status:          c.Status,
		failure:         c.FailureInfo,
		outputs:         c.Outputs,
	}}
}

func (e *Engine) dispatch(ctx context.Context, rec *execution.NodeExecution, node plan.PlanNode, r Async) ([]work, error) {
	if e.dispatcher == nil {
		return concludeWith(rec.UUID, Failed("no delegate dispatcher configured", execution.FailureDelegate)), nil
	}
	notifyID := orchestration.NewID()
	rec, err := e.store.Update(ctx, rec.UUID, func(n *execution.NodeExecution) {
		n.NotifyID = notifyID
	})
	if err != nil {
		return nil, err
	}
	task := r.Task
	task.CorrelationID = notifyID
	if task.TaskType == "" {
		task.TaskType = node.StepType
	}
	if err := e.dispatcher.Dispatch(ctx, task); err != nil {
		e.nodeLogger(ctx, rec).Warn("delegate dispatch failed: %v", err)
		return concludeWith(rec.UUID, Failed(err.Error(), execution.FailureDelegate)), nil
	}
	orchestration.WithLoggerFields(e.nodeLogger(ctx, rec), map[string]any{"correlation_id": notifyID}).
		Debug("node waiting on delegate")
	return nil, nil
}

func (e *Engine) startChild(ctx context.Context, rec *execution.NodeExecution, p *plan.Plan, nodeID string) ([]work, error) {
	child, err := p.FetchNode(nodeID)
	if err != nil {
		return concludeWith(rec.UUID, Failed(err.Error(), execution.FailureUnknown)), nil
	}
	childRec := newNodeExecution(rec.Ambiance.CloneForChild(e.level(child)), child, rec.UUID, "", nil)
	if err := e.store.Save(ctx, childRec); err != nil {
		return nil, err
	}
	return []work{runWork(childRec.UUID)}, nil
}

// conclude applies a reported terminal status: advisers decide what runs
// next before the status is written.
func (e *Engine) conclude(ctx context.Context, item work) ([]work, error) {
	rec, err := e.store.Get(ctx, item.nodeExecutionID)
	if err != nil {
		return nil, err
	}
	logger := e.nodeLogger(ctx, rec)
	if rec.Status.IsTerminal() {
		logger.Debug("stale conclusion discarded, node already %s", rec.Status)
		return nil, nil
	}
	e.disarm(rec.UUID)

	pe, err := e.store.GetPlanExecution(ctx, rec.PlanExecutionID())
	if err != nil {
		return nil, err
	}
	if pe.Status.IsTerminal() {
		return nil, nil
	}
	p, err := e.planFor(ctx, pe)
	if err != nil {
		return nil, err
	}
	node, err := p.FetchNode(rec.NodeID)
	if err != nil {
		return nil, err
	}

	advice, adviserType, err := adviser.Evaluate(ctx, e.advisers, node, adviser.Event{
		Ambiance:        rec.Ambiance,
		NodeExecutionID: rec.UUID,
		FromStatus:      rec.Status,
		ToStatus:        item.status,
		FailureInfo:     item.failure,
		RetryCount:      rec.RetryCount(),
	})
	if err != nil {
		logger.Error("adviser failed, ending plan execution: %v", err)
		if _, ferr := e.finish(ctx, rec, item.status, item); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		if eerr := e.endPlan(ctx, rec.PlanExecutionID(), execution.StatusFailed, execution.InterruptAbortAll); eerr != nil {
			return nil, errors.Join(err, eerr)
		}
		return nil, err
	}
	if advice != nil {
		e.metrics.RecordAdvice(advice.Kind())
		orchestration.WithLoggerFields(logger, map[string]any{
			"adviser": string(adviserType),
			"advice":  string(advice.Kind()),
			"status":  string(item.status),
		}).Debug("advice applied")
	}
	return e.apply(ctx, rec, p, node, item, advice)
}

func (e *Engine) apply(ctx context.Context, rec *execution.NodeExecution, p *plan.Plan, node plan.PlanNode, item work, advice adviser.Advice) ([]work, error) {
	switch a := advice.(type) {
	case nil:
		done, err := e.finish(ctx, rec, item.status, item)
		if err != nil {
			return nil, err
		}
		return e.chainEnd(ctx, done, item.status, item.failure)

	case adviser.NextStepAdvice:
		done, err := e.finish(ctx, rec, item.status, item)
		if err != nil {
			return nil, err
		}
		return e.startSibling(ctx, done, p, a.NextNodeID)

	case adviser.MarkSuccessAdvice:
		done, err := e.finish(ctx, rec, execution.StatusSucceeded, item)
		if err != nil {
			return nil, err
		}
		if a.NextNodeID == "" {
			return e.chainEnd(ctx, done, execution.StatusSucceeded, nil)
		}
		return e.startSibling(ctx, done, p, a.NextNodeID)

	case adviser.RetryAdvice:
		done, err := e.finish(ctx, rec, item.status, item)
		if err != nil {
			return nil, err
		}
		return e.retry(ctx, done, node, a.WaitInterval)

	case adviser.InterventionWaitAdvice:
		return nil, e.park(ctx, rec, a, item)

	case adviser.EndPlanAdvice:
		if _, err := e.finish(ctx, rec, item.status, item); err != nil {
			return nil, err
		}
		status := a.Status
		if status == "" {
			status = item.status
		}
		return nil, e.endPlan(ctx, rec.PlanExecutionID(), planStatus(status), execution.InterruptAbortAll)

	default:
		return nil, orchestration.Errorf(orchestration.ErrAdviserFailure, "unsupported advice %T", advice)
	}
}

// finish writes the terminal status, moving queued records through RUNNING
// when the target is not reachable from QUEUED directly.
func (e *Engine) finish(ctx context.Context, rec *execution.NodeExecution, status execution.Status, item work) (*execution.NodeExecution, error) {
	var err error
	if !execution.CanTransition(rec.Status, status) && execution.CanTransition(rec.Status, execution.StatusRunning) {
		if rec, err = e.store.UpdateStatus(ctx, rec.UUID, execution.StatusRunning, nil); err != nil {
			return nil, err
		}
	}
	done, err := e.store.UpdateStatus(ctx, rec.UUID, status, func(n *execution.NodeExecution) {
		n.Intervention = nil
		if item.failure != nil {
			n.FailureInfo = item.failure
		}
		if item.interrupt != nil {
			n.InterruptHistory = append(n.InterruptHistory, *item.interrupt)
		}
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordNodeStatus(done.StepType, status)
	orchestration.WithLoggerFields(e.nodeLogger(ctx, done), map[string]any{"status": string(status)}).
		Info("node execution finished")

	if status.IsPositive() && len(item.outputs) > 0 {
		e.recordOutcome(ctx, done, item.outputs)
	}
	return done, nil
}

// recordOutcome anchors outputs at the parent level so siblings and later
// nodes can resolve them by node identifier.
func (e *Engine) recordOutcome(ctx context.Context, rec *execution.NodeExecution, outputs map[string]any) {
	anchor := ambiance.GlobalScope
	if depth := rec.Ambiance.Depth(); depth > 1 {
		anchor = rec.Ambiance.Levels[depth-2].RuntimeID
	}
	_, err := e.outcomes.ConsumeAt(ctx, rec.Ambiance, rec.Identifier, outputs, anchor)
	switch {
	case err == nil:
	case orchestration.HasCode(err, orchestration.ErrCodeOutputDuplicate):
		e.nodeLogger(ctx, rec).Debug("outcome already recorded for %s", rec.Identifier)
	default:
		e.nodeLogger(ctx, rec).Warn("outcome not recorded: %v", err)
	}
}

// chainEnd concludes the parent with the chain's final status, or ends
// the plan for top level chains.
func (e *Engine) chainEnd(ctx context.Context, rec *execution.NodeExecution, status execution.Status, failure *execution.FailureInfo) ([]work, error) {
	if rec.ParentID != "" {
		return []work{{
			kind:            workConclude,
			nodeExecutionID: rec.ParentID,
			status:          status,
			failure:         failure,
		}}, nil
	}
	return nil, e.endPlan(ctx, rec.PlanExecutionID(), planStatus(status), execution.InterruptAbortAll)
}

func (e *Engine) startSibling(ctx context.Context, rec *execution.NodeExecution, p *plan.Plan, nextID string) ([]work, error) {
	next, err := p.FetchNode(nextID)
	if err != nil {
		return nil, err
	}
	sibling := newNodeExecution(rec.Ambiance.CloneForSibling(e.level(next)), next, rec.ParentID, rec.UUID, nil)
	if err := e.store.Save(ctx, sibling); err != nil {
		return nil, err
	}
	return []work{runWork(sibling.UUID)}, nil
}

// retry queues a new attempt of node carrying the retry lineage. Waits are
// scheduled instead of blocking the plan lock.
func (e *Engine) retry(ctx context.Context, rec *execution.NodeExecution, node plan.PlanNode, wait time.Duration) ([]work, error) {
	old, err := e.store.MarkRetried(ctx, rec.UUID)
	if err != nil {
		return nil, err
	}
	attempt := newNodeExecution(old.Ambiance.CloneForSibling(e.level(node)), node, old.ParentID, old.UUID,
		append(append([]string(nil), old.RetryIDs...), old.UUID))
	if wait > 0 {
		attempt.NotBefore = e.now().Add(wait)
	}
	if err := e.store.Save(ctx, attempt); err != nil {
		return nil, err
	}
	orchestration.WithLoggerFields(e.nodeLogger(ctx, attempt), map[string]any{
		"retry_count":   attempt.RetryCount(),
		"wait_interval": wait.String(),
	}).Info("node retry queued")

	if wait <= 0 {
		return []work{runWork(attempt.UUID)}, nil
	}
	_, err = e.armRetry(attempt, wait)
	return nil, err
}

// park leaves rec RUNNING until Intervene or the advice timeout decides.
// The wait is written to the record so any instance can resolve it.
func (e *Engine) park(ctx context.Context, rec *execution.NodeExecution, a adviser.InterventionWaitAdvice, item work) error {
	action := a.TimeoutAction
	if action == "" {
		action = adviser.ActionEndExecution
	}
	updated, err := e.store.Update(ctx, rec.UUID, func(n *execution.NodeExecution) {
		if item.failure != nil {
			n.FailureInfo = item.failure
		}
		n.Intervention = &execution.InterventionWait{
			NextNodeID:    a.NextNodeID,
			Timeout:       a.Timeout,
			TimeoutAction: string(action),
			Status:        item.status,
			ParkedAt:      e.now(),
		}
	})
	if err != nil {
		return err
	}
	if a.Timeout > 0 {
		if _, err := e.armTimeout(updated, a.Timeout); err != nil {
			return err
		}
	}

	orchestration.WithLoggerFields(e.nodeLogger(ctx, updated), map[string]any{
		"timeout":        a.Timeout.String(),
		"timeout_action": string(action),
	}).Info("node waiting for intervention")
	return nil
}

// endPlan finishes the plan execution and aborts whatever is still active.
func (e *Engine) endPlan(ctx context.Context, planExecutionID string, status execution.Status, interrupt execution.InterruptType) error {
	pe, err := e.store.UpdatePlanExecution(ctx, planExecutionID, func(p *execution.PlanExecution) error {
		if p.Status.IsTerminal() {
			return errPlanEnded
		}
		p.Status = status
		p.Paused = false
		return nil
	})
	if errors.Is(err, errPlanEnded) {
		return nil
	}
	if err != nil {
		return err
	}

	leftovers, err := e.store.ErrorOutActive(ctx, planExecutionID, execution.StatusAborted, execution.InterruptEffect{
		InterruptID: orchestration.NewID(),
		Type:        interrupt,
		TS:          e.now(),
	})
	if err != nil {
		return err
	}
	for _, rec := range leftovers {
		e.disarm(rec.UUID)
		e.metrics.RecordNodeStatus(rec.StepType, rec.Status)
		if rec.NotifyID != "" && e.dispatcher != nil {
			e.dispatcher.Cancel(rec.NotifyID, errors.New("plan execution ended"))
		}
	}

	e.metrics.RecordPlanEnd(status, e.now().Sub(pe.StartTS))
	orchestration.WithLoggerFields(e.planLogger(ctx, planExecutionID), map[string]any{
		"status":  string(status),
		"aborted": len(leftovers),
	}).Info("plan execution ended")

	_, err = e.notifier.Notify(ctx, notify.Delivery{
		CorrelationID: planDoneID(planExecutionID),
		Data:          status,
		At:            e.now(),
	})
	return err
}

// planStatus maps a chain's last node status onto the plan execution.
func planStatus(status execution.Status) execution.Status {
	if status.IsPositive() {
		return execution.StatusSucceeded
	}
	return status
}
