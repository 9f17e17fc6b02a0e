package execution

import (
	"context"
	"strings"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
)

// Mutator edits a working copy of a record inside an update.
type Mutator func(*NodeExecution)

// Store persists node and plan executions. Updates are compare-and-set on
// Version so concurrent engine instances never lose writes.
type Store interface {
	Save(ctx context.Context, n *NodeExecution) error
	Get(ctx context.Context, id string) (*NodeExecution, error)
	GetByNotifyID(ctx context.Context, notifyID string) (*NodeExecution, error)
	ListByPlanExecution(ctx context.Context, planExecutionID string) ([]*NodeExecution, error)
	ListActive(ctx context.Context, planExecutionID string) ([]*NodeExecution, error)
	// ListAllActive spans every plan execution.
	ListAllActive(ctx context.Context) ([]*NodeExecution, error)
	ListChildren(ctx context.Context, parentID string) ([]*NodeExecution, error)

	UpdateStatus(ctx context.Context, id string, to Status, mutate Mutator) (*NodeExecution, error)
	Update(ctx context.Context, id string, mutate Mutator) (*NodeExecution, error)
	MarkRetried(ctx context.Context, id string) (*NodeExecution, error)
	ErrorOutActive(ctx context.Context, planExecutionID string, to Status, interrupt InterruptEffect) ([]*NodeExecution, error)

	SavePlanExecution(ctx context.Context, p *PlanExecution) error
	GetPlanExecution(ctx context.Context, id string) (*PlanExecution, error)
	UpdatePlanExecution(ctx context.Context, id string, mutate func(*PlanExecution) error) (*PlanExecution, error)
}

// maxCASAttempts bounds read-modify-write retries on version conflict.
const maxCASAttempts = 5

func normalizeNew(n *NodeExecution, now time.Time) (*NodeExecution, error) {
	if n == nil {
		return nil, orchestration.Errorf(orchestration.ErrPlanInvalid, "node execution required")
	}
	rec := n.Clone()
	rec.UUID = strings.TrimSpace(rec.UUID)
	if rec.UUID == "" {
		rec.UUID = orchestration.NewID()
	}
	if strings.TrimSpace(rec.Ambiance.PlanExecutionID) == "" {
		return nil, orchestration.Errorf(orchestration.ErrPlanInvalid, "node execution %s: plan execution id required", rec.UUID)
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	if rec.StartTS.IsZero() {
		rec.StartTS = now
	}
	rec.Version = 1
	rec.UpdatedAt = now
	return rec, nil
}

// applyUpdate produces the next version of current. A nil to leaves the
// status alone but still refuses edits to terminal records.
func applyUpdate(current *NodeExecution, to *Status, mutate Mutator, now time.Time) (*NodeExecution, error) {
	from := current.Status
	target := from
	if to != nil {
		target = *to
	}
	if from.IsTerminal() || (to != nil && !CanTransition(from, target)) {
		return nil, orchestration.NewError(orchestration.ErrInvalidStatusTransition,
			"illegal status transition "+string(from)+" -> "+string(target), nil,
			map[string]any{"node_execution_id": current.UUID, "from": string(from), "to": string(target)})
	}

	next := current.Clone()
	if mutate != nil {
		mutate(next)
	}
	if next.UUID != current.UUID || next.Ambiance.PlanExecutionID != current.Ambiance.PlanExecutionID {
		return nil, orchestration.NewError(orchestration.ErrImmutableField,
			"node execution identity is immutable", nil,
			map[string]any{"node_execution_id": current.UUID})
	}
	next.Status = target
	if target.IsTerminal() && next.EndTS.IsZero() {
		next.EndTS = now
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, nil
}

func markRetried(n *NodeExecution) {
	n.OldRetry = true
}

func interruptMutator(interrupt InterruptEffect, now time.Time) Mutator {
	return func(n *NodeExecution) {
		if interrupt.TS.IsZero() {
			interrupt.TS = now
		}
		n.InterruptHistory = append(n.InterruptHistory, interrupt)
	}
}

func notFound(id string) error {
	return orchestration.NewError(orchestration.ErrNodeExecutionNotFound,
		"node execution not found: "+id, nil, map[string]any{"node_execution_id": id})
}

func planNotFound(id string) error {
	return orchestration.NewError(orchestration.ErrPlanExecutionNotFound,
		"plan execution not found: "+id, nil, map[string]any{"plan_execution_id": id})
}

func versionConflict(id string, version int) error {
	return orchestration.NewError(orchestration.ErrVersionConflict,
		"version conflict for "+id, nil, map[string]any{"id": id, "expected_version": version})
}
