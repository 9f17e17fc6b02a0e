package engine

import (
	"context"
	"time"

	"github.com/goliatone/go-orchestration/adviser"
	"github.com/goliatone/go-orchestration/ambiance"
	"github.com/goliatone/go-orchestration/delegate"
	"github.com/goliatone/go-orchestration/execution"
	"github.com/goliatone/go-orchestration/output"
	"github.com/goliatone/go-orchestration/plan"
)

// StepContext is handed to a step when its node execution starts.
type StepContext struct {
	Ambiance      ambiance.Ambiance
	NodeExecution *execution.NodeExecution
	Node          plan.PlanNode
	Outputs       *output.Service
	Outcomes      *output.Service
}

// Response tells the engine how a step continues. It is one of Complete,
// Async or Child.
type Response interface {
	responseKind() string
}

// Complete finishes the node synchronously.
type Complete struct {
	Status      execution.Status
	FailureInfo *execution.FailureInfo
	Outputs     map[string]any
}

// Async hands the work to a delegate. The node stays RUNNING until the
// delegate result is reconciled. CorrelationID is assigned by the engine.
type Async struct {
	Task delegate.TaskRequest
}

// Child starts NodeID one level below the current node. The node concludes
// with the status its child chain ends with.
type Child struct {
	NodeID string
}

func (Complete) responseKind() string { return "complete" }
func (Async) responseKind() string    { return "async" }
func (Child) responseKind() string    { return "child" }

// Succeeded completes a node with optional outputs.
func Succeeded(outputs map[string]any) Complete {
	return Complete{Status: execution.StatusSucceeded, Outputs: outputs}
}

// Failed completes a node as FAILED.
func Failed(message string, types ...execution.FailureType) Complete {
	return Complete{
		Status:      execution.StatusFailed,
		FailureInfo: &execution.FailureInfo{Message: message, FailureTypes: types},
	}
}

// Step executes one step type.
type Step interface {
	Execute(ctx context.Context, sc StepContext) (Response, error)
}

type StepFunc func(ctx context.Context, sc StepContext) (Response, error)

func (f StepFunc) Execute(ctx context.Context, sc StepContext) (Response, error) {
	return f(ctx, sc)
}

// Metrics observes engine activity.
type Metrics interface {
	RecordNodeStatus(stepType string, status execution.Status)
	RecordAdvice(kind adviser.AdviceKind)
	RecordPlanEnd(status execution.Status, elapsed time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordNodeStatus(string, execution.Status)     {}
func (noopMetrics) RecordAdvice(adviser.AdviceKind)               {}
func (noopMetrics) RecordPlanEnd(execution.Status, time.Duration) {}
