package adviser

import (
	"context"
	"time"

	"github.com/goliatone/go-orchestration/ambiance"
	"github.com/goliatone/go-orchestration/execution"
)

// Type selects a registered adviser variant.
type Type string

const (
	TypeOnFail             Type = "ON_FAIL"
	TypeRetry              Type = "RETRY"
	TypeManualIntervention Type = "MANUAL_INTERVENTION"
	TypeProceedWithDefault Type = "PROCEED_WITH_DEFAULT"
	TypeNextStep           Type = "NEXT_STEP"
	TypeNextStage          Type = "NEXT_STAGE"
)

// Event is delivered to advisers after a node reaches a terminal status.
type Event struct {
	Ambiance        ambiance.Ambiance
	NodeExecutionID string
	NodeID          string
	FromStatus      execution.Status
	ToStatus        execution.Status
	FailureInfo     *execution.FailureInfo
	RetryCount      int
	Parameters      []byte
}

// Adviser decides what runs after a node finishes. Implementations only
// return decisions and never touch execution records.
type Adviser interface {
	Type() Type
	CanAdvise(ctx context.Context, event Event) (bool, error)
	OnAdviseEvent(ctx context.Context, event Event) (Advice, error)
}

// AdviceKind tags the Advice variants.
type AdviceKind string

const (
	AdviceNextStep         AdviceKind = "NEXT_STEP"
	AdviceRetry            AdviceKind = "RETRY"
	AdviceInterventionWait AdviceKind = "INTERVENTION_WAIT"
	AdviceEndPlan          AdviceKind = "END_PLAN"
	AdviceMarkSuccess      AdviceKind = "MARK_SUCCESS"
)

// Advice is the closed set of decisions an adviser may return.
type Advice interface {
	Kind() AdviceKind
}

// NextStepAdvice runs NextNodeID after the current node.
type NextStepAdvice struct {
	NextNodeID string
}

// RetryAdvice re-runs the node after WaitInterval.
type RetryAdvice struct {
	NodeExecutionID string
	WaitInterval    time.Duration
}

// InterventionWaitAdvice parks the node until an operator intervenes or the
// timeout applies TimeoutAction.
type InterventionWaitAdvice struct {
	Timeout       time.Duration
	TimeoutAction Action
	NextNodeID    string
}

// EndPlanAdvice finishes the plan execution with Status.
type EndPlanAdvice struct {
	Status execution.Status
}

// MarkSuccessAdvice treats the node as succeeded and continues with NextNodeID.
type MarkSuccessAdvice struct {
	NextNodeID string
}

func (NextStepAdvice) Kind() AdviceKind         { return AdviceNextStep }
func (RetryAdvice) Kind() AdviceKind            { return AdviceRetry }
func (InterventionWaitAdvice) Kind() AdviceKind { return AdviceInterventionWait }
func (EndPlanAdvice) Kind() AdviceKind          { return AdviceEndPlan }
func (MarkSuccessAdvice) Kind() AdviceKind      { return AdviceMarkSuccess }

// Action is an operator or timeout decision for a failed node.
type Action string

const (
	ActionOnFail             Action = "ON_FAIL"
	ActionEndExecution       Action = "END_EXECUTION"
	ActionIgnore             Action = "IGNORE"
	ActionManualIntervention Action = "MANUAL_INTERVENTION"
	ActionMarkSuccess        Action = "MARK_AS_SUCCESS"
	ActionAbort              Action = "ABORT"
	ActionRetry              Action = "RETRY"
)
