package adviser

import (
	"context"
	"strings"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/execution"
	"github.com/goliatone/go-orchestration/runner"
	"gopkg.in/yaml.v3"
)

// OnFailParameters configures the on-fail variant.
type OnFailParameters struct {
	NextNodeID             string                  `yaml:"next_node_id"`
	ApplicableFailureTypes []execution.FailureType `yaml:"applicable_failure_types"`
}

type RetryParameters struct {
	RetryCount             int                     `yaml:"retry_count"`
	WaitIntervals          []time.Duration         `yaml:"wait_intervals"`
	AfterRetry             Action                  `yaml:"after_retry"`
	NextNodeID             string                  `yaml:"next_node_id"`
	Timeout                time.Duration           `yaml:"timeout"`
	TimeoutAction          Action                  `yaml:"timeout_action"`
	ApplicableFailureTypes []execution.FailureType `yaml:"applicable_failure_types"`
}

type ManualInterventionParameters struct {
	Timeout                time.Duration           `yaml:"timeout"`
	TimeoutAction          Action                  `yaml:"timeout_action"`
	NextNodeID             string                  `yaml:"next_node_id"`
	ApplicableFailureTypes []execution.FailureType `yaml:"applicable_failure_types"`
}

type ProceedWithDefaultParameters struct {
	NextNodeID string `yaml:"next_node_id"`
}

type NextStepParameters struct {
	NextNodeID string `yaml:"next_node_id"`
}

type NextStageParameters struct {
	NextNodeID   string `yaml:"next_node_id"`
	RunOnFailure bool   `yaml:"run_on_failure"`
}

// DecodeParameters unmarshals YAML or JSON adviser parameters into T.
func DecodeParameters[T any](raw []byte) (T, error) {
	var params T
	if len(strings.TrimSpace(string(raw))) == 0 {
		return params, nil
	}
	if err := yaml.Unmarshal(raw, &params); err != nil {
		return params, orchestration.NewError(orchestration.ErrPlanInvalid,
			"invalid adviser parameters", err, nil)
	}
	return params, nil
}

// failureApplies matches the event failure against the configured types.
// No configured types applies to every failure; configured types with no
// failure info available fall back to applying.
func failureApplies(applicable []execution.FailureType, info *execution.FailureInfo) bool {
	if len(applicable) == 0 || info == nil {
		return true
	}
	return info.HasAny(applicable)
}

// OnFail routes broken nodes with a matching failure type to NextNodeID.
type OnFail struct{}

func (OnFail) Type() Type { return TypeOnFail }

func (OnFail) CanAdvise(_ context.Context, event Event) (bool, error) {
	if !event.ToStatus.IsBroken() {
		return false, nil
	}
	params, err := DecodeParameters[OnFailParameters](event.Parameters)
	if err != nil {
		return false, err
	}
	return failureApplies(params.ApplicableFailureTypes, event.FailureInfo), nil
}

func (OnFail) OnAdviseEvent(_ context.Context, event Event) (Advice, error) {
	params, err := DecodeParameters[OnFailParameters](event.Parameters)
	if err != nil {
		return nil, err
	}
	if params.NextNodeID == "" {
		return nil, nil
	}
	return NextStepAdvice{NextNodeID: params.NextNodeID}, nil
}

// Retry re-runs failed or expired nodes, then applies AfterRetry.
type Retry struct{}

func (Retry) Type() Type { return TypeRetry }

func (Retry) CanAdvise(_ context.Context, event Event) (bool, error) {
	if event.ToStatus != execution.StatusFailed && event.ToStatus != execution.StatusExpired {
		return false, nil
	}
	params, err := DecodeParameters[RetryParameters](event.Parameters)
	if err != nil {
		return false, err
	}
	return failureApplies(params.ApplicableFailureTypes, event.FailureInfo), nil
}

func (Retry) OnAdviseEvent(_ context.Context, event Event) (Advice, error) {
	params, err := DecodeParameters[RetryParameters](event.Parameters)
	if err != nil {
		return nil, err
	}
	if event.RetryCount < params.RetryCount {
		return RetryAdvice{
			NodeExecutionID: event.NodeExecutionID,
			WaitInterval:    runner.IntervalStrategy{Intervals: params.WaitIntervals}.SleepDuration(event.RetryCount, nil),
		}, nil
	}
	return afterRetry(params, event), nil
}

func afterRetry(params RetryParameters, event Event) Advice {
	switch params.AfterRetry {
	case ActionEndExecution, ActionAbort:
		return EndPlanAdvice{Status: event.ToStatus}
	case ActionIgnore, ActionMarkSuccess:
		return MarkSuccessAdvice{NextNodeID: params.NextNodeID}
	case ActionManualIntervention:
		return InterventionWaitAdvice{
			Timeout:       params.Timeout,
			TimeoutAction: params.TimeoutAction,
			NextNodeID:    params.NextNodeID,
		}
	default:
		if params.NextNodeID == "" {
			return EndPlanAdvice{Status: event.ToStatus}
		}
		return NextStepAdvice{NextNodeID: params.NextNodeID}
	}
}

// ManualIntervention parks broken nodes until an operator decides.
type ManualIntervention struct{}

func (ManualIntervention) Type() Type { return TypeManualIntervention }

func (ManualIntervention) CanAdvise(_ context.Context, event Event) (bool, error) {
	if !event.ToStatus.IsBroken() || event.ToStatus == execution.StatusAborted {
		return false, nil
	}
	params, err := DecodeParameters[ManualInterventionParameters](event.Parameters)
	if err != nil {
		return false, err
	}
	return failureApplies(params.ApplicableFailureTypes, event.FailureInfo), nil
}

func (ManualIntervention) OnAdviseEvent(_ context.Context, event Event) (Advice, error) {
	params, err := DecodeParameters[ManualInterventionParameters](event.Parameters)
	if err != nil {
		return nil, err
	}
	return InterventionWaitAdvice{
		Timeout:       params.Timeout,
		TimeoutAction: params.TimeoutAction,
		NextNodeID:    params.NextNodeID,
	}, nil
}

// ProceedWithDefault turns an expired node into a success and moves on.
type ProceedWithDefault struct{}

func (ProceedWithDefault) Type() Type { return TypeProceedWithDefault }

func (ProceedWithDefault) CanAdvise(_ context.Context, event Event) (bool, error) {
	return event.ToStatus == execution.StatusExpired, nil
}

func (ProceedWithDefault) OnAdviseEvent(_ context.Context, event Event) (Advice, error) {
	params, err := DecodeParameters[ProceedWithDefaultParameters](event.Parameters)
	if err != nil {
		return nil, err
	}
	return MarkSuccessAdvice{NextNodeID: params.NextNodeID}, nil
}

// NextStep continues with the configured node after a positive status.
type NextStep struct{}

func (NextStep) Type() Type { return TypeNextStep }

func (NextStep) CanAdvise(_ context.Context, event Event) (bool, error) {
	return event.ToStatus.IsPositive(), nil
}

func (NextStep) OnAdviseEvent(_ context.Context, event Event) (Advice, error) {
	params, err := DecodeParameters[NextStepParameters](event.Parameters)
	if err != nil {
		return nil, err
	}
	if params.NextNodeID == "" {
		return nil, nil
	}
	return NextStepAdvice{NextNodeID: params.NextNodeID}, nil
}

// NextStage continues with the next stage, optionally even after failures.
type NextStage struct{}

func (NextStage) Type() Type { return TypeNextStage }

func (NextStage) CanAdvise(_ context.Context, event Event) (bool, error) {
	if event.ToStatus.IsPositive() {
		return true, nil
	}
	params, err := DecodeParameters[NextStageParameters](event.Parameters)
	if err != nil {
		return false, err
	}
	return params.RunOnFailure && event.ToStatus != execution.StatusAborted, nil
}

func (NextStage) OnAdviseEvent(_ context.Context, event Event) (Advice, error) {
	params, err := DecodeParameters[NextStageParameters](event.Parameters)
	if err != nil {
		return nil, err
	}
	if params.NextNodeID == "" {
		return nil, nil
	}
	return NextStepAdvice{NextNodeID: params.NextNodeID}, nil
}
