package adviser

import (
	"context"
	"errors"
	"testing"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/execution"
	"github.com/goliatone/go-orchestration/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failed(types ...execution.FailureType) Event {
	return Event{
		NodeExecutionID: "ne-1",
		FromStatus:      execution.StatusRunning,
		ToStatus:        execution.StatusFailed,
		FailureInfo:     &execution.FailureInfo{Message: "boom", FailureTypes: types},
	}
}

func TestOnFailMatchesFailureTypes(t *testing.T) {
	ctx := context.Background()
	params := []byte("next_node_id: rollback\napplicable_failure_types: [AUTHENTICATION]\n")

	ev := failed(execution.FailureAuthentication)
	ev.Parameters = params
	can, err := OnFail{}.CanAdvise(ctx, ev)
	require.NoError(t, err)
	assert.True(t, can)

	advice, err := OnFail{}.OnAdviseEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, NextStepAdvice{NextNodeID: "rollback"}, advice)

	ev = failed(execution.FailureApplication)
	ev.Parameters = params
	can, err = OnFail{}.CanAdvise(ctx, ev)
	require.NoError(t, err)
	assert.False(t, can)
}

func TestOnFailWithoutFailureInfoApplies(t *testing.T) {
	ev := Event{ToStatus: execution.StatusFailed, Parameters: []byte(`{"next_node_id":"x","applicable_failure_types":["AUTHENTICATION"]}`)}
	can, err := OnFail{}.CanAdvise(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, can)
}

func TestOnFailIgnoresPositiveStatus(t *testing.T) {
	can, err := OnFail{}.CanAdvise(context.Background(), Event{ToStatus: execution.StatusSucceeded})
	require.NoError(t, err)
	assert.False(t, can)
}

func TestRetryAdviserAttemptsThenAfterRetry(t *testing.T) {
	ctx := context.Background()
	params := []byte("retry_count: 2\nwait_intervals: [1s, 5s]\nafter_retry: ON_FAIL\nnext_node_id: cleanup\n")

	ev := failed()
	ev.Parameters = params
	can, err := Retry{}.CanAdvise(ctx, ev)
	require.NoError(t, err)
	require.True(t, can)

	advice, err := Retry{}.OnAdviseEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, RetryAdvice{NodeExecutionID: "ne-1", WaitInterval: time.Second}, advice)

	ev.RetryCount = 1
	advice, _ = Retry{}.OnAdviseEvent(ctx, ev)
	assert.Equal(t, RetryAdvice{NodeExecutionID: "ne-1", WaitInterval: 5 * time.Second}, advice)

	ev.RetryCount = 2
	advice, _ = Retry{}.OnAdviseEvent(ctx, ev)
	assert.Equal(t, NextStepAdvice{NextNodeID: "cleanup"}, advice)
}

func TestRetryAfterRetryActions(t *testing.T) {
	ctx := context.Background()
	cases := map[string]Advice{
		"after_retry: END_EXECUTION":                                      EndPlanAdvice{Status: execution.StatusFailed},
		"after_retry: IGNORE\nnext_node_id: next":                         MarkSuccessAdvice{NextNodeID: "next"},
		"after_retry: MANUAL_INTERVENTION\ntimeout: 1m\ntimeout_action: ABORT": InterventionWaitAdvice{Timeout: time.Minute, TimeoutAction: ActionAbort},
		"after_retry: ON_FAIL":                                            EndPlanAdvice{Status: execution.StatusFailed},
	}
	for params, want := range cases {
		ev := failed()
		ev.Parameters = []byte(params)
		got, err := Retry{}.OnAdviseEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, want, got, params)
	}
}

func TestStatusGatedVariants(t *testing.T) {
	ctx := context.Background()

	can, _ := ProceedWithDefault{}.CanAdvise(ctx, Event{ToStatus: execution.StatusExpired})
	assert.True(t, can)
	can, _ = ProceedWithDefault{}.CanAdvise(ctx, Event{ToStatus: execution.StatusFailed})
	assert.False(t, can)

	can, _ = NextStep{}.CanAdvise(ctx, Event{ToStatus: execution.StatusSkipped})
	assert.True(t, can)
	can, _ = NextStep{}.CanAdvise(ctx, Event{ToStatus: execution.StatusFailed})
	assert.False(t, can)

	can, _ = NextStage{}.CanAdvise(ctx, Event{ToStatus: execution.StatusFailed, Parameters: []byte("run_on_failure: true")})
	assert.True(t, can)
	can, _ = NextStage{}.CanAdvise(ctx, Event{ToStatus: execution.StatusFailed})
	assert.False(t, can)

	can, _ = ManualIntervention{}.CanAdvise(ctx, Event{ToStatus: execution.StatusAborted})
	assert.False(t, can)
}

type panicAdviser struct{}

func (panicAdviser) Type() Type { return "PANIC" }
func (panicAdviser) CanAdvise(context.Context, Event) (bool, error) {
	return true, nil
}
func (panicAdviser) OnAdviseEvent(context.Context, Event) (Advice, error) {
	panic("adviser exploded")
}

type errAdviser struct{}

func (errAdviser) Type() Type { return "ERR" }
func (errAdviser) CanAdvise(context.Context, Event) (bool, error) {
	return false, errors.New("cannot decide")
}
func (errAdviser) OnAdviseEvent(context.Context, Event) (Advice, error) { return nil, nil }

func TestEvaluateFirstApplicableWins(t *testing.T) {
	r := NewDefaultRegistry()
	node := plan.PlanNode{
		UUID: "build",
		AdviserObtainments: []plan.AdviserObtainment{
			{Type: "ON_FAIL", Parameters: []byte("next_node_id: auth-fix\napplicable_failure_types: [AUTHENTICATION]")},
			{Type: "on_fail", Parameters: []byte("next_node_id: generic")},
			{Type: "NEXT_STEP", Parameters: []byte("next_node_id: deploy")},
		},
	}

	advice, typ, err := Evaluate(context.Background(), r, node, failed(execution.FailureConnectivity))
	require.NoError(t, err)
	assert.Equal(t, TypeOnFail, typ)
	assert.Equal(t, NextStepAdvice{NextNodeID: "generic"}, advice)

	advice, typ, err = Evaluate(context.Background(), r, node, Event{ToStatus: execution.StatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, TypeNextStep, typ)
	assert.Equal(t, NextStepAdvice{NextNodeID: "deploy"}, advice)
}

func TestEvaluateNoAdviceWhenNothingApplies(t *testing.T) {
	node := plan.PlanNode{UUID: "n", AdviserObtainments: []plan.AdviserObtainment{{Type: "NEXT_STEP", Parameters: []byte("next_node_id: x")}}}
	advice, _, err := Evaluate(context.Background(), NewDefaultRegistry(), node, failed())
	require.NoError(t, err)
	assert.Nil(t, advice)
}

func TestEvaluateAdviserFailuresAreFatal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(panicAdviser{}))
	require.NoError(t, r.Register(errAdviser{}))

	_, _, err := Evaluate(context.Background(), r, plan.PlanNode{UUID: "n", AdviserObtainments: []plan.AdviserObtainment{{Type: "PANIC"}}}, failed())
	require.Error(t, err)
	assert.True(t, orchestration.HasCode(err, orchestration.ErrCodeAdviserFailure))

	_, _, err = Evaluate(context.Background(), r, plan.PlanNode{UUID: "n", AdviserObtainments: []plan.AdviserObtainment{{Type: "ERR"}}}, failed())
	assert.True(t, orchestration.HasCode(err, orchestration.ErrCodeAdviserFailure))

	_, _, err = Evaluate(context.Background(), r, plan.PlanNode{UUID: "n", AdviserObtainments: []plan.AdviserObtainment{{Type: "MISSING"}}}, failed())
	assert.True(t, orchestration.HasCode(err, orchestration.ErrCodeAdviserNotRegistered))
}

func TestValidatePlanChecksReferences(t *testing.T) {
	r := NewDefaultRegistry()
	good := plan.NewBuilder().
		Node(plan.PlanNode{UUID: "a", StepType: "S", AdviserObtainments: []plan.AdviserObtainment{{Type: "NEXT_STEP", Parameters: []byte("next_node_id: b")}}}).
		Node(plan.PlanNode{UUID: "b", StepType: "S"}).
		StartingNodeID("a").MustBuild()
	assert.NoError(t, r.ValidatePlan(good))

	bad := plan.NewBuilder().
		Node(plan.PlanNode{UUID: "a", StepType: "S", AdviserObtainments: []plan.AdviserObtainment{{Type: "ON_FAIL", Parameters: []byte("next_node_id: zzz")}}}).
		StartingNodeID("a").MustBuild()
	err := r.ValidatePlan(bad)
	assert.True(t, orchestration.HasCode(err, orchestration.ErrCodePlanInvalid))

	unknown := plan.NewBuilder().
		Node(plan.PlanNode{UUID: "a", StepType: "S", AdviserObtainments: []plan.AdviserObtainment{{Type: "BOGUS"}}}).
		StartingNodeID("a").MustBuild()
	assert.True(t, orchestration.HasCode(r.ValidatePlan(unknown), orchestration.ErrCodeAdviserNotRegistered))
}

type blankAdviser struct{ panicAdviser }

func (blankAdviser) Type() Type { return " " }

func TestRegisterRejectsInvalidAdvisers(t *testing.T) {
	r := NewRegistry()
	assert.True(t, orchestration.HasCode(r.Register(nil), orchestration.ErrCodeInvalidConfig))
	assert.True(t, orchestration.HasCode(r.Register(blankAdviser{}), orchestration.ErrCodeInvalidConfig))

	require.NoError(t, r.Register(panicAdviser{}))
	err := r.Register(panicAdviser{})
	assert.True(t, orchestration.HasCode(err, orchestration.ErrCodeInvalidConfig))
	assert.Contains(t, err.Error(), "PANIC")
}
