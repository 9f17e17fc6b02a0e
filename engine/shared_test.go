package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/adviser"
	"github.com/goliatone/go-orchestration/asynctask"
	"github.com/goliatone/go-orchestration/delegate"
	"github.com/goliatone/go-orchestration/execution"
	"github.com/goliatone/go-orchestration/lock"
	"github.com/goliatone/go-orchestration/output"
	"github.com/goliatone/go-orchestration/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sharedStores are the stores several engine instances run against.
type sharedStores struct {
	executions execution.Store
	plans      plan.Store
	locker     lock.Locker
	outputs    output.Store
}

func newSharedStores() sharedStores {
	return sharedStores{
		executions: execution.NewInMemoryStore(),
		plans:      plan.NewInMemoryStore(),
		locker:     lock.NewService(lock.NewMemoryBackend()),
		outputs:    output.NewInMemoryStore(),
	}
}

func (s sharedStores) engine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithPlanStore(s.plans),
		WithLocker(s.locker),
		WithOutputServices(output.NewSweepingOutputService(s.outputs), output.NewOutcomeService(s.outputs)),
	}
	e := New(s.executions, append(base, opts...)...)
	e.RegisterStep("SHELL", StepFunc(func(_ context.Context, sc StepContext) (Response, error) {
		return Succeeded(map[string]any{"node": sc.Node.Identifier}), nil
	}))
	return e
}

func TestTwoEnginesShareStores(t *testing.T) {
	shared := newSharedStores()
	responses := asynctask.NewInMemoryStore()
	dispatcher := delegate.NewLocalDispatcher(responses, delegate.WithWorkers(2))
	dispatcher.Handle("COMPILE", func(context.Context, delegate.Task) (asynctask.Result, error) {
		return asynctask.Result{Outputs: map[string]any{"artifact": "app.tar.gz"}}, nil
	})

	compile := StepFunc(func(context.Context, StepContext) (Response, error) {
		return Async{Task: delegate.TaskRequest{AccountID: "acc-1"}}, nil
	})
	approval := StepFunc(func(context.Context, StepContext) (Response, error) {
		return Failed("approval rejected", execution.FailureVerification), nil
	})
	first := shared.engine(t, WithDispatcher(dispatcher))
	first.RegisterStep("COMPILE", compile)
	first.RegisterStep("APPROVAL", approval)
	second := shared.engine(t)
	second.RegisterStep("COMPILE", compile)
	second.RegisterStep("APPROVAL", approval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dispatcher.Run(ctx) }()

	t.Run("async result delivered to the other engine", func(t *testing.T) {
		p := buildPlan(t, "compile",
			withStep(shell("compile", obtain(adviser.TypeNextStep, "next_node_id: publish")), "COMPILE"),
			shell("publish"),
		)
		id, err := first.Start(ctx, p)
		require.NoError(t, err)

		reconciler := asynctask.NewReconciler(responses, second.Notifier(), asynctask.WithKind(asynctask.KindFinal))
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			_, err := reconciler.RunOnce(ctx)
			require.NoError(t, err)
			pe, err := second.PlanExecution(ctx, id)
			require.NoError(t, err)
			if pe.Status.IsTerminal() {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}

		pe := awaitPlan(t, second, id)
		assert.Equal(t, execution.StatusSucceeded, pe.Status)
		nodes := nodesByID(t, second, id)
		assert.Equal(t, execution.StatusSucceeded, nodes["compile"][0].Status)
		assert.Equal(t, execution.StatusSucceeded, nodes["publish"][0].Status)
	})

	t.Run("intervention resolved on the other engine", func(t *testing.T) {
		p := buildPlan(t, "approve",
			withStep(shell("approve", obtain(adviser.TypeManualIntervention, "next_node_id: release")), "APPROVAL"),
			shell("release"),
		)
		id, err := first.Start(ctx, p)
		require.NoError(t, err)

		waiting, err := second.Waiting(ctx, id)
		require.NoError(t, err)
		require.Len(t, waiting, 1)
		require.NoError(t, second.Intervene(ctx, waiting[0], adviser.ActionMarkSuccess))

		pe := awaitPlan(t, second, id)
		assert.Equal(t, execution.StatusSucceeded, pe.Status)
		assert.Equal(t, execution.StatusSucceeded, nodesByID(t, second, id)["release"][0].Status)
	})
}

func TestPlanSnapshotsAreVersioned(t *testing.T) {
	shared := newSharedStores()
	first := shared.engine(t)
	second := shared.engine(t)
	ctx := context.Background()

	v1 := buildPlan(t, "build", shell("build"))
	id, err := first.Start(ctx, v1)
	require.NoError(t, err)

	v2 := buildPlan(t, "build", shell("build", obtain(adviser.TypeNextStep, "next_node_id: publish")), shell("publish"))
	_, err = first.Start(ctx, v2)
	require.NoError(t, err)

	pe, err := second.PlanExecution(ctx, id)
	require.NoError(t, err)
	p, err := second.planFor(ctx, pe)
	require.NoError(t, err)
	assert.Len(t, p.Nodes(), 1)

	pe.PlanVersion = "unknown"
	_, err = second.planFor(ctx, pe)
	assert.True(t, orchestration.HasCode(err, orchestration.ErrCodePlanNotFound))
}

func TestLongStepHoldsLockAgainstAbort(t *testing.T) {
	e := newTestEngine(t, WithLockTTL(50*time.Millisecond))
	var stepDone atomic.Int64
	e.RegisterStep("SLOW", StepFunc(func(context.Context, StepContext) (Response, error) {
		time.Sleep(300 * time.Millisecond)
		stepDone.Store(time.Now().UnixNano())
		return Succeeded(nil), nil
	}))
	p := buildPlan(t, "build", withStep(shell("build"), "SLOW"))

	ctx := context.Background()
	started := make(chan string, 1)
	go func() {
		id, err := e.Start(ctx, p)
		assert.NoError(t, err)
		started <- id
	}()

	time.Sleep(100 * time.Millisecond)
	list, err := e.store.ListAllActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NoError(t, e.Abort(ctx, list[0].PlanExecutionID()))
	abortDone := time.Now().UnixNano()

	id := <-started
	require.NotZero(t, stepDone.Load())
	assert.LessOrEqual(t, stepDone.Load(), abortDone)

	pe := awaitPlan(t, e, id)
	assert.Equal(t, execution.StatusSucceeded, pe.Status)
	assert.Equal(t, execution.StatusSucceeded, nodesByID(t, e, id)["build"][0].Status)
}

func TestUnknownInterventionActionKeepsWait(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterStep("APPROVAL", StepFunc(func(context.Context, StepContext) (Response, error) {
		return Failed("approval rejected", execution.FailureVerification), nil
	}))
	p := buildPlan(t, "approve",
		withStep(shell("approve", obtain(adviser.TypeManualIntervention, "next_node_id: release")), "APPROVAL"),
		shell("release"),
	)

	ctx := context.Background()
	id, err := e.Start(ctx, p)
	require.NoError(t, err)
	waiting, err := e.Waiting(ctx, id)
	require.NoError(t, err)
	require.Len(t, waiting, 1)

	err = e.Intervene(ctx, waiting[0], adviser.Action("SHIP_IT"))
	assert.True(t, orchestration.HasCode(err, orchestration.ErrCodeInterventionNotApplicable))

	still, err := e.Waiting(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, waiting, still)
	parked, err := e.store.Get(ctx, waiting[0])
	require.NoError(t, err)
	require.NotNil(t, parked.Intervention)
	assert.Equal(t, "release", parked.Intervention.NextNodeID)

	require.NoError(t, e.Intervene(ctx, waiting[0], adviser.ActionMarkSuccess))
	assert.Equal(t, execution.StatusSucceeded, awaitPlan(t, e, id).Status)
}

func TestOutcomeAnchoredAtParentWithSharedIdentifier(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterStep("STAGE", StepFunc(func(context.Context, StepContext) (Response, error) {
		return Child{NodeID: "build-step"}, nil
	}))
	stage := withStep(shell("build"), "STAGE")
	inner := shell("build-step")
	inner.Identifier = "build"
	p := buildPlan(t, "build", stage, inner)

	ctx := context.Background()
	id, err := e.Start(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, awaitPlan(t, e, id).Status)

	nodes := nodesByID(t, e, id)
	parent := nodes["build"][0]
	child := nodes["build-step"][0]

	v, found, err := e.outcomes.ResolveOptional(ctx, parent.Ambiance, output.RefObject{Name: "build"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, parent.Ambiance.CurrentRuntimeID(), v.Entry.AnchorRuntimeID)
	assert.Equal(t, child.Ambiance.CurrentRuntimeID(), v.Entry.ProducerRuntimeID)
}

func TestRecoverRearmsInterventionTimeout(t *testing.T) {
	shared := newSharedStores()
	approval := StepFunc(func(context.Context, StepContext) (Response, error) {
		return Failed("no approver"), nil
	})
	first := shared.engine(t)
	first.RegisterStep("APPROVAL", approval)
	p := buildPlan(t, "approve",
		withStep(shell("approve", obtain(adviser.TypeManualIntervention, "timeout: 200ms\ntimeout_action: ABORT")), "APPROVAL"),
	)

	ctx := context.Background()
	id, err := first.Start(ctx, p)
	require.NoError(t, err)
	waiting, err := first.Waiting(ctx, id)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	first.disarm(waiting[0])

	second := shared.engine(t)
	second.RegisterStep("APPROVAL", approval)
	picked, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, picked)

	picked, err = second.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, picked)

	pe := awaitPlan(t, second, id)
	assert.Equal(t, execution.StatusAborted, pe.Status)
}

func TestRecoverRunsQueuedRetry(t *testing.T) {
	shared := newSharedStores()
	var calls atomic.Int32
	flaky := StepFunc(func(context.Context, StepContext) (Response, error) {
		if calls.Add(1) == 1 {
			return Failed("transient"), nil
		}
		return Succeeded(nil), nil
	})
	first := shared.engine(t)
	first.RegisterStep("FLAKY", flaky)
	p := buildPlan(t, "build",
		withStep(shell("build", obtain(adviser.TypeRetry, "retry_count: 1\nwait_intervals: [100ms]")), "FLAKY"),
	)

	ctx := context.Background()
	id, err := first.Start(ctx, p)
	require.NoError(t, err)

	var queued *execution.NodeExecution
	for _, rec := range nodesByID(t, first, id)["build"] {
		if rec.Status == execution.StatusQueued {
			queued = rec
		}
	}
	require.NotNil(t, queued)
	assert.False(t, queued.NotBefore.IsZero())
	first.disarm(queued.UUID)

	second := shared.engine(t)
	second.RegisterStep("FLAKY", flaky)
	picked, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, picked)

	pe := awaitPlan(t, second, id)
	assert.Equal(t, execution.StatusSucceeded, pe.Status)
	assert.Equal(t, int32(2), calls.Load())
}
