package runtime

import (
	"context"
	"database/sql"
	"testing"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/adviser"
	"github.com/goliatone/go-orchestration/asynctask"
	"github.com/goliatone/go-orchestration/config"
	"github.com/goliatone/go-orchestration/delegate"
	"github.com/goliatone/go-orchestration/engine"
	"github.com/goliatone/go-orchestration/execution"
	"github.com/goliatone/go-orchestration/plan"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(driver string) config.Config {
	cfg := config.Default()
	cfg.Store.Driver = driver
	cfg.Reconciler.RunInterval = 5 * time.Millisecond
	cfg.Metrics.Enabled = true
	return cfg
}

func asyncPlan(t *testing.T) *plan.Plan {
	t.Helper()
	p, err := plan.NewBuilder().
		UUID("release").
		Node(plan.PlanNode{
			UUID: "build", Identifier: "build", StepType: "BUILD",
			AdviserObtainments: []plan.AdviserObtainment{{Type: string(adviser.TypeNextStep), Parameters: []byte("next_node_id: publish")}},
		}).
		Node(plan.PlanNode{UUID: "publish", Identifier: "publish", StepType: "PUBLISH"}).
		StartingNodeID("build").
		Build()
	require.NoError(t, err)
	return p
}

func register(rt *Runtime) {
	rt.Dispatcher.Handle("BUILD", func(ctx context.Context, task delegate.Task) (asynctask.Result, error) {
		if err := task.Progress(ctx, map[string]any{"percent": 100}); err != nil {
			return asynctask.Result{}, err
		}
		return asynctask.Result{Outputs: map[string]any{"image": "app:1.0"}}, nil
	})
	rt.Engine.RegisterStep("BUILD", engine.StepFunc(func(context.Context, engine.StepContext) (engine.Response, error) {
		return engine.Async{Task: delegate.TaskRequest{AccountID: "acc"}}, nil
	}))
	rt.Engine.RegisterStep("PUBLISH", engine.StepFunc(func(context.Context, engine.StepContext) (engine.Response, error) {
		return engine.Succeeded(nil), nil
	}))
}

func runPlan(t *testing.T, rt *Runtime) *execution.PlanExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, rt.Start(ctx))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })

	id, err := rt.Engine.Start(ctx, asyncPlan(t))
	require.NoError(t, err)
	pe, err := rt.Engine.Await(ctx, id)
	require.NoError(t, err)
	return pe
}

func TestRuntimeRunsAsyncPlanInMemory(t *testing.T) {
	reg := prometheus.NewRegistry()
	rt, err := New(fastConfig(config.DriverMemory), Dependencies{Registerer: reg})
	require.NoError(t, err)
	register(rt)
	assert.Len(t, rt.Reconcilers(), 2)

	pe := runPlan(t, rt)
	assert.Equal(t, execution.StatusSucceeded, pe.Status)
	n, err := testutil.GatherAndCount(reg, "orchestration_engine_plan_executions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRuntimeRunsAsyncPlanOnSQLite(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	rt, err := New(fastConfig(config.DriverSQLite), Dependencies{DB: db, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	register(rt)

	pe := runPlan(t, rt)
	assert.Equal(t, execution.StatusSucceeded, pe.Status)

	p, err := rt.Plans.Get(context.Background(), pe.PlanID, pe.PlanVersion)
	require.NoError(t, err)
	assert.Equal(t, "release", p.UUID())

	nodes, err := rt.Engine.NodeExecutions(context.Background(), pe.UUID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		assert.Equal(t, execution.StatusSucceeded, n.Status)
	}
}

func TestRuntimeRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "postgres"
	_, err := New(cfg, Dependencies{})
	assert.True(t, orchestration.HasCode(err, orchestration.ErrCodeInvalidConfig))
}

func TestRuntimeStartTwiceFails(t *testing.T) {
	rt, err := New(config.Default(), Dependencies{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	assert.True(t, orchestration.HasCode(rt.Start(ctx), orchestration.ErrCodeAlreadyRunning))
	require.NoError(t, rt.Stop(ctx))
}

func TestRuntimeRecoversWaitsLeftByStoppedInstance(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	approval := engine.StepFunc(func(context.Context, engine.StepContext) (engine.Response, error) {
		return engine.Failed("no approver"), nil
	})
	p, err := plan.NewBuilder().
		UUID("gated").
		Node(plan.PlanNode{
			UUID: "approve", Identifier: "approve", StepType: "APPROVAL",
			AdviserObtainments: []plan.AdviserObtainment{{
				Type:       string(adviser.TypeManualIntervention),
				Parameters: []byte("timeout: 150ms\ntimeout_action: ABORT"),
			}},
		}).
		StartingNodeID("approve").
		Build()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := New(fastConfig(config.DriverSQLite), Dependencies{DB: db, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	first.Engine.RegisterStep("APPROVAL", approval)
	require.NoError(t, first.Start(ctx))
	id, err := first.Engine.Start(ctx, p)
	require.NoError(t, err)
	require.NoError(t, first.Stop(ctx))

	second, err := New(fastConfig(config.DriverSQLite), Dependencies{DB: db, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	second.Engine.RegisterStep("APPROVAL", approval)
	require.NoError(t, second.Start(ctx))
	t.Cleanup(func() { _ = second.Stop(context.Background()) })

	pe, err := second.Engine.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusAborted, pe.Status)
}
