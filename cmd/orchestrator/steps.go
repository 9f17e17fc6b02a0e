package main

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-orchestration/ambiance"
	"github.com/goliatone/go-orchestration/asynctask"
	"github.com/goliatone/go-orchestration/delegate"
	"github.com/goliatone/go-orchestration/engine"
	"github.com/goliatone/go-orchestration/execution"
	"github.com/goliatone/go-orchestration/output"
	"github.com/goliatone/go-orchestration/runtime"
)

// Demo step types. Parameters:
//
//	SHELL    command, fail (bool), export (output name published globally)
//	DELEGATE duration, fail (bool), progress (bool)
//	STAGE    child (node uuid of the first child)
func registerDemoSteps(rt *runtime.Runtime) {
	rt.Engine.RegisterStep("SHELL", engine.StepFunc(shellStep))
	rt.Engine.RegisterStep("STAGE", engine.StepFunc(stageStep))
	rt.Engine.RegisterStep("DELEGATE", engine.StepFunc(func(_ context.Context, sc engine.StepContext) (engine.Response, error) {
		return engine.Async{Task: delegate.TaskRequest{
			TaskType:  "DELEGATE",
			AccountID: "local",
			Payload:   sc.Node.StepParameters,
		}}, nil
	}))
	rt.Dispatcher.Handle("DELEGATE", delegateTask)
}

func shellStep(ctx context.Context, sc engine.StepContext) (engine.Response, error) {
	params := sc.Node.StepParameters
	if boolParam(params, "fail") {
		return engine.Failed(fmt.Sprintf("%s exited 1", stringParam(params, "command")), execution.FailureApplication), nil
	}
	for _, ref := range listParam(params, "import") {
		if _, found, err := sc.Outputs.ResolveOptional(ctx, sc.Ambiance, output.RefObject{Name: ref}); err != nil || !found {
			return engine.Failed("missing input "+ref, execution.FailureVerification), err
		}
	}
	if name := stringParam(params, "export"); name != "" {
		if _, err := sc.Outputs.Consume(ctx, sc.Ambiance, name, map[string]any{"from": sc.Node.Identifier}, ambiance.GlobalScope); err != nil {
			return nil, err
		}
	}
	return engine.Succeeded(map[string]any{"command": stringParam(params, "command")}), nil
}

func stageStep(_ context.Context, sc engine.StepContext) (engine.Response, error) {
	child := stringParam(sc.Node.StepParameters, "child")
	if child == "" {
		return engine.Succeeded(nil), nil
	}
	return engine.Child{NodeID: child}, nil
}

func delegateTask(ctx context.Context, task delegate.Task) (asynctask.Result, error) {
	params := task.Request.Payload
	if boolParam(params, "progress") {
		if err := task.Progress(ctx, map[string]any{"state": "started"}); err != nil {
			return asynctask.Result{}, err
		}
	}
	if d, err := time.ParseDuration(stringParam(params, "duration")); err == nil && d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return asynctask.Result{}, ctx.Err()
		}
	}
	if boolParam(params, "fail") {
		return asynctask.Result{
			Status:         execution.StatusFailed,
			FailureMessage: "delegate task failed",
			FailureTypes:   []execution.FailureType{execution.FailureDelegate},
		}, nil
	}
	return asynctask.Result{Outputs: map[string]any{"delegate": task.Request.CorrelationID}}, nil
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func listParam(params map[string]any, key string) []string {
	raw, _ := params[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprint(v))
	}
	return out
}
