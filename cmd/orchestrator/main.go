package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/adviser"
	"github.com/goliatone/go-orchestration/config"
	"github.com/goliatone/go-orchestration/execution"
	"github.com/goliatone/go-orchestration/plan"
	"github.com/goliatone/go-orchestration/runtime"
)

// Globals are flags shared by every command.
type Globals struct {
	Config   string `help:"YAML or JSON runtime config file." short:"c" type:"path"`
	LogLevel string `help:"Log level." default:"info" enum:"trace,debug,info,warn,error"`
}

type CLI struct {
	Globals

	Run      RunCmd      `cmd:"" help:"Execute a plan definition with the built-in demo step types."`
	Validate ValidateCmd `cmd:"" help:"Validate a plan definition and its adviser parameters."`
}

// RunCmd executes one plan and prints the node executions.
type RunCmd struct {
	Plan    string        `arg:"" help:"Plan definition file." type:"existingfile"`
	Timeout time.Duration `help:"Give up waiting for the plan after this long." default:"5m"`
}

func (c *RunCmd) Run(ctx context.Context, g *Globals) error {
	cfg := config.Default()
	if g.Config != "" {
		loaded, err := config.Load(g.Config)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	p, err := loadPlan(c.Plan)
	if err != nil {
		return err
	}

	logger := orchestration.NewJSONLogger(os.Stderr, g.LogLevel)
	rt, err := runtime.New(cfg, runtime.Dependencies{Logger: logger})
	if err != nil {
		return err
	}
	registerDemoSteps(rt)

	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Stop(stopCtx); err != nil {
			logger.Warn("runtime stop: %v", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	id, err := rt.Engine.Start(runCtx, p)
	if err != nil {
		return err
	}
	pe, err := rt.Engine.Await(runCtx, id)
	if err != nil {
		return fmt.Errorf("plan execution %s: %w", id, err)
	}
	nodes, err := rt.Engine.NodeExecutions(runCtx, id)
	if err != nil {
		return err
	}
	printSummary(pe, nodes)
	if pe.Status != execution.StatusSucceeded {
		return fmt.Errorf("plan execution %s ended %s", id, pe.Status)
	}
	return nil
}

// ValidateCmd checks a plan without running it.
type ValidateCmd struct {
	Plan string `arg:"" help:"Plan definition file." type:"existingfile"`
}

func (c *ValidateCmd) Run() error {
	p, err := loadPlan(c.Plan)
	if err != nil {
		return err
	}
	if err := adviser.NewDefaultRegistry().ValidatePlan(p); err != nil {
		return err
	}
	fp, err := p.Fingerprint()
	if err != nil {
		return err
	}
	fmt.Printf("plan %s valid: %d nodes, fingerprint %s\n", p.UUID(), len(p.Nodes()), fp)
	return nil
}

func loadPlan(path string) (*plan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	return plan.ParseDefinition(data)
}

func printSummary(pe *execution.PlanExecution, nodes []*execution.NodeExecution) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "plan execution %s\t%s\t%s\n", pe.UUID, pe.Status, pe.EndTS.Sub(pe.StartTS).Round(time.Millisecond))
	fmt.Fprintln(w, "NODE\tSTEP\tSTATUS\tRETRIES\tFAILURE")
	for _, n := range nodes {
		failure := ""
		if n.FailureInfo != nil {
			failure = n.FailureInfo.Message
		}
		fmt.Fprintf(w, "%s%s\t%s\t%s\t%d\t%s\n", indent(n.Ambiance.Depth()), n.Identifier, n.StepType, n.Status, n.RetryCount(), failure)
	}
	_ = w.Flush()
}

func indent(depth int) string {
	out := ""
	for i := 1; i < depth; i++ {
		out += "  "
	}
	return out
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("orchestrator"),
		kong.Description("Run and validate pipeline plans locally."),
		kong.UsageOnError(),
		kong.Bind(&cli.Globals),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	kctx.FatalIfErrorf(kctx.Run())
}
