package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/adviser"
	"github.com/goliatone/go-orchestration/ambiance"
	"github.com/goliatone/go-orchestration/asynctask"
	"github.com/goliatone/go-orchestration/cron"
	"github.com/goliatone/go-orchestration/delegate"
	"github.com/goliatone/go-orchestration/execution"
	"github.com/goliatone/go-orchestration/lock"
	"github.com/goliatone/go-orchestration/notify"
	"github.com/goliatone/go-orchestration/output"
	"github.com/goliatone/go-orchestration/plan"
)

const planDonePrefix = "plan-execution-done:"

// LockKey is the lock guarding every state change of a plan execution.
func LockKey(planExecutionID string) string {
	return "plan-execution:" + planExecutionID
}

func planDoneID(planExecutionID string) string {
	return planDonePrefix + planExecutionID
}

// Engine drives plan executions: it runs steps, asks advisers what comes
// next and applies their advice. All state changes of one plan execution
// happen under its lock and every decision input lives in the stores, so
// several engines may share them.
type Engine struct {
	store      execution.Store
	plans      plan.Store
	advisers   *adviser.Registry
	locker     lock.Locker
	notifier   *notify.Engine
	dispatcher delegate.Dispatcher
	scheduler  *cron.Scheduler
	outputs    *output.Service
	outcomes   *output.Service
	metrics    Metrics
	logger     orchestration.Logger
	lockTTL    time.Duration
	timerJob   cron.JobConfig
	now        func() time.Time

	mu     sync.Mutex
	steps  map[string]Step
	cache  map[string]*plan.Plan
	timers map[string]cron.Handle
}

type Option func(*Engine)

// WithPlanStore sets where plan snapshots are kept for every instance
// sharing the execution store.
func WithPlanStore(s plan.Store) Option {
	return func(e *Engine) {
		if s != nil {
			e.plans = s
		}
	}
}

func WithAdvisers(r *adviser.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.advisers = r
		}
	}
}

func WithLocker(l lock.Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

func WithNotifier(n *notify.Engine) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithDispatcher(d delegate.Dispatcher) Option {
	return func(e *Engine) {
		e.dispatcher = d
	}
}

// WithScheduler sets the scheduler used for retry waits and intervention timeouts.
func WithScheduler(s *cron.Scheduler) Option {
	return func(e *Engine) {
		if s != nil {
			e.scheduler = s
		}
	}
}

// WithOutputServices sets the sweeping output and outcome services.
func WithOutputServices(outputs, outcomes *output.Service) Option {
	return func(e *Engine) {
		if outputs != nil {
			e.outputs = outputs
		}
		if outcomes != nil {
			e.outcomes = outcomes
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func WithLogger(logger orchestration.Logger) Option {
	return func(e *Engine) {
		e.logger = orchestration.NormalizeLogger(logger)
	}
}

func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

// WithTimerPolicy bounds each run of a retry wait or intervention timeout
// and retries runs that could not take the plan execution lock.
func WithTimerPolicy(timeout time.Duration, maxRetries int) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.timerJob.Timeout = timeout
		}
		if maxRetries >= 0 {
			e.timerJob.MaxRetries = maxRetries
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds an engine over store. Missing collaborators default to
// in-process implementations. The engine installs itself as the notifier's
// default and progress handler.
func New(store execution.Store, opts ...Option) *Engine {
	outputStore := output.NewInMemoryStore()
	e := &Engine{
		store:     store,
		plans:     plan.NewInMemoryStore(),
		advisers:  adviser.NewDefaultRegistry(),
		locker:    lock.NewService(lock.NewMemoryBackend()),
		notifier:  notify.New(),
		scheduler: cron.NewScheduler(),
		outputs:   output.NewSweepingOutputService(outputStore),
		outcomes:  output.NewOutcomeService(outputStore),
		metrics:   noopMetrics{},
		logger:    orchestration.NormalizeLogger(nil),
		lockTTL:   30 * time.Second,
		timerJob: cron.JobConfig{
			Timeout:    time.Minute,
			MaxRetries: 3,
			RetryIf:    orchestration.IsLockAcquisitionFailed,
		},
		now:    func() time.Time { return time.Now().UTC() },
		steps:  make(map[string]Step),
		cache:  make(map[string]*plan.Plan),
		timers: make(map[string]cron.Handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.notifier.SetDefaultHandler(e.handleNotify)
	e.notifier.OnProgress(e.handleProgress)
	return e
}

// RegisterStep binds a step implementation to a step type.
func (e *Engine) RegisterStep(stepType string, step Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps[strings.TrimSpace(stepType)] = step
}

// Notifier returns the notify engine results must be delivered to.
func (e *Engine) Notifier() *notify.Engine {
	return e.notifier
}

// Start validates p, creates a plan execution and runs it until it ends or
// waits on async work. It returns the plan execution id.
func (e *Engine) Start(ctx context.Context, p *plan.Plan) (string, error) {
	if p == nil {
		return "", orchestration.Errorf(orchestration.ErrPlanInvalid, "plan required")
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	if err := e.advisers.ValidatePlan(p); err != nil {
		return "", err
	}

	version, err := e.plans.Save(ctx, p)
	if err != nil {
		return "", err
	}
	e.cachePlan(p.UUID(), version, p)

	pe := &execution.PlanExecution{
		UUID:        orchestration.NewID(),
		PlanID:      p.UUID(),
		PlanVersion: version,
		Status:      execution.StatusRunning,
		StartTS:     e.now(),
	}
	if err := e.store.SavePlanExecution(ctx, pe); err != nil {
		return "", err
	}

	e.planLogger(ctx, pe.UUID).Info("plan execution started")

	if p.IsEmpty() {
		return pe.UUID, e.process(ctx, pe.UUID, func(ctx context.Context) ([]work, error) {
			return nil, e.endPlan(ctx, pe.UUID, execution.StatusSucceeded, execution.InterruptAbortAll)
		})
	}

	start, err := p.FetchStartingNode()
	if err != nil {
		return pe.UUID, err
	}
	amb := ambiance.New(pe.UUID, p.UUID()).CloneForChild(e.level(start))
	rec := newNodeExecution(amb, start, "", "", nil)
	if err := e.store.Save(ctx, rec); err != nil {
		return pe.UUID, err
	}
	return pe.UUID, e.advance(ctx, pe.UUID, runWork(rec.UUID))
}

// Await blocks until the plan execution ends or ctx is done.
func (e *Engine) Await(ctx context.Context, planExecutionID string) (*execution.PlanExecution, error) {
	pe, err := e.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	if pe.Status.IsTerminal() {
		return pe, nil
	}
	if _, err := e.notifier.Await(ctx, planDoneID(planExecutionID)); err != nil {
		return nil, err
	}
	return e.store.GetPlanExecution(ctx, planExecutionID)
}

// PlanExecution returns the current plan execution record.
func (e *Engine) PlanExecution(ctx context.Context, planExecutionID string) (*execution.PlanExecution, error) {
	return e.store.GetPlanExecution(ctx, planExecutionID)
}

// NodeExecutions lists the node executions of a plan execution by start time.
func (e *Engine) NodeExecutions(ctx context.Context, planExecutionID string) ([]*execution.NodeExecution, error) {
	return e.store.ListByPlanExecution(ctx, planExecutionID)
}

// handleNotify receives final delegate results nobody awaited in memory.
// Results for unknown or finished node executions are discarded.
func (e *Engine) handleNotify(ctx context.Context, d notify.Delivery) error {
	if strings.HasPrefix(d.CorrelationID, planDonePrefix) {
		return nil
	}
	logger := orchestration.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"correlation_id": d.CorrelationID,
	})

	rec, err := e.store.GetByNotifyID(ctx, d.CorrelationID)
	if err != nil {
		if orchestration.HasCode(err, orchestration.ErrCodeNodeExecutionNotFound) {
			logger.Warn("async result for unknown notify id discarded")
			return nil
		}
		return err
	}
	if rec.Status.IsTerminal() {
		logger.Debug("late async result discarded, node already %s", rec.Status)
		return nil
	}

	result, ok := asResult(d.Data)
	if !ok {
		logger.Error("async result has unexpected payload %T", d.Data)
		return nil
	}
	status := result.Status
	failure := result.FailureInfo()
	switch {
	case status == "":
		status = execution.StatusSucceeded
	case !status.IsTerminal():
		failure = &execution.FailureInfo{
			Message:      "delegate reported non-terminal status " + string(status),
			FailureTypes: []execution.FailureType{execution.FailureUnknown},
		}
		status = execution.StatusFailed
	}
	return e.advance(ctx, rec.PlanExecutionID(), work{
		kind:            workConclude,
		nodeExecutionID: rec.UUID,
		status:          status,
		failure:         failure,
		outputs:         result.Outputs,
	})
}

func (e *Engine) handleProgress(ctx context.Context, d notify.Delivery) error {
	result, ok := asResult(d.Data)
	if !ok || len(result.Progress) == 0 {
		return nil
	}
	rec, err := e.store.GetByNotifyID(ctx, d.CorrelationID)
	if err != nil {
		if orchestration.HasCode(err, orchestration.ErrCodeNodeExecutionNotFound) {
			return nil
		}
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	_, err = e.store.Update(ctx, rec.UUID, func(n *execution.NodeExecution) {
		if n.ProgressData == nil {
			n.ProgressData = make(map[string]any, len(result.Progress))
		}
		for k, v := range result.Progress {
			n.ProgressData[k] = v
		}
	})
	if orchestration.IsInvalidStatusTransition(err) {
		return nil
	}
	return err
}

func asResult(data any) (asynctask.Result, bool) {
	switch v := data.(type) {
	case asynctask.Result:
		return v, true
	case *asynctask.Result:
		if v == nil {
			return asynctask.Result{}, false
		}
		return *v, true
	default:
		return asynctask.Result{}, false
	}
}

func (e *Engine) step(stepType string) (Step, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.steps[strings.TrimSpace(stepType)]
	return s, ok && s != nil
}

// planFor returns the plan snapshot pe executes, loading it from the plan
// store when another instance started pe.
func (e *Engine) planFor(ctx context.Context, pe *execution.PlanExecution) (*plan.Plan, error) {
	key := pe.PlanID + "@" + pe.PlanVersion
	e.mu.Lock()
	p, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return p, nil
	}
	p, err := e.plans.Get(ctx, pe.PlanID, pe.PlanVersion)
	if err != nil {
		return nil, err
	}
	e.cachePlan(pe.PlanID, pe.PlanVersion, p)
	return p, nil
}

func (e *Engine) cachePlan(planID, version string, p *plan.Plan) {
	e.mu.Lock()
	e.cache[planID+"@"+version] = p
	e.mu.Unlock()
}

func (e *Engine) level(node plan.PlanNode) ambiance.Level {
	return ambiance.Level{
		SetupID:    node.UUID,
		RuntimeID:  orchestration.NewID(),
		Identifier: node.Identifier,
		StepType:   node.StepType,
		Group:      node.Group,
		StartTS:    e.now(),
	}
}

// newNodeExecution uses the level runtime id as record id, so outputs a
// node produces are keyed by its execution.
func newNodeExecution(amb ambiance.Ambiance, node plan.PlanNode, parentID, previousID string, retryIDs []string) *execution.NodeExecution {
	return &execution.NodeExecution{
		UUID:       amb.CurrentRuntimeID(),
		Ambiance:   amb,
		NodeID:     node.UUID,
		Identifier: node.Identifier,
		StepType:   node.StepType,
		Status:     execution.StatusQueued,
		ParentID:   parentID,
		PreviousID: previousID,
		RetryIDs:   append([]string(nil), retryIDs...),
	}
}

func (e *Engine) planLogger(ctx context.Context, planExecutionID string) orchestration.Logger {
	return orchestration.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"plan_execution_id": planExecutionID,
	})
}

func (e *Engine) nodeLogger(ctx context.Context, rec *execution.NodeExecution) orchestration.Logger {
	return orchestration.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"plan_execution_id": rec.PlanExecutionID(),
		"node_execution_id": rec.UUID,
		"node_identifier":   rec.Identifier,
		"step_type":         rec.StepType,
	})
}

var errPlanEnded = errors.New("plan execution already ended")
