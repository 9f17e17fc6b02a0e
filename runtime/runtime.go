package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/adviser"
	"github.com/goliatone/go-orchestration/asynctask"
	"github.com/goliatone/go-orchestration/codec"
	"github.com/goliatone/go-orchestration/config"
	"github.com/goliatone/go-orchestration/cron"
	"github.com/goliatone/go-orchestration/delegate"
	"github.com/goliatone/go-orchestration/engine"
	"github.com/goliatone/go-orchestration/execution"
	"github.com/goliatone/go-orchestration/lock"
	"github.com/goliatone/go-orchestration/metrics"
	"github.com/goliatone/go-orchestration/notify"
	"github.com/goliatone/go-orchestration/output"
	"github.com/goliatone/go-orchestration/plan"
	"github.com/goliatone/go-orchestration/runner"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	_ "modernc.org/sqlite"
)

// Dependencies overrides parts of the runtime wiring. Zero fields are
// built from config.
type Dependencies struct {
	Logger     orchestration.Logger
	DB         *sql.DB
	Registerer prometheus.Registerer
	Advisers   *adviser.Registry
	Selections delegate.SelectionStore
}

// Runtime is the process-wide context object: every store, service and
// worker of one orchestrator, built once from config.
type Runtime struct {
	Config     config.Config
	Logger     orchestration.Logger
	Codec      *codec.Codec
	Executions execution.Store
	Plans      plan.Store
	Responses  asynctask.Store
	Outputs    *output.Service
	Outcomes   *output.Service
	Locker     *lock.Service
	Notifier   *notify.Engine
	Scheduler  *cron.Scheduler
	Dispatcher *delegate.LocalDispatcher
	Engine     *engine.Engine
	Metrics    *metrics.Recorder

	reconcilers []*asynctask.Reconciler
	sweeper     *asynctask.Sweeper
	db          *sql.DB
	ownsDB      bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan error
}

// New builds a runtime from cfg. Nothing runs until Start.
func New(cfg config.Config, deps Dependencies) (*Runtime, error) {
	cfg.ApplyDefaults()
	if deps.DB != nil && strings.TrimSpace(cfg.Store.DSN) == "" {
		cfg.Store.DSN = "provided"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config: cfg,
		Logger: orchestration.NormalizeLogger(deps.Logger),
		Codec:  codec.New(codec.WithCompressThreshold(cfg.Codec.CompressThreshold)),
	}

	var lockBackend lock.Backend
	var outputStore output.Store
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		db := deps.DB
		if db == nil {
			opened, err := sql.Open("sqlite", cfg.Store.DSN)
			if err != nil {
				return nil, orchestration.NewError(orchestration.ErrInvalidConfig, "open sqlite store", err, nil)
			}
			db = opened
			rt.ownsDB = true
		}
		rt.db = db
		rt.Executions = execution.NewSQLiteStore(db, "orchestration", rt.Codec)
		rt.Plans = plan.NewSQLiteStore(db, "orchestration_plans", rt.Codec)
		rt.Responses = asynctask.NewSQLiteStore(db, "async_task_responses")
		outputStore = output.NewSQLiteStore(db, "execution_outputs")
		lockBackend = lock.NewSQLiteBackend(db, "execution_locks")
	default:
		rt.Executions = execution.NewInMemoryStore()
		rt.Plans = plan.NewInMemoryStore()
		rt.Responses = asynctask.NewInMemoryStore()
		outputStore = output.NewInMemoryStore()
		lockBackend = lock.NewMemoryBackend()
	}

	rt.Outputs = output.NewSweepingOutputService(outputStore, output.WithCodec(rt.Codec), output.WithLogger(rt.Logger))
	rt.Outcomes = output.NewOutcomeService(outputStore, output.WithCodec(rt.Codec), output.WithLogger(rt.Logger))

	rt.Locker = lock.NewService(lockBackend,
		lock.WithWaitTimeout(cfg.Lock.WaitTimeout),
		lock.WithBackoff(runner.ExponentialBackoffStrategy{
			Base:   cfg.Lock.Backoff.Base,
			Factor: cfg.Lock.Backoff.Factor,
			Max:    cfg.Lock.Backoff.Max,
		}),
		lock.WithLogger(rt.Logger),
	)

	if cfg.Metrics.Enabled {
		rec, err := metrics.NewRecorder(deps.Registerer, cfg.Metrics.Namespace)
		if err != nil {
			_ = rt.closeDB()
			return nil, err
		}
		rt.Metrics = rec
	}

	rt.Notifier = notify.New(
		notify.WithRetention(cfg.Notify.Retention),
		notify.WithLogger(rt.Logger),
	)
	rt.Scheduler = cron.NewScheduler(
		cron.WithLogger(rt.Logger),
		cron.WithErrorHandler(func(err error) {
			rt.Logger.Error("scheduled job failed: %v", err)
		}),
	)

	dispatcherOpts := []delegate.Option{
		delegate.WithWorkers(cfg.Delegate.Workers),
		delegate.WithQueueSize(cfg.Delegate.QueueSize),
		delegate.WithCodec(rt.Codec),
		delegate.WithLogger(rt.Logger),
		delegate.WithResponseTTL(cfg.Sweeper.ResponseTTL),
	}
	if deps.Selections != nil {
		dispatcherOpts = append(dispatcherOpts, delegate.WithSelectionStore(deps.Selections))
	}
	if rt.Metrics != nil {
		dispatcherOpts = append(dispatcherOpts, delegate.WithMetrics(rt.Metrics))
	}
	rt.Dispatcher = delegate.NewLocalDispatcher(rt.Responses, dispatcherOpts...)

	engineOpts := []engine.Option{
		engine.WithAdvisers(deps.Advisers),
		engine.WithLocker(rt.Locker),
		engine.WithNotifier(rt.Notifier),
		engine.WithDispatcher(rt.Dispatcher),
		engine.WithScheduler(rt.Scheduler),
		engine.WithOutputServices(rt.Outputs, rt.Outcomes),
		engine.WithLogger(rt.Logger),
		engine.WithLockTTL(cfg.Lock.TTL),
		engine.WithPlanStore(rt.Plans),
		engine.WithTimerPolicy(cfg.Engine.TimerTimeout, cfg.Engine.TimerRetries),
	}
	if rt.Metrics != nil {
		engineOpts = append(engineOpts, engine.WithMetrics(rt.Metrics))
	}
	rt.Engine = engine.New(rt.Executions, engineOpts...)

	for _, kind := range []asynctask.Kind{asynctask.KindFinal, asynctask.KindProgress} {
		batch := cfg.Reconciler.FinalBatchSize
		if kind == asynctask.KindProgress {
			batch = cfg.Reconciler.ProgressBatchSize
		}
		for i := 1; i <= cfg.Reconciler.Workers; i++ {
			opts := []asynctask.Option{
				asynctask.WithWorkerID(fmt.Sprintf("%s-%s-%d", cfg.Engine.WorkerID, kind, i)),
				asynctask.WithKind(kind),
				asynctask.WithProcessingDuration(cfg.Reconciler.ProcessingDuration),
				asynctask.WithBatchSize(batch),
				asynctask.WithMaxClaims(cfg.Reconciler.MaxClaimsPerCycle),
				asynctask.WithRunInterval(cfg.Reconciler.RunInterval),
				asynctask.WithCodec(rt.Codec),
				asynctask.WithLogger(rt.Logger),
			}
			if rt.Metrics != nil {
				opts = append(opts, asynctask.WithMetrics(rt.Metrics))
			}
			rt.reconcilers = append(rt.reconcilers, asynctask.NewReconciler(rt.Responses, rt.Notifier, opts...))
		}
	}
	rt.sweeper = asynctask.NewSweeper(rt.Responses, rt.Logger)
	return rt, nil
}

// Composer returns a plan composer bounded by the configured max depth.
func (r *Runtime) Composer(creator plan.Creator) *plan.Composer {
	return plan.NewComposer(creator, plan.WithMaxDepth(r.Config.Engine.PlanMaxDepth))
}

// Reconcilers returns the reconcile workers, final kind first.
func (r *Runtime) Reconcilers() []*asynctask.Reconciler {
	return append([]*asynctask.Reconciler(nil), r.reconcilers...)
}

// Start launches the delegate workers, reconcilers and the expiry sweep.
// It returns once everything is scheduled.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return orchestration.Errorf(orchestration.ErrAlreadyRunning, "runtime already started")
	}

	if _, err := r.Scheduler.ScheduleCron(cron.JobConfig{
		Name:       "async-response-sweeper",
		Expression: r.Config.Sweeper.ExpirySchedule,
	}, r.sweep); err != nil {
		return err
	}
	if _, err := r.Scheduler.ScheduleCron(cron.JobConfig{
		Name:       "engine-recovery",
		Expression: r.Config.Engine.RecoverSchedule,
	}, r.recoverWaits); err != nil {
		return err
	}
	if _, err := r.Engine.Recover(ctx); err != nil {
		return err
	}
	if err := r.Scheduler.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return r.Dispatcher.Run(gctx) })
	for _, rec := range r.reconcilers {
		g.Go(func() error { return rec.Run(gctx) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	r.running = true
	r.cancel = cancel
	r.done = done
	orchestration.WithLoggerFields(r.Logger.WithContext(ctx), map[string]any{
		"worker_id":   r.Config.Engine.WorkerID,
		"reconcilers": len(r.reconcilers),
		"store":       r.Config.Store.Driver,
	}).Info("orchestrator runtime started")
	return nil
}

// recoverWaits picks up retry waits and intervention timeouts left by instances
// that stopped.
func (r *Runtime) recoverWaits(ctx context.Context) error {
	_, err := r.Engine.Recover(ctx)
	return err
}

func (r *Runtime) sweep(ctx context.Context) error {
	if _, err := r.sweeper.Sweep(ctx); err != nil {
		return err
	}
	if n := r.Notifier.Purge(); n > 0 {
		orchestration.WithLoggerFields(r.Logger.WithContext(ctx), map[string]any{"purged": n}).
			Debug("notify results purged")
	}
	return nil
}

// Stop cancels the workers and waits for them until ctx ends. A final
// reconcile pass drains responses written while stopping.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	running := r.running
	cancel := r.cancel
	done := r.done
	r.running = false
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	var errs []error
	if running {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		for _, rec := range r.reconcilers {
			if _, err := rec.RunOnce(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}

	stopCtx, stopCancel := context.WithTimeout(ctx, 5*time.Second)
	defer stopCancel()
	if err := r.Scheduler.Stop(stopCtx); err != nil {
		errs = append(errs, err)
	}
	if err := r.closeDB(); err != nil {
		errs = append(errs, err)
	}
	r.Logger.WithContext(ctx).Info("orchestrator runtime stopped")
	return errors.Join(errs...)
}

func (r *Runtime) closeDB() error {
	if r.db == nil || !r.ownsDB {
		return nil
	}
	db := r.db
	r.db = nil
	return db.Close()
}
