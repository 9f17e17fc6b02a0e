package delegate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/asynctask"
	"github.com/goliatone/go-orchestration/codec"
	"github.com/goliatone/go-orchestration/execution"
	"github.com/goliatone/go-orchestration/runner"
	"golang.org/x/sync/errgroup"
)

// TaskRequest is the work handed to a delegate. CorrelationID is the
// notify id the waiting node execution listens on.
type TaskRequest struct {
	CorrelationID string
	TaskType      string
	AccountID     string
	TaskGroup     string
	Payload       map[string]any
	Timeout       time.Duration
}

// Dispatcher queues tasks for delegates. Results come back as async task
// responses, never as return values.
type Dispatcher interface {
	Dispatch(ctx context.Context, req TaskRequest) error
	Cancel(correlationID string, cause error) bool
}

// Task is what a handler sees while it runs.
type Task struct {
	Request TaskRequest
	Control runner.ExecutionControl

	progress func(ctx context.Context, data map[string]any) error
}

// Progress publishes an intermediate update for the task.
func (t Task) Progress(ctx context.Context, data map[string]any) error {
	if t.progress == nil {
		return nil
	}
	return t.progress(ctx, data)
}

// TaskHandler runs one task type. A returned error becomes a FAILED result.
type TaskHandler func(ctx context.Context, task Task) (asynctask.Result, error)

// Metrics observes worker occupancy.
type Metrics interface {
	TaskStarted()
	TaskFinished()
}

type noopMetrics struct{}

func (noopMetrics) TaskStarted()  {}
func (noopMetrics) TaskFinished() {}

// LocalDispatcher runs registered handlers on an in-process worker pool and
// writes their results to an async task store, standing in for remote
// delegates.
type LocalDispatcher struct {
	responses  asynctask.Store
	selections SelectionStore
	codec      *codec.Codec
	logger     orchestration.Logger
	metrics    Metrics
	now        func() time.Time

	workers     int
	responseTTL time.Duration

	mu       sync.Mutex
	handlers map[string]TaskHandler
	running  map[string]*runner.TaskControl
	queue    chan TaskRequest
}

type Option func(*LocalDispatcher)

func WithWorkers(n int) Option {
	return func(d *LocalDispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *LocalDispatcher) {
		if n > 0 {
			d.queue = make(chan TaskRequest, n)
		}
	}
}

func WithSelectionStore(s SelectionStore) Option {
	return func(d *LocalDispatcher) {
		d.selections = s
	}
}

func WithCodec(c *codec.Codec) Option {
	return func(d *LocalDispatcher) {
		if c != nil {
			d.codec = c
		}
	}
}

func WithLogger(logger orchestration.Logger) Option {
	return func(d *LocalDispatcher) {
		d.logger = orchestration.NormalizeLogger(logger)
	}
}

func WithMetrics(m Metrics) Option {
	return func(d *LocalDispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithResponseTTL sets how long written responses stay valid.
func WithResponseTTL(ttl time.Duration) Option {
	return func(d *LocalDispatcher) {
		if ttl > 0 {
			d.responseTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *LocalDispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewLocalDispatcher(responses asynctask.Store, opts ...Option) *LocalDispatcher {
	d := &LocalDispatcher{
		responses:   responses,
		codec:       codec.New(),
		logger:      orchestration.NormalizeLogger(nil),
		metrics:     noopMetrics{},
		now:         func() time.Time { return time.Now().UTC() },
		workers:     4,
		responseTTL: 24 * time.Hour,
		handlers:    make(map[string]TaskHandler),
		running:     make(map[string]*runner.TaskControl),
		queue:       make(chan TaskRequest, 64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Handle registers the handler for taskType, replacing any previous one.
func (d *LocalDispatcher) Handle(taskType string, h TaskHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[strings.TrimSpace(taskType)] = h
}

// Dispatch queues req. Blocked selections and unknown task types are
// refused before anything is queued.
func (d *LocalDispatcher) Dispatch(ctx context.Context, req TaskRequest) error {
	if strings.TrimSpace(req.CorrelationID) == "" {
		return orchestration.Errorf(orchestration.ErrPlanInvalid, "task request requires a correlation id")
	}
	if _, ok := d.handler(req.TaskType); !ok {
		return orchestration.NewError(orchestration.ErrStepNotRegistered,
			"no delegate handler for task type "+req.TaskType, nil,
			map[string]any{"task_type": req.TaskType})
	}
	if d.selections != nil {
		blocked, ok, err := d.selections.Blocking(ctx, req, d.now())
		if err != nil {
			return err
		}
		if ok {
			return orchestration.NewError(orchestration.ErrTaskSelectionBlocked,
				"task selection blocked for "+req.TaskType, nil,
				map[string]any{
					"correlation_id": req.CorrelationID,
					"account_id":     req.AccountID,
					"task_group":     req.TaskGroup,
					"capability_id":  blocked.CapabilityID,
				})
		}
	}

	select {
	case d.queue <- req:
		d.loggerFor(ctx, req).Debug("delegate task queued")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops a running task. It reports false when the task is not running.
func (d *LocalDispatcher) Cancel(correlationID string, cause error) bool {
	d.mu.Lock()
	ctrl, ok := d.running[correlationID]
	d.mu.Unlock()
	if ok {
		ctrl.Cancel(cause)
	}
	return ok
}

// Pause and Resume act on a running task's execution control.
func (d *LocalDispatcher) Pause(correlationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctrl, ok := d.running[correlationID]
	if ok {
		ctrl.Pause()
	}
	return ok
}

func (d *LocalDispatcher) Resume(correlationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctrl, ok := d.running[correlationID]
	if ok {
		ctrl.Resume()
	}
	return ok
}

// Run starts the worker pool and blocks until ctx ends.
func (d *LocalDispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case req := <-d.queue:
					d.execute(gctx, req)
				}
			}
		})
	}
	return g.Wait()
}

func (d *LocalDispatcher) handler(taskType string) (TaskHandler, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handlers[strings.TrimSpace(taskType)]
	return h, ok && h != nil
}

func (d *LocalDispatcher) execute(ctx context.Context, req TaskRequest) {
	h, ok := d.handler(req.TaskType)
	if !ok {
		return
	}
	logger := d.loggerFor(ctx, req)

	ctrl := runner.NewTaskControl()
	d.mu.Lock()
	d.running[req.CorrelationID] = ctrl
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, req.CorrelationID)
		d.mu.Unlock()
	}()

	d.metrics.TaskStarted()
	defer d.metrics.TaskFinished()

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if req.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		taskCtx, cancelTimeout = context.WithTimeout(taskCtx, req.Timeout)
		defer cancelTimeout()
	}
	go func() {
		select {
		case <-ctrl.Done():
			cancel(ctrl.CancelCause())
		case <-taskCtx.Done():
		}
	}()

	task := Task{
		Request: req,
		Control: ctrl,
		progress: func(pctx context.Context, data map[string]any) error {
			return d.write(pctx, req.CorrelationID, asynctask.KindProgress, asynctask.Result{
				Status:   execution.StatusRunning,
				Progress: data,
			})
		},
	}

	var result asynctask.Result
	err := orchestration.CapturePanic(orchestration.ErrDelegateTaskFailed, "delegate task "+req.TaskType, func() error {
		var runErr error
		result, runErr = h(taskCtx, task)
		return runErr
	})
	result = finalResult(taskCtx, result, err, ctrl)

	if err := d.write(context.WithoutCancel(ctx), req.CorrelationID, asynctask.KindFinal, result); err != nil {
		logger.Error("delegate result write failed: %v", err)
		return
	}
	orchestration.WithLoggerFields(logger, map[string]any{"status": string(result.Status)}).
		Info("delegate task finished")
}

func finalResult(ctx context.Context, result asynctask.Result, err error, ctrl *runner.TaskControl) asynctask.Result {
	select {
	case <-ctrl.Done():
		return asynctask.Result{
			Status:         execution.StatusAborted,
			FailureMessage: errorText(ctrl.CancelCause()),
		}
	default:
	}
	if err != nil {
		failure := execution.FailureApplication
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			failure = execution.FailureTimeout
		}
		return asynctask.Result{
			Status:         execution.StatusFailed,
			FailureMessage: err.Error(),
			FailureTypes:   []execution.FailureType{failure},
			Outputs:        result.Outputs,
		}
	}
	if result.Status == "" {
		result.Status = execution.StatusSucceeded
	}
	return result
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (d *LocalDispatcher) write(ctx context.Context, correlationID string, kind asynctask.Kind, result asynctask.Result) error {
	payload, err := d.codec.Marshal(result)
	if err != nil {
		return err
	}
	now := d.now()
	_, err = d.responses.Insert(ctx, asynctask.Response{
		CorrelationID: correlationID,
		Kind:          kind,
		Payload:       payload,
		CreatedAt:     now,
		ValidUntil:    now.Add(d.responseTTL),
	})
	return err
}

func (d *LocalDispatcher) loggerFor(ctx context.Context, req TaskRequest) orchestration.Logger {
	return orchestration.WithLoggerFields(d.logger.WithContext(ctx), map[string]any{
		"correlation_id": req.CorrelationID,
		"task_type":      req.TaskType,
		"account_id":     req.AccountID,
	})
}
