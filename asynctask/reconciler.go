package asynctask

import (
	"context"
	"strings"
	"sync"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/codec"
	"github.com/goliatone/go-orchestration/notify"
)

// Notifier receives decoded results keyed by correlation id. Returning
// false marks a duplicate, which is acknowledged like any delivery.
type Notifier interface {
	Notify(ctx context.Context, d notify.Delivery) (bool, error)
}

// Outcome classifies one claimed response.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomePoisoned  Outcome = "poisoned"
	OutcomeFailed    Outcome = "failed"
)

// EntryResult describes what happened to one claimed response.
type EntryResult struct {
	ResponseID    string
	CorrelationID string
	Kind          Kind
	Outcome       Outcome
	Error         string
	OccurredAt    time.Time
}

// Report summarizes one reconcile cycle.
type Report struct {
	WorkerID   string
	Kind       Kind
	Claimed    int
	Delivered  int
	Duplicates int
	Poisoned   int
	Failed     int
	Deleted    int
	Flushes    int
	Cancelled  bool
	Lag        time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []EntryResult
}

type RuntimeState string

const (
	RuntimeStateIdle     RuntimeState = "idle"
	RuntimeStateRunning  RuntimeState = "running"
	RuntimeStateStopping RuntimeState = "stopping"
	RuntimeStateStopped  RuntimeState = "stopped"
)

// RuntimeStatus captures the latest runtime state and cycle metrics.
type RuntimeStatus struct {
	WorkerID            string
	Kind                Kind
	State               RuntimeState
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LastClaimed         int
	LastDeleted         int
	LastLag             time.Duration
}

// Health is derived from RuntimeStatus.
type Health struct {
	Healthy bool
	Reason  string
	Status  RuntimeStatus
}

// Metrics captures reconciler observability events.
type Metrics interface {
	RecordClaim(kind Kind)
	RecordOutcome(kind Kind, outcome Outcome)
	RecordBatchDelete(kind Kind, size int)
	RecordLag(kind Kind, lag time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordClaim(Kind)              {}
func (noopMetrics) RecordOutcome(Kind, Outcome)   {}
func (noopMetrics) RecordBatchDelete(Kind, int)   {}
func (noopMetrics) RecordLag(Kind, time.Duration) {}

type cycleState int

const (
	stateClaim cycleState = iota
	stateDecode
	stateDeliver
	stateAck
	stateDone
)

// Reconciler claims responses of one kind, delivers them and deletes them
// in batches. Several reconcilers may share a store.
type Reconciler struct {
	store              Store
	notifier           Notifier
	codec              *codec.Codec
	workerID           string
	kind               Kind
	processingDuration time.Duration
	batchSize          int
	maxClaims          int
	runInterval        time.Duration
	logger             orchestration.Logger
	metrics            Metrics
	now                func() time.Time

	statusHook  func(context.Context, RuntimeStatus)
	outcomeHook func(context.Context, EntryResult)

	stateMu sync.RWMutex
	status  RuntimeStatus

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
}

type Option func(*Reconciler)

func WithWorkerID(id string) Option {
	return func(r *Reconciler) {
		r.workerID = strings.TrimSpace(id)
	}
}

// WithKind selects final or progress responses. The batch size follows the
// kind default unless WithBatchSize is also given.
func WithKind(kind Kind) Option {
	return func(r *Reconciler) {
		r.kind = kind
	}
}

// WithProcessingDuration sets how long a claim blocks other workers.
func WithProcessingDuration(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.processingDuration = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithMaxClaims bounds claims per cycle. Zero means until the store is drained.
func WithMaxClaims(n int) Option {
	return func(r *Reconciler) {
		if n >= 0 {
			r.maxClaims = n
		}
	}
}

func WithRunInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.runInterval = d
		}
	}
}

func WithCodec(c *codec.Codec) Option {
	return func(r *Reconciler) {
		if c != nil {
			r.codec = c
		}
	}
}

func WithLogger(logger orchestration.Logger) Option {
	return func(r *Reconciler) {
		r.logger = orchestration.NormalizeLogger(logger)
	}
}

func WithMetrics(m Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithStatusHook receives runtime status updates.
func WithStatusHook(hook func(context.Context, RuntimeStatus)) Option {
	return func(r *Reconciler) {
		r.statusHook = hook
	}
}

// WithOutcomeHook receives one callback per claimed response.
func WithOutcomeHook(hook func(context.Context, EntryResult)) Option {
	return func(r *Reconciler) {
		r.outcomeHook = hook
	}
}

func NewReconciler(store Store, notifier Notifier, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:              store,
		notifier:           notifier,
		codec:              codec.New(),
		workerID:           "reconciler-1",
		kind:               KindFinal,
		processingDuration: 60 * time.Second,
		runInterval:        time.Second,
		logger:             orchestration.NormalizeLogger(nil),
		metrics:            noopMetrics{},
		now:                func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize(r.kind)
	}
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}
	r.status = RuntimeStatus{WorkerID: r.workerID, Kind: r.kind, State: RuntimeStateIdle}
	return r
}

// Run repeats RunOnce every run interval until ctx ends or Stop is called.
func (r *Reconciler) Run(ctx context.Context) error {
	if r == nil {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "reconciler not configured")
	}
	if err := r.validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return orchestration.NewError(orchestration.ErrAlreadyRunning,
			"reconciler already running", nil, map[string]any{"worker_id": r.workerID})
	}
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	r.runCancel = cancel
	r.runDone = runDone
	r.running = true
	r.runMu.Unlock()

	r.setRuntimeState(runCtx, RuntimeStateRunning)
	logger := r.loggerFor(runCtx, nil)
	logger.Info("reconciler started")

	defer func() {
		r.runMu.Lock()
		r.running = false
		r.runCancel = nil
		r.runDone = nil
		close(runDone)
		r.runMu.Unlock()
		r.setRuntimeState(context.Background(), RuntimeStateStopped)
		logger.Info("reconciler stopped")
	}()

	ticker := time.NewTicker(r.runInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(runCtx); err != nil {
			logger.Warn("reconcile cycle failed: %v", err)
		}
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes responses until none are claimable, the
// claim budget is spent or ctx ends. Pending deletes are always flushed.
func (r *Reconciler) RunOnce(ctx context.Context) (report Report, err error) {
	if r == nil {
		return report, orchestration.Errorf(orchestration.ErrInvalidConfig, "reconciler not configured")
	}
	if err := r.validate(); err != nil {
		return report, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	report.WorkerID = r.workerID
	report.Kind = r.kind
	report.StartedAt = r.now()

	batcher := NewDeleteBatcher(r.store, r.batchSize)
	defer func() {
		// flush with a context that survives cancellation of the cycle
		flushCtx := context.WithoutCancel(ctx)
		if n, flushErr := batcher.Flush(flushCtx); flushErr != nil {
			r.loggerFor(ctx, nil).Error("final batch delete failed: %v", flushErr)
			if err == nil {
				err = flushErr
			}
		} else if n > 0 {
			r.metrics.RecordBatchDelete(r.kind, n)
		}
		report.Deleted = batcher.Deleted()
		report.Flushes = batcher.Flushes()
		report.FinishedAt = r.now()
		r.recordCycle(ctx, report, err)
	}()

	var (
		current Response
		result  Result
	)
	state := stateClaim
	for state != stateDone {
		// acks of already delivered responses still run after cancellation
		if state != stateAck && ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		switch state {
		case stateClaim:
			if r.maxClaims > 0 && report.Claimed >= r.maxClaims {
				state = stateDone
				continue
			}
			now := r.now()
			claimed, ok, claimErr := r.store.ClaimOne(ctx, r.kind, now.Add(-r.processingDuration), now)
			if claimErr != nil {
				err = claimErr
				state = stateDone
				continue
			}
			if !ok {
				state = stateDone
				continue
			}
			current = claimed
			report.Claimed++
			r.metrics.RecordClaim(r.kind)
			if !claimed.CreatedAt.IsZero() && now.After(claimed.CreatedAt) {
				lag := now.Sub(claimed.CreatedAt)
				if lag > report.Lag {
					report.Lag = lag
				}
				r.metrics.RecordLag(r.kind, lag)
			}
			state = stateDecode

		case stateDecode:
			result = Result{}
			if decodeErr := r.decode(current.Payload, &result); decodeErr != nil {
				r.loggerFor(ctx, &current).Error("response payload decode failed: %v", decodeErr)
				report.Poisoned++
				r.classify(ctx, &report, current, OutcomePoisoned, decodeErr)
				state = stateAck
				continue
			}
			state = stateDeliver

		case stateDeliver:
			fresh, notifyErr := r.notifier.Notify(ctx, notify.Delivery{
				CorrelationID: current.CorrelationID,
				Progress:      current.Kind == KindProgress,
				Data:          result,
				At:            r.now(),
			})
			if notifyErr != nil {
				// left claimed; another cycle retries after the processing duration
				r.loggerFor(ctx, &current).Warn("response delivery failed: %v", notifyErr)
				report.Failed++
				r.classify(ctx, &report, current, OutcomeFailed, notifyErr)
				state = stateClaim
				continue
			}
			if fresh {
				report.Delivered++
				r.classify(ctx, &report, current, OutcomeDelivered, nil)
			} else {
				report.Duplicates++
				r.classify(ctx, &report, current, OutcomeDuplicate, nil)
			}
			state = stateAck

		case stateAck:
			before := batcher.Deleted()
			flushed, ackErr := batcher.Add(ctx, current.ID)
			if ackErr != nil {
				err = ackErr
				state = stateDone
				continue
			}
			if flushed {
				r.metrics.RecordBatchDelete(r.kind, batcher.Deleted()-before)
			}
			state = stateClaim
		}
	}
	return report, err
}

func (r *Reconciler) decode(payload []byte, out *Result) error {
	if len(payload) == 0 {
		return orchestration.NewError(orchestration.ErrPayloadDecodeFailed, "empty response payload", nil, nil)
	}
	if err := r.codec.Unmarshal(payload, out); err != nil {
		return orchestration.NewError(orchestration.ErrPayloadDecodeFailed, "response payload decode failed", err, nil)
	}
	return nil
}

// Stop cancels the background loop and waits for the in-flight cycle.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r == nil {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "reconciler not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.runMu.Lock()
	cancel := r.runCancel
	done := r.runDone
	running := r.running
	r.runMu.Unlock()

	if !running || cancel == nil || done == nil {
		r.setRuntimeState(ctx, RuntimeStateStopped)
		return nil
	}

	r.setRuntimeState(ctx, RuntimeStateStopping)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) Status() RuntimeStatus {
	if r == nil {
		return RuntimeStatus{State: RuntimeStateStopped}
	}
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.status
}

func (r *Reconciler) Health(_ context.Context) Health {
	status := r.Status()
	health := Health{Healthy: true, Status: status}
	if status.ConsecutiveFailures > 0 {
		health.Healthy = false
		health.Reason = "reconcile failures detected"
	} else if status.State == RuntimeStateStopped && !status.LastRunAt.IsZero() {
		health.Healthy = false
		health.Reason = "reconciler stopped"
	}
	return health
}

func (r *Reconciler) classify(ctx context.Context, report *Report, resp Response, outcome Outcome, cause error) {
	result := EntryResult{
		ResponseID:    resp.ID,
		CorrelationID: resp.CorrelationID,
		Kind:          resp.Kind,
		Outcome:       outcome,
		OccurredAt:    r.now(),
	}
	if cause != nil {
		result.Error = cause.Error()
	}
	report.Outcomes = append(report.Outcomes, result)
	r.metrics.RecordOutcome(r.kind, outcome)
	if r.outcomeHook != nil {
		r.outcomeHook(ctx, result)
	}
}

func (r *Reconciler) recordCycle(ctx context.Context, report Report, cycleErr error) {
	now := r.now()
	r.stateMu.Lock()
	status := r.status
	status.WorkerID = r.workerID
	status.Kind = r.kind
	status.LastRunAt = now
	status.LastClaimed = report.Claimed
	status.LastDeleted = report.Deleted
	status.LastLag = report.Lag
	if cycleErr == nil {
		status.LastSuccessAt = now
		status.LastError = ""
		status.ConsecutiveFailures = 0
	} else {
		status.LastError = cycleErr.Error()
		status.ConsecutiveFailures++
	}
	if status.State == "" {
		status.State = RuntimeStateIdle
	}
	r.status = status
	r.stateMu.Unlock()

	if r.statusHook != nil {
		r.statusHook(ctx, status)
	}
}

func (r *Reconciler) setRuntimeState(ctx context.Context, state RuntimeState) {
	r.stateMu.Lock()
	status := r.status
	status.WorkerID = r.workerID
	status.State = state
	r.status = status
	r.stateMu.Unlock()
	if r.statusHook != nil {
		r.statusHook(ctx, status)
	}
}

func (r *Reconciler) loggerFor(ctx context.Context, resp *Response) orchestration.Logger {
	fields := map[string]any{
		"worker_id":     r.workerID,
		"response_kind": string(r.kind),
	}
	if resp != nil {
		fields["response_id"] = resp.ID
		fields["correlation_id"] = resp.CorrelationID
	}
	return orchestration.WithLoggerFields(r.logger.WithContext(ctx), fields)
}

func (r *Reconciler) validate() error {
	if r.store == nil {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "async response store not configured")
	}
	if r.notifier == nil {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "notifier not configured")
	}
	if strings.TrimSpace(r.workerID) == "" {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "reconciler worker id required")
	}
	switch r.kind {
	case KindFinal, KindProgress:
	default:
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "unknown response kind %q", r.kind)
	}
	return nil
}
