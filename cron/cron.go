package cron

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/runner"

	rcron "github.com/robfig/cron/v3"
)

// Job is scheduled work. The context ends when the job's timeout passes
// or the scheduler stops.
type Job func(ctx context.Context) error

// JobConfig names a job and bounds each of its runs. A failed run is
// retried up to MaxRetries times, only for errors RetryIf accepts when it
// is set.
type JobConfig struct {
	Name       string
	Expression string
	MaxRetries int
	Timeout    time.Duration
	RetryIf    func(error) bool
}

// Scheduler wraps robfig/cron for recurring jobs and timers for one-shot ones.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger  orchestration.Logger
	seconds bool

	baseCtx    context.Context
	cancelBase context.CancelFunc

	nextHandleID int64
	handles      map[int64]*cronSubscription
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	cs := &Scheduler{
		location: time.Local,
		logger:   orchestration.NormalizeLogger(nil),
		handles:  make(map[int64]*cronSubscription),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cs)
		}
	}

	cs.baseCtx, cs.cancelBase = context.WithCancel(context.Background())
	cs.cron = rcron.New(cs.build()...)
	return cs
}

// ScheduleCron schedules a recurring job by cron expression.
func (s *Scheduler) ScheduleCron(cfg JobConfig, job Job) (Handle, error) {
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	run, err := s.buildRunnable(cfg, job)
	if err != nil {
		return nil, err
	}

	sub := s.newHandle(cfg.Name)
	entry := rcron.FuncJob(func() {
		if isTerminalStatus(sub.Status()) {
			return
		}
		// a slow run must not overlap with the next tick
		if !sub.tryBegin() {
			return
		}
		err := run()
		if err != nil {
			s.reportError(fmt.Errorf("cron job %s: %w", sub.Name(), err))
		}
		// a failed tick keeps the schedule alive; Err reports the last failure
		if !isTerminalStatus(sub.Status()) {
			sub.setStatus(ScheduleStatusIdle, err)
		}
	})

	entryID, err := s.cron.AddJob(cfg.Expression, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to add job: %w", err)
	}
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	return sub, nil
}

// ScheduleAfter schedules one execution after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, job Job) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(time.Now().Add(delay), cfg, job)
}

// ScheduleAt schedules one execution at a specific time.
func (s *Scheduler) ScheduleAt(at time.Time, cfg JobConfig, job Job) (Handle, error) {
	run, err := s.buildRunnable(cfg, job)
	if err != nil {
		return nil, err
	}

	sub := s.newHandle(cfg.Name)
	s.storeHandle(sub)

	go func() {
		wait := time.Until(at)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-sub.Done():
			return
		}

		if isTerminalStatus(sub.Status()) {
			return
		}
		sub.setStatus(ScheduleStatusRunning, nil)
		if err := run(); err != nil {
			sub.setTerminal(ScheduleStatusFailed, err)
			s.reportError(fmt.Errorf("scheduled job %s: %w", sub.Name(), err))
			s.removeStoredHandle(sub.id)
			return
		}
		sub.setTerminal(ScheduleStatusCompleted, nil)
		s.removeStoredHandle(sub.id)
	}()

	return sub, nil
}

// Jobs returns the live handles ordered by id.
func (s *Scheduler) Jobs() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Handle, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.handles[id])
	}
	return out
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop stops the cron loop, waits for running cron jobs until ctx ends and
// marks active handles as stopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stopped := s.cron.Stop()
	s.cancelBase()

	var handles []*cronSubscription
	s.mu.Lock()
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[int64]*cronSubscription)
	s.mu.Unlock()

	for _, handle := range handles {
		if handle == nil {
			continue
		}
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		if isTerminalStatus(handle.Status()) {
			continue
		}
		handle.setTerminal(ScheduleStatusStopped, nil)
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) removeHandle(id int64) {
	handle := s.removeStoredHandle(id)
	if handle == nil {
		return
	}
	if handle.entryID > 0 {
		s.cron.Remove(rcron.EntryID(handle.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *cronSubscription {
	if s == nil || id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.handles[id]
	delete(s.handles, id)
	return handle
}

func (s *Scheduler) storeHandle(handle *cronSubscription) {
	if s == nil || handle == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[handle.id] = handle
}

func (s *Scheduler) newHandle(name string) *cronSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("job-%d", s.nextHandleID)
	}
	return &cronSubscription{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

func (s *Scheduler) buildRunnable(cfg JobConfig, job Job) (func() error, error) {
	if job == nil {
		return nil, fmt.Errorf("job cannot be nil")
	}
	h := runner.NewHandler(makeRunnerOptions(s, cfg)...)
	return func() error {
		return h.Run(s.baseCtx, func(ctx context.Context) error {
			return job(ctx)
		})
	}, nil
}

func makeRunnerOptions(s *Scheduler, cfg JobConfig) []runner.Option {
	runnerOpts := []runner.Option{
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithLogger(s.logger),
	}
	if cfg.Timeout > 0 {
		runnerOpts = append(runnerOpts, runner.WithTimeout(cfg.Timeout))
	}
	if cfg.RetryIf != nil {
		runnerOpts = append(runnerOpts, runner.WithRetryIf(cfg.RetryIf))
	}
	return runnerOpts
}
