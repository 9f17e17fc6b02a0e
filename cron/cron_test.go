package cron

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleAfterCompletesAndReportsStatus(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAfter(50*time.Millisecond, JobConfig{Name: "retry-wait"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle completion")
	}

	if got := count.Load(); got != 1 {
		t.Fatalf("expected one execution, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCompleted {
		t.Fatalf("expected completed status, got %s", status)
	}
	if handle.Name() != "retry-wait" {
		t.Fatalf("expected job name retry-wait, got %q", handle.Name())
	}
	if len(scheduler.Jobs()) != 0 {
		t.Fatal("expected completed one-shot job to be removed")
	}
}

func TestScheduleAfterRetriesFailedJob(t *testing.T) {
	var (
		mu     sync.Mutex
		errs   []error
		called atomic.Int32
	)
	scheduler := NewScheduler(WithErrorHandler(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}))

	handle, err := scheduler.ScheduleAfter(0, JobConfig{MaxRetries: 2}, func(context.Context) error {
		if called.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}
	<-handle.Done()

	if got := called.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCompleted {
		t.Fatalf("expected completed status, got %s", status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 0 {
		t.Fatalf("expected no reported errors, got %v", errs)
	}
}

func TestScheduleAtFailureIsReported(t *testing.T) {
	reported := make(chan error, 1)
	scheduler := NewScheduler(WithErrorHandler(func(err error) { reported <- err }))
	boom := errors.New("boom")

	handle, err := scheduler.ScheduleAt(time.Now(), JobConfig{Name: "expire"}, func(context.Context) error {
		return boom
	})
	if err != nil {
		t.Fatalf("schedule at: %v", err)
	}
	<-handle.Done()

	if status := handle.Status(); status != ScheduleStatusFailed {
		t.Fatalf("expected failed status, got %s", status)
	}
	if !errors.Is(handle.Err(), boom) {
		t.Fatalf("expected handle error boom, got %v", handle.Err())
	}
	select {
	case err := <-reported:
		if !errors.Is(err, boom) {
			t.Fatalf("expected reported boom, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected error handler call")
	}
}

func TestScheduleAtCancelPreventsExecution(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAt(time.Now().Add(250*time.Millisecond), JobConfig{}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule at: %v", err)
	}

	handle.Cancel()

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected canceled handle to close done channel")
	}

	time.Sleep(300 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Fatalf("expected zero executions after cancel, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCanceled {
		t.Fatalf("expected canceled status, got %s", status)
	}
}

func TestScheduleCronCancelableHandle(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleCron(JobConfig{
		Name:       "sweeper",
		Expression: "@every 1s",
	}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule cron: %v", err)
	}

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	defer scheduler.Stop(context.Background())

	deadline := time.After(2500 * time.Millisecond)
	for count.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected at least one cron run")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	if handle.Runs() == 0 || handle.LastRun().IsZero() {
		t.Fatal("expected run bookkeeping on handle")
	}

	handle.Cancel()
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected cancel to close handle done channel")
	}

	if status := handle.Status(); status != ScheduleStatusCanceled {
		t.Fatalf("expected canceled status, got %s", status)
	}
}

func TestScheduleCronFailureKeepsSchedule(t *testing.T) {
	scheduler := NewScheduler(WithErrorHandler(func(error) {}))
	var count atomic.Int32

	handle, err := scheduler.ScheduleCron(JobConfig{Expression: "@every 1s"}, func(context.Context) error {
		count.Add(1)
		return errors.New("purge failed")
	})
	if err != nil {
		t.Fatalf("schedule cron: %v", err)
	}
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	defer scheduler.Stop(context.Background())

	deadline := time.After(3500 * time.Millisecond)
	for count.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected the job to keep running after a failure, ran %d", count.Load())
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}
	if handle.Err() == nil {
		t.Fatal("expected last error on handle")
	}
}

func TestSchedulerStopMarksHandleStopped(t *testing.T) {
	scheduler := NewScheduler()
	handle, err := scheduler.ScheduleCron(JobConfig{
		Expression: "@every 5s",
	}, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("schedule cron: %v", err)
	}

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}

	if err := scheduler.Stop(context.Background()); err != nil {
		t.Fatalf("scheduler stop: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle done on stop")
	}

	if status := handle.Status(); status != ScheduleStatusStopped {
		t.Fatalf("expected stopped status, got %s", status)
	}
}

func TestJobsListsLiveHandles(t *testing.T) {
	scheduler := NewScheduler()
	first, err := scheduler.ScheduleCron(JobConfig{Name: "a", Expression: "@every 10s"}, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	second, err := scheduler.ScheduleCron(JobConfig{Expression: "@every 10s"}, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	jobs := scheduler.Jobs()
	if len(jobs) != 2 || jobs[0].ID() != first.ID() || jobs[1].ID() != second.ID() {
		t.Fatalf("unexpected jobs %v", jobs)
	}
	if second.Name() != "job-2" {
		t.Fatalf("expected generated name job-2, got %q", second.Name())
	}

	first.Cancel()
	if len(scheduler.Jobs()) != 1 {
		t.Fatal("expected canceled job to be removed")
	}
}

func TestScheduleCronValidation(t *testing.T) {
	scheduler := NewScheduler()

	if _, err := scheduler.ScheduleCron(JobConfig{}, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected empty expression error")
	}

	if _, err := scheduler.ScheduleCron(JobConfig{Expression: "@every 1s"}, nil); err == nil {
		t.Fatal("expected nil job error")
	}

	if _, err := scheduler.ScheduleCron(JobConfig{Expression: "not a schedule"}, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSecondsFieldNeedsOption(t *testing.T) {
	job := func(context.Context) error { return nil }
	if _, err := NewScheduler().ScheduleCron(JobConfig{Expression: "*/5 * * * * *"}, job); err == nil {
		t.Fatal("expected six-field expression to be rejected")
	}
	if _, err := NewScheduler(WithSeconds()).ScheduleCron(JobConfig{Expression: "*/5 * * * * *"}, job); err != nil {
		t.Fatalf("six-field expression: %v", err)
	}
}

func TestScheduleAfterRetryIfAndTimeout(t *testing.T) {
	scheduler := NewScheduler(WithErrorHandler(func(error) {}))
	fatal := errors.New("fatal")
	var called atomic.Int32

	handle, err := scheduler.ScheduleAfter(0, JobConfig{
		MaxRetries: 5,
		RetryIf:    func(err error) bool { return !errors.Is(err, fatal) },
	}, func(context.Context) error {
		called.Add(1)
		return fatal
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}
	<-handle.Done()
	if got := called.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	if !errors.Is(handle.Err(), fatal) {
		t.Fatalf("expected fatal error, got %v", handle.Err())
	}

	slow, err := scheduler.ScheduleAfter(0, JobConfig{Timeout: 20 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}
	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("job timeout not applied")
	}
	if !errors.Is(slow.Err(), context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", slow.Err())
	}
}
