package cron

import (
	"fmt"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	rcron "github.com/robfig/cron/v3"
)

type Option func(*Scheduler)

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

func WithLogger(logger orchestration.Logger) Option {
	return func(s *Scheduler) {
		s.logger = orchestration.NormalizeLogger(logger)
	}
}

// WithErrorHandler receives job failures and recovered cron panics.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.errorHandler = handler
	}
}

// WithSeconds accepts a leading seconds field in cron expressions.
func WithSeconds() Option {
	return func(s *Scheduler) {
		s.seconds = true
	}
}

// cronLogger routes robfig/cron errors through the scheduler logger. Info
// is dropped, as the non-verbose robfig logger does.
type cronLogger struct {
	logger orchestration.Logger
}

func (l cronLogger) Info(string, ...any) {}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.logger.Error("cron: %s %v: %v", msg, kv, err)
}

// panicReporter turns recovered job panics into error handler calls.
type panicReporter struct {
	handler func(error)
}

func (p panicReporter) Info(string, ...any) {}

func (p panicReporter) Error(err error, msg string, kv ...any) {
	if err == nil {
		err = fmt.Errorf("%s %v", msg, kv)
	}
	p.handler(err)
}

func (s *Scheduler) build() []rcron.Option {
	fields := rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor
	if s.seconds {
		fields |= rcron.Second
	}
	return []rcron.Option{
		rcron.WithLocation(s.location),
		rcron.WithParser(rcron.NewParser(fields)),
		rcron.WithLogger(cronLogger{logger: s.logger}),
		rcron.WithChain(rcron.Recover(panicReporter{handler: s.reportError})),
	}
}

func (s *Scheduler) reportError(err error) {
	if s.errorHandler != nil {
		s.errorHandler(err)
		return
	}
	s.logger.Error("scheduled job failed: %v", err)
}
