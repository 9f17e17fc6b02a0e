package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
)

// Delivery is one result or progress update addressed by correlation id.
type Delivery struct {
	CorrelationID string
	Progress      bool
	Data          any
	At            time.Time
}

// Handler receives deliveries nobody is waiting on, or progress updates.
type Handler func(ctx context.Context, d Delivery) error

// Callback fires once every correlation id of a WaitFor subscription is done.
type Callback func(ctx context.Context, results map[string]Delivery) error

type subscription struct {
	ids      []string
	pending  map[string]struct{}
	callback Callback
}

type stored struct {
	delivery Delivery
	at       time.Time
}

// Engine correlates final results with parked consumers. The first final
// delivery per correlation id wins; later ones are reported as duplicates.
type Engine struct {
	mu        sync.Mutex
	results   map[string]stored
	waiters   map[string][]chan Delivery
	subs      map[string][]*subscription
	progress  []Handler
	fallback  Handler
	retention time.Duration
	logger    orchestration.Logger
	now       func() time.Time
}

// Option customizes the engine.
type Option func(*Engine)

func WithLogger(logger orchestration.Logger) Option {
	return func(e *Engine) {
		e.logger = orchestration.NormalizeLogger(logger)
	}
}

// WithRetention bounds how long final results are remembered for dedup.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithDefaultHandler handles final deliveries with no waiter or subscription.
func WithDefaultHandler(h Handler) Option {
	return func(e *Engine) {
		e.fallback = h
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		results:   make(map[string]stored),
		waiters:   make(map[string][]chan Delivery),
		subs:      make(map[string][]*subscription),
		retention: time.Hour,
		logger:    orchestration.NormalizeLogger(nil),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// SetDefaultHandler replaces the fallback handler after construction.
func (e *Engine) SetDefaultHandler(h Handler) {
	e.mu.Lock()
	e.fallback = h
	e.mu.Unlock()
}

// OnProgress registers a progress handler.
func (e *Engine) OnProgress(h Handler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	e.progress = append(e.progress, h)
	e.mu.Unlock()
}

// Notify delivers d. It returns false when a final result for the same
// correlation id was already recorded; duplicates are never an error.
func (e *Engine) Notify(ctx context.Context, d Delivery) (bool, error) {
	d.CorrelationID = strings.TrimSpace(d.CorrelationID)
	if d.CorrelationID == "" {
		return false, fmt.Errorf("correlation id required")
	}
	if d.At.IsZero() {
		d.At = e.now()
	}
	logger := orchestration.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"correlation_id": d.CorrelationID,
		"progress":       d.Progress,
	})

	if d.Progress {
		e.mu.Lock()
		handlers := append([]Handler(nil), e.progress...)
		e.mu.Unlock()
		var errs []error
		for _, h := range handlers {
			if err := e.invoke(ctx, "progress handler", func() error { return h(ctx, d) }); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			logger.Warn("progress handler failed: %v", errors.Join(errs...))
			return true, errors.Join(errs...)
		}
		return true, nil
	}

	e.mu.Lock()
	if _, exists := e.results[d.CorrelationID]; exists {
		e.mu.Unlock()
		logger.Debug("duplicate notification discarded")
		return false, nil
	}
	e.results[d.CorrelationID] = stored{delivery: d, at: d.At}
	waiters := e.waiters[d.CorrelationID]
	delete(e.waiters, d.CorrelationID)

	subscribed := len(e.subs[d.CorrelationID]) > 0
	var ready []*subscription
	for _, sub := range e.subs[d.CorrelationID] {
		delete(sub.pending, d.CorrelationID)
		if len(sub.pending) == 0 {
			ready = append(ready, sub)
		}
	}
	delete(e.subs, d.CorrelationID)
	readyResults := make([]map[string]Delivery, 0, len(ready))
	for _, sub := range ready {
		readyResults = append(readyResults, e.collectLocked(sub.ids))
	}
	fallback := e.fallback
	e.mu.Unlock()

	for _, ch := range waiters {
		ch <- d
	}

	var errs []error
	for i, sub := range ready {
		results := readyResults[i]
		cb := sub.callback
		if err := e.invoke(ctx, "wait callback", func() error { return cb(ctx, results) }); err != nil {
			errs = append(errs, err)
		}
	}

	consumed := len(waiters) > 0 || subscribed
	if !consumed && fallback != nil {
		if err := e.invoke(ctx, "default handler", func() error { return fallback(ctx, d) }); err != nil {
			// forget the result so a redelivery reaches the handler again
			e.mu.Lock()
			delete(e.results, d.CorrelationID)
			e.mu.Unlock()
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		logger.Error("notify callbacks failed: %v", err)
		return true, err
	}
	return true, nil
}

// Await parks until a final result for id arrives or ctx ends.
func (e *Engine) Await(ctx context.Context, id string) (Delivery, error) {
	id = strings.TrimSpace(id)
	e.mu.Lock()
	if rec, ok := e.results[id]; ok {
		e.mu.Unlock()
		return rec.delivery, nil
	}
	ch := make(chan Delivery, 1)
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		e.mu.Lock()
		list := e.waiters[id]
		for i, w := range list {
			if w == ch {
				e.waiters[id] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(e.waiters[id]) == 0 {
			delete(e.waiters, id)
		}
		e.mu.Unlock()
		return Delivery{}, ctx.Err()
	}
}

// WaitFor runs cb once all ids have a final result. If they already do,
// cb runs before WaitFor returns.
func (e *Engine) WaitFor(ctx context.Context, cb Callback, ids ...string) error {
	if cb == nil {
		return fmt.Errorf("callback required")
	}
	sub := &subscription{callback: cb, pending: make(map[string]struct{})}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		sub.ids = append(sub.ids, id)
	}
	if len(sub.ids) == 0 {
		return fmt.Errorf("at least one correlation id required")
	}

	e.mu.Lock()
	for _, id := range sub.ids {
		if _, done := e.results[id]; !done {
			sub.pending[id] = struct{}{}
		}
	}
	if len(sub.pending) > 0 {
		for id := range sub.pending {
			e.subs[id] = append(e.subs[id], sub)
		}
		e.mu.Unlock()
		return nil
	}
	results := e.collectLocked(sub.ids)
	e.mu.Unlock()
	return e.invoke(ctx, "wait callback", func() error { return cb(ctx, results) })
}

// Result returns the recorded final result for id.
func (e *Engine) Result(id string) (Delivery, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.results[strings.TrimSpace(id)]
	return rec.delivery, ok
}

// Purge forgets results older than the retention window.
func (e *Engine) Purge() int {
	cutoff := e.now().Add(-e.retention)
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, rec := range e.results {
		if rec.at.Before(cutoff) {
			delete(e.results, id)
			removed++
		}
	}
	return removed
}

func (e *Engine) collectLocked(ids []string) map[string]Delivery {
	out := make(map[string]Delivery, len(ids))
	for _, id := range ids {
		out[id] = e.results[id].delivery
	}
	return out
}

func (e *Engine) invoke(_ context.Context, name string, fn func() error) error {
	err := orchestration.CapturePanic(orchestration.ErrNotifyCallbackFailed, name, fn)
	if err == nil || orchestration.HasCode(err, orchestration.ErrCodeNotifyCallbackFailed) {
		return err
	}
	return orchestration.NewError(orchestration.ErrNotifyCallbackFailed, name+" failed", err, nil)
}
