package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/runner"
)

// Backend stores lock ownership. Acquire must only succeed when key is free
// or its previous holder's ttl has passed.
type Backend interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration, now time.Time) (bool, error)
	// Extend reports false when token no longer holds key.
	Extend(ctx context.Context, key, token string, ttl time.Duration, now time.Time) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// Locker hands out locks for critical sections shared across engine instances.
type Locker interface {
	// TryAcquire returns nil, nil when the lock is held elsewhere.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error)
	// Acquire waits for the lock and fails with LOCK_ACQUISITION_FAILED.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error)
}

// Lock is one acquired lock. Release is idempotent.
type Lock struct {
	Key       string
	Token     string
	ExpiresAt time.Time

	mu      sync.Mutex
	once    sync.Once
	backend Backend
	now     func() time.Time
	err     error
}

// Extend pushes the expiry ttl past now. It fails with LOCK_LOST when
// another holder took the key.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	now := l.now()
	ok, err := l.backend.Extend(ctx, l.Key, l.Token, ttl, now)
	if err != nil {
		return err
	}
	if !ok {
		return orchestration.NewError(orchestration.ErrLockLost,
			"lock lost: "+l.Key, nil, map[string]any{"lock_key": l.Key})
	}
	l.mu.Lock()
	l.ExpiresAt = now.Add(ttl)
	l.mu.Unlock()
	return nil
}

func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		l.err = l.backend.Release(context.WithoutCancel(ctx), l.Key, l.Token)
	})
	return l.err
}

// Service implements Locker over a Backend.
type Service struct {
	backend     Backend
	waitTimeout time.Duration
	strategy    runner.RetryStrategy
	logger      orchestration.Logger
	now         func() time.Time
}

type Option func(*Service)

// WithWaitTimeout bounds how long Acquire waits.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.waitTimeout = d
		}
	}
}

func WithBackoff(strategy runner.RetryStrategy) Option {
	return func(s *Service) {
		if strategy != nil {
			s.strategy = strategy
		}
	}
}

func WithLogger(logger orchestration.Logger) Option {
	return func(s *Service) {
		s.logger = orchestration.NormalizeLogger(logger)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend:     backend,
		waitTimeout: 10 * time.Second,
		strategy: runner.ExponentialBackoffStrategy{
			Base:   10 * time.Millisecond,
			Factor: 2,
			Max:    500 * time.Millisecond,
		},
		logger: orchestration.NormalizeLogger(nil),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, orchestration.Errorf(orchestration.ErrInvalidConfig, "lock key required")
	}
	if ttl <= 0 {
		return nil, orchestration.NewError(orchestration.ErrInvalidConfig,
			"lock ttl must be > 0", nil, map[string]any{"lock_key": key, "ttl": ttl.String()})
	}
	token := orchestration.NewID()
	now := s.now()
	ok, err := s.backend.Acquire(ctx, key, token, ttl, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lock{Key: key, Token: token, ExpiresAt: now.Add(ttl), backend: s.backend, now: s.now}, nil
}

var errHeld = errors.New("lock held")

func (s *Service) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	h := runner.NewHandler(
		runner.WithMaxRetries(-1),
		runner.WithTimeout(s.waitTimeout),
		runner.WithRetryStrategy(s.strategy),
		runner.WithRetryIf(func(err error) bool { return errors.Is(err, errHeld) }),
	)
	l, err := runner.RunValue(ctx, h, func(ctx context.Context) (*Lock, error) {
		l, err := s.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if l == nil {
			return nil, errHeld
		}
		return l, nil
	})
	if err == nil && l != nil {
		return l, nil
	}
	orchestration.WithLoggerFields(s.logger.WithContext(ctx), map[string]any{"lock_key": key}).
		Warn("lock acquisition failed: %v", err)
	if errors.Is(err, errHeld) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = nil
	}
	return nil, orchestration.NewError(orchestration.ErrLockAcquisitionFailed,
		"could not acquire lock "+key, err, map[string]any{"lock_key": key, "wait_timeout": s.waitTimeout.String()})
}

// WithLock runs fn while holding key. The lock is extended every ttl/3
// for as long as fn runs; if an extension fails fn's context is canceled
// with the failure as cause. The lock is released on every exit,
// including panics, which are re-raised after release.
func WithLock(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l, err := locker.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	fnCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		heartbeat(fnCtx, l, ttl, stop, cancel)
	}()
	defer func() {
		close(stop)
		wg.Wait()
		cancel(nil)
		_ = l.Release(ctx)
	}()
	err = fn(fnCtx)
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		if cause := context.Cause(fnCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
	}
	return err
}

func heartbeat(ctx context.Context, l *Lock, ttl time.Duration, stop <-chan struct{}, cancel context.CancelCauseFunc) {
	interval := ttl / 3
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Extend(context.WithoutCancel(ctx), ttl); err != nil {
				cancel(err)
				return
			}
		}
	}
}
