package runner

import (
	"context"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
)

// Handler runs a function with bounded retries under an optional timeout.
// It is immutable once built and safe for concurrent use.
type Handler struct {
	logger        orchestration.Logger
	retryStrategy RetryStrategy
	retryIf       func(error) bool

	maxRetries int
	timeout    time.Duration
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	r := &Handler{
		retryStrategy: NoDelayStrategy{},
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Run calls fn until it succeeds, retries are exhausted, the strategy
// refuses or ctx ends. The last error is returned.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	var err error
	for attempt := 0; h.maxRetries < 0 || attempt <= h.maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if h.retryIf != nil && !h.retryIf(err) {
			return err
		}
		if h.maxRetries >= 0 && attempt >= h.maxRetries {
			return err
		}

		if h.logger != nil {
			h.logger.Debug("run failed, attempt %d: %v", attempt+1, err)
		}
		decision := DecideRetry(h.retryStrategy, attempt, err)
		if !decision.ShouldRetry {
			return err
		}
		if waitErr := sleep(ctx, decision.Delay); waitErr != nil {
			return waitErr
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunValue runs fn through h and returns its last value.
func RunValue[R any](ctx context.Context, h *Handler, fn func(context.Context) (R, error)) (R, error) {
	var result R
	err := h.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}
