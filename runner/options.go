package runner

import (
	"time"

	orchestration "github.com/goliatone/go-orchestration"
)

type Option func(*Handler)

// WithTimeout bounds the whole run, retries and waits included.
func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

// WithMaxRetries bounds retries after the first attempt. A negative value
// retries until the context ends.
func WithMaxRetries(max int) Option {
	return func(r *Handler) {
		r.maxRetries = max
	}
}

func WithLogger(l orchestration.Logger) Option {
	return func(r *Handler) {
		r.logger = l
	}
}

// WithRetryStrategy sets the delay between attempts.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Handler) {
		if s != nil {
			r.retryStrategy = s
		}
	}
}

// WithRetryIf limits retries to errors accepted by fn.
func WithRetryIf(fn func(error) bool) Option {
	return func(r *Handler) {
		r.retryIf = fn
	}
}
