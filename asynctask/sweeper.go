package asynctask

import (
	"context"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
)

// Sweeper purges responses past their ValidUntil. It is driven by the cron
// scheduler in the runtime.
type Sweeper struct {
	store  Store
	logger orchestration.Logger
	now    func() time.Time
}

func NewSweeper(store Store, logger orchestration.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		logger: orchestration.NormalizeLogger(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.PurgeExpired(ctx, s.now())
	if err != nil {
		s.logger.WithContext(ctx).Error("expired response purge failed: %v", err)
		return 0, err
	}
	if n > 0 {
		orchestration.WithLoggerFields(s.logger.WithContext(ctx), map[string]any{"purged": n}).
			Info("expired async responses purged")
	}
	return n, nil
}
