package asynctask

import (
	"context"
	"strings"
)

const (
	DefaultFinalBatchSize    = 20
	DefaultProgressBatchSize = 1000
)

// DefaultBatchSize returns the bulk delete threshold for kind.
func DefaultBatchSize(kind Kind) int {
	if kind == KindProgress {
		return DefaultProgressBatchSize
	}
	return DefaultFinalBatchSize
}

// DeleteBatcher accumulates acknowledged ids and deletes them in bulk. It
// is owned by a single reconcile cycle and is not safe for concurrent use.
type DeleteBatcher struct {
	store     Store
	threshold int
	pending   []string
	deleted   int
	flushes   int
}

func NewDeleteBatcher(store Store, threshold int) *DeleteBatcher {
	if threshold <= 0 {
		threshold = DefaultFinalBatchSize
	}
	return &DeleteBatcher{store: store, threshold: threshold}
}

// Add queues id and flushes once the pending set reaches the threshold.
func (b *DeleteBatcher) Add(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	b.pending = append(b.pending, id)
	if len(b.pending) < b.threshold {
		return false, nil
	}
	_, err := b.Flush(ctx)
	return true, err
}

// Flush deletes every pending id in one call.
func (b *DeleteBatcher) Flush(ctx context.Context) (int, error) {
	if len(b.pending) == 0 {
		return 0, nil
	}
	ids := b.pending
	n, err := b.store.DeleteBatch(ctx, ids)
	if err != nil {
		return 0, err
	}
	b.pending = nil
	b.deleted += n
	b.flushes++
	return n, nil
}

func (b *DeleteBatcher) Pending() int { return len(b.pending) }

func (b *DeleteBatcher) Deleted() int { return b.deleted }

func (b *DeleteBatcher) Flushes() int { return b.flushes }
