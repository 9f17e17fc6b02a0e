package delegate

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
)

// SelectionDetails records task routing constraints that no delegate
// currently satisfies. While Blocked and not expired, matching tasks are
// refused instead of queued.
type SelectionDetails struct {
	UUID              string
	AccountID         string
	CapabilityID      string
	TaskGroup         string
	TaskSelectors     map[string][]string
	SetupAbstractions map[string]string
	Blocked           bool
	ValidUntil        time.Time
}

func (d SelectionDetails) expired(now time.Time) bool {
	return !d.ValidUntil.IsZero() && !now.Before(d.ValidUntil)
}

// matches reports whether d constrains req. An empty task group in d
// matches every group of the account.
func (d SelectionDetails) matches(req TaskRequest) bool {
	if d.AccountID != req.AccountID {
		return false
	}
	return d.TaskGroup == "" || strings.EqualFold(d.TaskGroup, req.TaskGroup)
}

// SelectionStore exposes the blocking signal owned by capability matching.
type SelectionStore interface {
	Save(ctx context.Context, d SelectionDetails) (SelectionDetails, error)
	SetBlocked(ctx context.Context, id string, blocked bool) error
	List(ctx context.Context, accountID, capabilityID string) ([]SelectionDetails, error)
	// Blocking returns the first unexpired blocked entry matching req.
	Blocking(ctx context.Context, req TaskRequest, now time.Time) (SelectionDetails, bool, error)
}

type InMemorySelectionStore struct {
	mu      sync.RWMutex
	details map[string]SelectionDetails
}

func NewInMemorySelectionStore() *InMemorySelectionStore {
	return &InMemorySelectionStore{details: make(map[string]SelectionDetails)}
}

func (s *InMemorySelectionStore) Save(_ context.Context, d SelectionDetails) (SelectionDetails, error) {
	if strings.TrimSpace(d.AccountID) == "" {
		return d, orchestration.Errorf(orchestration.ErrPlanInvalid, "selection details require an account id")
	}
	if d.UUID == "" {
		d.UUID = orchestration.NewID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[d.UUID] = d
	return d, nil
}

func (s *InMemorySelectionStore) SetBlocked(_ context.Context, id string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.details[id]
	if !ok {
		return orchestration.Errorf(orchestration.ErrNodeNotFound, "selection details %s not found", id)
	}
	d.Blocked = blocked
	s.details[id] = d
	return nil
}

func (s *InMemorySelectionStore) List(_ context.Context, accountID, capabilityID string) ([]SelectionDetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SelectionDetails
	for _, d := range s.details {
		if d.AccountID == accountID && (capabilityID == "" || d.CapabilityID == capabilityID) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (s *InMemorySelectionStore) Blocking(_ context.Context, req TaskRequest, now time.Time) (SelectionDetails, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.details))
	for id := range s.details {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d := s.details[id]
		if d.Blocked && !d.expired(now) && d.matches(req) {
			return d, true, nil
		}
	}
	return SelectionDetails{}, false, nil
}
