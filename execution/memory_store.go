package execution

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore keeps executions in process memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]*NodeExecution
	plans map[string]*PlanExecution
	now   func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		nodes: make(map[string]*NodeExecution),
		plans: make(map[string]*PlanExecution),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Save(_ context.Context, n *NodeExecution) error {
	rec, err := normalizeNew(n, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[rec.UUID]; exists {
		return versionConflict(rec.UUID, 0)
	}
	s.nodes[rec.UUID] = rec
	*n = *rec.Clone()
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.nodes[strings.TrimSpace(id)]
	if !ok {
		return nil, notFound(id)
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) GetByNotifyID(_ context.Context, notifyID string) (*NodeExecution, error) {
	notifyID = strings.TrimSpace(notifyID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if notifyID != "" {
		for _, rec := range s.nodes {
			if rec.NotifyID == notifyID {
				return rec.Clone(), nil
			}
		}
	}
	return nil, notFound(notifyID)
}

func (s *InMemoryStore) ListByPlanExecution(_ context.Context, planExecutionID string) ([]*NodeExecution, error) {
	return s.filter(func(n *NodeExecution) bool {
		return n.Ambiance.PlanExecutionID == planExecutionID
	}), nil
}

func (s *InMemoryStore) ListActive(_ context.Context, planExecutionID string) ([]*NodeExecution, error) {
	return s.filter(func(n *NodeExecution) bool {
		return n.Ambiance.PlanExecutionID == planExecutionID && !n.Status.IsTerminal()
	}), nil
}

func (s *InMemoryStore) ListAllActive(_ context.Context) ([]*NodeExecution, error) {
	return s.filter(func(n *NodeExecution) bool {
		return !n.Status.IsTerminal()
	}), nil
}

func (s *InMemoryStore) ListChildren(_ context.Context, parentID string) ([]*NodeExecution, error) {
	return s.filter(func(n *NodeExecution) bool {
		return parentID != "" && n.ParentID == parentID
	}), nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, id string, to Status, mutate Mutator) (*NodeExecution, error) {
	return s.update(id, &to, mutate)
}

func (s *InMemoryStore) Update(_ context.Context, id string, mutate Mutator) (*NodeExecution, error) {
	return s.update(id, nil, mutate)
}

func (s *InMemoryStore) MarkRetried(_ context.Context, id string) (*NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.nodes[strings.TrimSpace(id)]
	if !ok {
		return nil, notFound(id)
	}
	next := rec.Clone()
	markRetried(next)
	next.Version++
	next.UpdatedAt = s.now()
	s.nodes[next.UUID] = next
	return next.Clone(), nil
}

func (s *InMemoryStore) ErrorOutActive(_ context.Context, planExecutionID string, to Status, interrupt InterruptEffect) ([]*NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*NodeExecution
	for _, id := range sortedKeys(s.nodes) {
		rec := s.nodes[id]
		if rec.Ambiance.PlanExecutionID != planExecutionID || rec.Status.IsTerminal() {
			continue
		}
		next, err := applyUpdate(rec, &to, interruptMutator(interrupt, now), now)
		if err != nil {
			return out, err
		}
		s.nodes[id] = next
		out = append(out, next.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) SavePlanExecution(_ context.Context, p *PlanExecution) error {
	if p == nil || strings.TrimSpace(p.UUID) == "" {
		return planNotFound("")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[p.UUID]; exists {
		return versionConflict(p.UUID, 0)
	}
	rec := p.Clone()
	now := s.now()
	if rec.StartTS.IsZero() {
		rec.StartTS = now
	}
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	rec.Version = 1
	rec.UpdatedAt = now
	s.plans[rec.UUID] = rec
	*p = *rec.Clone()
	return nil
}

func (s *InMemoryStore) GetPlanExecution(_ context.Context, id string) (*PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.plans[strings.TrimSpace(id)]
	if !ok {
		return nil, planNotFound(id)
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) UpdatePlanExecution(_ context.Context, id string, mutate func(*PlanExecution) error) (*PlanExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.plans[strings.TrimSpace(id)]
	if !ok {
		return nil, planNotFound(id)
	}
	next := rec.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.UUID = rec.UUID
	now := s.now()
	if next.Status.IsTerminal() && next.EndTS.IsZero() {
		next.EndTS = now
	}
	next.Version = rec.Version + 1
	next.UpdatedAt = now
	s.plans[next.UUID] = next
	return next.Clone(), nil
}

func (s *InMemoryStore) update(id string, to *Status, mutate Mutator) (*NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.nodes[strings.TrimSpace(id)]
	if !ok {
		return nil, notFound(id)
	}
	next, err := applyUpdate(rec, to, mutate, s.now())
	if err != nil {
		return nil, err
	}
	s.nodes[next.UUID] = next
	return next.Clone(), nil
}

func (s *InMemoryStore) filter(keep func(*NodeExecution) bool) []*NodeExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*NodeExecution
	for _, rec := range s.nodes {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	sortByStart(out)
	return out
}

func sortedKeys(m map[string]*NodeExecution) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortByStart(list []*NodeExecution) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].StartTS.Equal(list[j].StartTS) {
			return list[i].UUID < list[j].UUID
		}
		return list[i].StartTS.Before(list[j].StartTS)
	})
}
