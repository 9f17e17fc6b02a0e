package output

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Kind separates sweeping outputs from outcomes sharing one store.
type Kind string

const (
	KindSweepingOutput Kind = "SWEEPING_OUTPUT"
	KindOutcome        Kind = "OUTCOME"
)

// Entry is one produced value anchored at a scope. Payload nil means the
// producer consumed an explicit null.
type Entry struct {
	UUID              string
	Kind              Kind
	PlanExecutionID   string
	ProducerRuntimeID string
	AnchorRuntimeID   string
	Name              string
	GroupScope        string
	Payload           []byte
	CreatedAt         time.Time
}

// Store persists entries. Insert must refuse a second entry with the same
// kind, plan execution, anchor and name.
type Store interface {
	Insert(ctx context.Context, e Entry) (bool, error)
	Find(ctx context.Context, kind Kind, planExecutionID, anchorRuntimeID, name string) (Entry, bool, error)
	ListByProducer(ctx context.Context, kind Kind, planExecutionID, producerRuntimeID string) ([]Entry, error)
}

type entryKey struct {
	kind            Kind
	planExecutionID string
	anchor          string
	name            string
}

// InMemoryStore keeps entries in process memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[entryKey]Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[entryKey]Entry)}
}

func (s *InMemoryStore) Insert(_ context.Context, e Entry) (bool, error) {
	key := entryKey{e.Kind, e.PlanExecutionID, e.AnchorRuntimeID, e.Name}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; exists {
		return false, nil
	}
	e.Payload = cloneBytes(e.Payload)
	s.entries[key] = e
	return true, nil
}

func (s *InMemoryStore) Find(_ context.Context, kind Kind, planExecutionID, anchor, name string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryKey{kind, planExecutionID, anchor, name}]
	if !ok {
		return Entry{}, false, nil
	}
	e.Payload = cloneBytes(e.Payload)
	return e, true, nil
}

func (s *InMemoryStore) ListByProducer(_ context.Context, kind Kind, planExecutionID, producer string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for key, e := range s.entries {
		if key.kind == kind && key.planExecutionID == planExecutionID && e.ProducerRuntimeID == producer {
			e.Payload = cloneBytes(e.Payload)
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
