package asynctask

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/execution"
)

// Kind separates final results from progress updates.
type Kind string

const (
	KindFinal    Kind = "final"
	KindProgress Kind = "progress"
)

// Response is one durable result written by a delegate. CorrelationID is
// the notify id the waiting node execution registered. Final responses use
// the correlation id as record id; progress responses get their own.
type Response struct {
	ID                    string
	CorrelationID         string
	Kind                  Kind
	Payload               []byte
	LastProcessingAttempt time.Time
	ValidUntil            time.Time
	CreatedAt             time.Time
}

// Result is the decoded payload of a response.
type Result struct {
	Status         execution.Status        `cbor:"status"`
	FailureMessage string                  `cbor:"failure_message,omitempty"`
	FailureTypes   []execution.FailureType `cbor:"failure_types,omitempty"`
	Outputs        map[string]any          `cbor:"outputs,omitempty"`
	Progress       map[string]any          `cbor:"progress,omitempty"`
}

// FailureInfo converts the failure fields, nil when the result carries none.
func (r Result) FailureInfo() *execution.FailureInfo {
	if r.FailureMessage == "" && len(r.FailureTypes) == 0 {
		return nil
	}
	return &execution.FailureInfo{
		Message:      r.FailureMessage,
		FailureTypes: append([]execution.FailureType(nil), r.FailureTypes...),
	}
}

// Store holds responses until a reconciler claims and deletes them.
type Store interface {
	// Insert returns false when a record with the same id already exists.
	Insert(ctx context.Context, r Response) (bool, error)
	// ClaimOne sets LastProcessingAttempt=now on one record of kind whose
	// last attempt is before staleBefore. Only one caller can win a record.
	ClaimOne(ctx context.Context, kind Kind, staleBefore, now time.Time) (Response, bool, error)
	DeleteBatch(ctx context.Context, ids []string) (int, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	Count(ctx context.Context, kind Kind) (int, error)
}

func normalizeResponse(r Response, now time.Time) (Response, error) {
	r.CorrelationID = strings.TrimSpace(r.CorrelationID)
	if r.CorrelationID == "" {
		return r, orchestration.NewError(orchestration.ErrPayloadDecodeFailed,
			"response correlation id required", nil, nil)
	}
	switch r.Kind {
	case KindFinal, KindProgress:
	case "":
		r.Kind = KindFinal
	default:
		return r, orchestration.NewError(orchestration.ErrPayloadDecodeFailed,
			"unknown response kind "+string(r.Kind), nil, nil)
	}
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		if r.Kind == KindFinal {
			r.ID = r.CorrelationID
		} else {
			r.ID = orchestration.NewID()
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.Payload = append([]byte(nil), r.Payload...)
	return r, nil
}

// InMemoryStore keeps responses in process memory.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]Response
	seq     map[string]int64
	next    int64
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]Response),
		seq:     make(map[string]int64),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Insert(_ context.Context, r Response) (bool, error) {
	rec, err := normalizeResponse(r, s.now())
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return false, nil
	}
	s.next++
	s.records[rec.ID] = rec
	s.seq[rec.ID] = s.next
	return true, nil
}

func (s *InMemoryStore) ClaimOne(_ context.Context, kind Kind, staleBefore, now time.Time) (Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []Response
	for _, rec := range s.records {
		if rec.Kind != kind {
			continue
		}
		if !rec.LastProcessingAttempt.IsZero() && !rec.LastProcessingAttempt.Before(staleBefore) {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		return Response{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return s.seq[candidates[i].ID] < s.seq[candidates[j].ID]
	})
	claimed := candidates[0]
	claimed.LastProcessingAttempt = now
	s.records[claimed.ID] = claimed
	claimed.Payload = append([]byte(nil), claimed.Payload...)
	return claimed, true, nil
}

func (s *InMemoryStore) DeleteBatch(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			delete(s.records, id)
			delete(s.seq, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *InMemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, rec := range s.records {
		if !rec.ValidUntil.IsZero() && rec.ValidUntil.Before(now) {
			delete(s.records, id)
			delete(s.seq, id)
			purged++
		}
	}
	return purged, nil
}

func (s *InMemoryStore) Count(_ context.Context, kind Kind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if kind == "" || rec.Kind == kind {
			n++
		}
	}
	return n, nil
}
