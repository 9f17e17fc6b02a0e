package output

import (
	"context"
	"strings"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/ambiance"
	"github.com/goliatone/go-orchestration/codec"
)

// RefObject names an output and optionally the scope it was anchored at.
type RefObject struct {
	Name       string `yaml:"name" json:"name"`
	GroupScope string `yaml:"group_scope,omitempty" json:"group_scope,omitempty"`
}

// Value is a resolved entry.
type Value struct {
	Entry Entry
	codec *codec.Codec
}

// IsNull reports whether the producer consumed an explicit null.
func (v Value) IsNull() bool {
	return v.Entry.Payload == nil
}

// Decode unmarshals the payload into out. Null payloads leave out untouched.
func (v Value) Decode(out any) error {
	if v.IsNull() {
		return nil
	}
	return v.codec.Unmarshal(v.Entry.Payload, out)
}

// Service implements consume and resolve for one kind of scoped output.
type Service struct {
	kind   Kind
	store  Store
	codec  *codec.Codec
	logger orchestration.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(logger orchestration.Logger) Option {
	return func(s *Service) {
		s.logger = orchestration.NormalizeLogger(logger)
	}
}

func WithCodec(c *codec.Codec) Option {
	return func(s *Service) {
		if c != nil {
			s.codec = c
		}
	}
}

// NewSweepingOutputService builds the service for intermediate data passed forward.
func NewSweepingOutputService(store Store, opts ...Option) *Service {
	return newService(KindSweepingOutput, store, opts...)
}

// NewOutcomeService builds the service for final step results.
func NewOutcomeService(store Store, opts ...Option) *Service {
	return newService(KindOutcome, store, opts...)
}

func newService(kind Kind, store Store, opts ...Option) *Service {
	s := &Service{
		kind:   kind,
		store:  store,
		codec:  codec.New(),
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

// Consume stores payload under name. An empty groupScope anchors the value
// at the current level; otherwise at the named ancestor or the global scope.
func (s *Service) Consume(ctx context.Context, amb ambiance.Ambiance, name string, payload any, groupScope string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", orchestration.Errorf(orchestration.ErrPlanInvalid, "output name required")
	}
	if amb.CurrentRuntimeID() == "" {
		return "", orchestration.Errorf(orchestration.ErrGroupNotFound, "ambiance has no levels")
	}
	anchor, err := anchorFor(amb, groupScope)
	if err != nil {
		return "", err
	}
	return s.insert(ctx, amb, name, payload, anchor, strings.TrimSpace(groupScope))
}

// ConsumeAt stores payload under name anchored at the given level runtime id
// of amb, or at the global scope. Used when the anchor is known by position
// rather than by identifier or group.
func (s *Service) ConsumeAt(ctx context.Context, amb ambiance.Ambiance, name string, payload any, anchorRuntimeID string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", orchestration.Errorf(orchestration.ErrPlanInvalid, "output name required")
	}
	if amb.CurrentRuntimeID() == "" {
		return "", orchestration.Errorf(orchestration.ErrGroupNotFound, "ambiance has no levels")
	}
	scope := ambiance.GlobalScope
	if anchorRuntimeID != ambiance.GlobalScope {
		scope = ""
		for _, l := range amb.Levels {
			if l.RuntimeID == anchorRuntimeID {
				scope = l.Identifier
				break
			}
		}
		if scope == "" {
			return "", orchestration.NewError(orchestration.ErrGroupNotFound,
				"anchor not found in ambiance: "+anchorRuntimeID, nil,
				map[string]any{"anchor_runtime_id": anchorRuntimeID, "fqn": amb.FQN()})
		}
	}
	return s.insert(ctx, amb, name, payload, anchorRuntimeID, scope)
}

func (s *Service) insert(ctx context.Context, amb ambiance.Ambiance, name string, payload any, anchor, groupScope string) (string, error) {
	var data []byte
	if payload != nil {
		var err error
		data, err = s.codec.Marshal(payload)
		if err != nil {
			return "", err
		}
	}

	entry := Entry{
		UUID:              orchestration.NewID(),
		Kind:              s.kind,
		PlanExecutionID:   amb.PlanExecutionID,
		ProducerRuntimeID: amb.CurrentRuntimeID(),
		AnchorRuntimeID:   anchor,
		Name:              name,
		GroupScope:        groupScope,
		Payload:           data,
		CreatedAt:         s.now(),
	}
	inserted, err := s.store.Insert(ctx, entry)
	if err != nil {
		return "", err
	}
	if !inserted {
		return "", orchestration.NewError(orchestration.ErrOutputDuplicate,
			"output already consumed: "+name, nil,
			map[string]any{"name": name, "anchor_runtime_id": anchor, "kind": string(s.kind)})
	}
	orchestration.WithLoggerFields(s.logger.WithContext(ctx), map[string]any{
		"plan_execution_id": amb.PlanExecutionID,
		"output_name":       name,
		"output_kind":       string(s.kind),
		"anchor_runtime_id": anchor,
	}).Debug("output consumed")
	return entry.UUID, nil
}

// Resolve finds the deepest entry visible from amb.
func (s *Service) Resolve(ctx context.Context, amb ambiance.Ambiance, ref RefObject) (Value, error) {
	v, found, err := s.ResolveOptional(ctx, amb, ref)
	if err != nil {
		return Value{}, err
	}
	if !found {
		return Value{}, orchestration.NewError(orchestration.ErrSweepingOutputNotFound,
			"could not resolve output: "+ref.Name, nil,
			map[string]any{"name": ref.Name, "plan_execution_id": amb.PlanExecutionID, "fqn": amb.FQN()})
	}
	return v, nil
}

// ResolveOptional is Resolve reporting a missing entry as found=false.
func (s *Service) ResolveOptional(ctx context.Context, amb ambiance.Ambiance, ref RefObject) (Value, bool, error) {
	name := strings.TrimSpace(ref.Name)
	if strings.TrimSpace(ref.GroupScope) != "" {
		anchor, err := anchorFor(amb, ref.GroupScope)
		if err != nil {
			return Value{}, false, err
		}
		return s.find(ctx, amb.PlanExecutionID, anchor, name)
	}

	anchors := append(amb.RuntimeIDs(), ambiance.GlobalScope)
	for _, anchor := range anchors {
		v, found, err := s.find(ctx, amb.PlanExecutionID, anchor, name)
		if err != nil || found {
			return v, found, err
		}
	}
	return Value{}, false, nil
}

// ListProducedBy lists entries produced at the current level of amb.
func (s *Service) ListProducedBy(ctx context.Context, amb ambiance.Ambiance) ([]Value, error) {
	entries, err := s.store.ListByProducer(ctx, s.kind, amb.PlanExecutionID, amb.CurrentRuntimeID())
	if err != nil {
		return nil, err
	}
	out := make([]Value, 0, len(entries))
	for _, e := range entries {
		out = append(out, Value{Entry: e, codec: s.codec})
	}
	return out, nil
}

func (s *Service) find(ctx context.Context, planExecutionID, anchor, name string) (Value, bool, error) {
	e, found, err := s.store.Find(ctx, s.kind, planExecutionID, anchor, name)
	if err != nil || !found {
		return Value{}, false, err
	}
	return Value{Entry: e, codec: s.codec}, true, nil
}

func anchorFor(amb ambiance.Ambiance, groupScope string) (string, error) {
	groupScope = strings.TrimSpace(groupScope)
	if groupScope == "" {
		return amb.CurrentRuntimeID(), nil
	}
	if strings.EqualFold(groupScope, ambiance.GlobalScope) {
		return ambiance.GlobalScope, nil
	}
	idx, ok := amb.LevelByGroup(groupScope)
	if !ok {
		return "", orchestration.NewError(orchestration.ErrGroupNotFound,
			"group scope not found in ambiance: "+groupScope, nil,
			map[string]any{"group_scope": groupScope, "fqn": amb.FQN()})
	}
	return amb.Levels[idx].RuntimeID, nil
}
