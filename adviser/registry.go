package adviser

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/plan"
)

// Registry maps adviser types to implementations. Variants are registered
// explicitly at startup.
type Registry struct {
	mu       sync.RWMutex
	advisers map[Type]Adviser
}

func NewRegistry() *Registry {
	return &Registry{advisers: make(map[Type]Adviser)}
}

// NewDefaultRegistry registers every built-in variant.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, a := range []Adviser{
		OnFail{},
		Retry{},
		ManualIntervention{},
		ProceedWithDefault{},
		NextStep{},
		NextStage{},
	} {
		_ = r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adviser) error {
	if a == nil {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "adviser required")
	}
	t := normalizeType(string(a.Type()))
	if t == "" {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "adviser type required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.advisers[t]; exists {
		return orchestration.NewError(orchestration.ErrInvalidConfig,
			"adviser already registered: "+string(t), nil, map[string]any{"adviser_type": string(t)})
	}
	r.advisers[t] = a
	return nil
}

func (r *Registry) Get(t Type) (Adviser, error) {
	key := normalizeType(string(t))
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.advisers[key]
	if !ok {
		return nil, orchestration.NewError(orchestration.ErrAdviserNotRegistered,
			"adviser not registered: "+string(key), nil, map[string]any{"adviser_type": string(key)})
	}
	return a, nil
}

func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.advisers))
	for t := range r.advisers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidatePlan checks every obtainment names a registered variant, decodes
// its parameters and references existing nodes.
func (r *Registry) ValidatePlan(p *plan.Plan) error {
	for _, node := range p.Nodes() {
		for i, obt := range node.AdviserObtainments {
			if _, err := r.Get(Type(obt.Type)); err != nil {
				return err
			}
			target, err := nextNodeOf(Type(normalizeType(obt.Type)), obt.Parameters)
			if err != nil {
				return orchestration.NewError(orchestration.ErrPlanInvalid,
					fmt.Sprintf("node %s adviser %d: invalid parameters", node.UUID, i), err, nil)
			}
			if target != "" && !p.HasNode(target) {
				return orchestration.NewError(orchestration.ErrPlanInvalid,
					fmt.Sprintf("node %s adviser %d references unknown node %s", node.UUID, i, target), nil,
					map[string]any{"node_id": node.UUID, "next_node_id": target})
			}
		}
	}
	return nil
}

func nextNodeOf(t Type, raw []byte) (string, error) {
	switch t {
	case TypeOnFail:
		p, err := DecodeParameters[OnFailParameters](raw)
		return p.NextNodeID, err
	case TypeRetry:
		p, err := DecodeParameters[RetryParameters](raw)
		return p.NextNodeID, err
	case TypeManualIntervention:
		p, err := DecodeParameters[ManualInterventionParameters](raw)
		return p.NextNodeID, err
	case TypeProceedWithDefault:
		p, err := DecodeParameters[ProceedWithDefaultParameters](raw)
		return p.NextNodeID, err
	case TypeNextStep:
		p, err := DecodeParameters[NextStepParameters](raw)
		return p.NextNodeID, err
	case TypeNextStage:
		p, err := DecodeParameters[NextStageParameters](raw)
		return p.NextNodeID, err
	default:
		return "", nil
	}
}

// Evaluate asks the node's advisers in declaration order. The first adviser
// whose CanAdvise returns true decides; its nil advice is returned as is.
// Adviser errors and panics are fatal.
func Evaluate(ctx context.Context, r *Registry, node plan.PlanNode, event Event) (Advice, Type, error) {
	for _, obt := range node.AdviserObtainments {
		a, err := r.Get(Type(obt.Type))
		if err != nil {
			return nil, "", err
		}
		ev := event
		ev.NodeID = node.UUID
		ev.Parameters = obt.Parameters

		var can bool
		err = orchestration.CapturePanic(orchestration.ErrAdviserFailure, string(a.Type())+".CanAdvise", func() error {
			var cerr error
			can, cerr = a.CanAdvise(ctx, ev)
			return cerr
		})
		if err != nil {
			return nil, a.Type(), adviserFailure(a.Type(), node.UUID, err)
		}
		if !can {
			continue
		}

		var advice Advice
		err = orchestration.CapturePanic(orchestration.ErrAdviserFailure, string(a.Type())+".OnAdviseEvent", func() error {
			var aerr error
			advice, aerr = a.OnAdviseEvent(ctx, ev)
			return aerr
		})
		if err != nil {
			return nil, a.Type(), adviserFailure(a.Type(), node.UUID, err)
		}
		return advice, a.Type(), nil
	}
	return nil, "", nil
}

func adviserFailure(t Type, nodeID string, err error) error {
	if orchestration.HasCode(err, orchestration.ErrCodeAdviserFailure) {
		return err
	}
	return orchestration.NewError(orchestration.ErrAdviserFailure,
		fmt.Sprintf("adviser %s failed for node %s", t, nodeID), err,
		map[string]any{"adviser_type": string(t), "node_id": nodeID})
}

func normalizeType(t string) Type {
	return Type(strings.ToUpper(strings.TrimSpace(t)))
}
