package plan

import (
	"strings"

	orchestration "github.com/goliatone/go-orchestration"
)

// AdviserObtainment selects a registered adviser variant and carries its raw
// parameters. Parameters are decoded by the adviser registry.
type AdviserObtainment struct {
	Type       string `yaml:"type" json:"type" cbor:"type"`
	Parameters []byte `yaml:"-" json:"parameters,omitempty" cbor:"parameters,omitempty"`
}

// PlanNode is one immutable vertex of a plan.
type PlanNode struct {
	UUID               string              `yaml:"uuid" json:"uuid" cbor:"uuid"`
	Identifier         string              `yaml:"identifier" json:"identifier" cbor:"identifier"`
	Name               string              `yaml:"name" json:"name" cbor:"name"`
	StepType           string              `yaml:"step_type" json:"step_type" cbor:"step_type"`
	Group              string              `yaml:"group,omitempty" json:"group,omitempty" cbor:"group,omitempty"`
	AdviserObtainments []AdviserObtainment `yaml:"advisers,omitempty" json:"advisers,omitempty" cbor:"advisers,omitempty"`
	StepParameters     map[string]any      `yaml:"parameters,omitempty" json:"parameters,omitempty" cbor:"parameters,omitempty"`
}

// Plan is the read-only graph executed by the engine.
type Plan struct {
	uuid           string
	nodes          []PlanNode
	index          map[string]int
	startingNodeID string
}

// UUID returns the plan identifier.
func (p *Plan) UUID() string {
	if p == nil {
		return ""
	}
	return p.uuid
}

// StartingNodeID returns the uuid of the entry node.
func (p *Plan) StartingNodeID() string {
	if p == nil {
		return ""
	}
	return p.startingNodeID
}

// Nodes returns a copy of the plan nodes in declaration order.
func (p *Plan) Nodes() []PlanNode {
	if p == nil {
		return nil
	}
	out := make([]PlanNode, len(p.nodes))
	for i, n := range p.nodes {
		out[i] = cloneNode(n)
	}
	return out
}

// IsEmpty reports whether the plan has no nodes.
func (p *Plan) IsEmpty() bool {
	return p == nil || len(p.nodes) == 0
}

// FetchNode returns the node with the given uuid.
func (p *Plan) FetchNode(id string) (PlanNode, error) {
	id = strings.TrimSpace(id)
	if p != nil {
		if idx, ok := p.index[id]; ok {
			return cloneNode(p.nodes[idx]), nil
		}
	}
	return PlanNode{}, orchestration.NewError(
		orchestration.ErrNodeNotFound,
		"plan node not found: "+id,
		nil,
		map[string]any{"node_id": id, "plan_id": p.UUID()},
	)
}

// FetchStartingNode returns the node referenced by the starting node id.
func (p *Plan) FetchStartingNode() (PlanNode, error) {
	return p.FetchNode(p.StartingNodeID())
}

// Validate checks the structural invariants of the plan.
func (p *Plan) Validate() error {
	if p == nil {
		return orchestration.Errorf(orchestration.ErrPlanInvalid, "plan required")
	}
	if len(p.nodes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(p.nodes))
	for i, n := range p.nodes {
		id := strings.TrimSpace(n.UUID)
		if id == "" {
			return orchestration.Errorf(orchestration.ErrPlanInvalid, "node %d: uuid required", i)
		}
		if strings.TrimSpace(n.StepType) == "" {
			return orchestration.Errorf(orchestration.ErrPlanInvalid, "node %s: step type required", id)
		}
		if _, dup := seen[id]; dup {
			return orchestration.Errorf(orchestration.ErrPlanInvalid, "duplicate node uuid %s", id)
		}
		seen[id] = struct{}{}
		for j, obt := range n.AdviserObtainments {
			if strings.TrimSpace(obt.Type) == "" {
				return orchestration.Errorf(orchestration.ErrPlanInvalid, "node %s: adviser %d type required", id, j)
			}
		}
	}
	if _, ok := seen[p.startingNodeID]; !ok {
		return orchestration.NewError(orchestration.ErrPlanInvalid,
			"starting node not present in plan: "+p.startingNodeID, nil,
			map[string]any{"starting_node_id": p.startingNodeID})
	}
	return nil
}

// HasNode reports whether id names a node of the plan.
func (p *Plan) HasNode(id string) bool {
	if p == nil {
		return false
	}
	_, ok := p.index[strings.TrimSpace(id)]
	return ok
}

func cloneNode(n PlanNode) PlanNode {
	cp := n
	if n.AdviserObtainments != nil {
		cp.AdviserObtainments = make([]AdviserObtainment, len(n.AdviserObtainments))
		for i, obt := range n.AdviserObtainments {
			cp.AdviserObtainments[i] = AdviserObtainment{
				Type:       obt.Type,
				Parameters: append([]byte(nil), obt.Parameters...),
			}
		}
	}
	if n.StepParameters != nil {
		cp.StepParameters = make(map[string]any, len(n.StepParameters))
		for k, v := range n.StepParameters {
			cp.StepParameters[k] = v
		}
	}
	return cp
}
