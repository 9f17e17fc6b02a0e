package plan

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the YAML/JSON document shape of a plan.
type Definition struct {
	UUID           string           `yaml:"uuid"`
	StartingNodeID string           `yaml:"starting_node"`
	Nodes          []NodeDefinition `yaml:"nodes"`
}

// NodeDefinition mirrors PlanNode with adviser parameters left as YAML nodes.
type NodeDefinition struct {
	UUID       string              `yaml:"uuid"`
	Identifier string              `yaml:"identifier"`
	Name       string              `yaml:"name"`
	StepType   string              `yaml:"step_type"`
	Group      string              `yaml:"group"`
	Parameters map[string]any      `yaml:"parameters"`
	Advisers   []AdviserDefinition `yaml:"advisers"`
}

type AdviserDefinition struct {
	Type       string    `yaml:"type"`
	Parameters yaml.Node `yaml:"parameters"`
}

// ParseDefinition parses JSON or YAML into a validated Plan.
func ParseDefinition(data []byte) (*Plan, error) {
	var def Definition
	// yaml can handle JSON too
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse plan definition: %w", err)
	}
	return def.Build()
}

// Build converts the definition into a Plan.
func (d Definition) Build() (*Plan, error) {
	b := NewBuilder().UUID(d.UUID).StartingNodeID(d.StartingNodeID)
	for _, nd := range d.Nodes {
		node := PlanNode{
			UUID:           strings.TrimSpace(nd.UUID),
			Identifier:     strings.TrimSpace(nd.Identifier),
			Name:           nd.Name,
			StepType:       strings.TrimSpace(nd.StepType),
			Group:          strings.TrimSpace(nd.Group),
			StepParameters: nd.Parameters,
		}
		if node.Identifier == "" {
			node.Identifier = node.UUID
		}
		for _, ad := range nd.Advisers {
			raw, err := encodeParameters(ad.Parameters)
			if err != nil {
				return nil, fmt.Errorf("node %s adviser %s: %w", node.UUID, ad.Type, err)
			}
			node.AdviserObtainments = append(node.AdviserObtainments, AdviserObtainment{
				Type:       strings.ToUpper(strings.TrimSpace(ad.Type)),
				Parameters: raw,
			})
		}
		b.Node(node)
	}
	return b.Build()
}

func encodeParameters(n yaml.Node) ([]byte, error) {
	if n.Kind == 0 {
		return nil, nil
	}
	return yaml.Marshal(&n)
}
