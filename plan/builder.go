package plan

import "strings"

// Builder assembles an immutable Plan.
type Builder struct {
	uuid           string
	nodes          []PlanNode
	startingNodeID string
}

// NewBuilder returns an empty plan builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) UUID(id string) *Builder {
	b.uuid = strings.TrimSpace(id)
	return b
}

// Node appends a node. Later nodes with the same uuid fail Build.
func (b *Builder) Node(n PlanNode) *Builder {
	b.nodes = append(b.nodes, cloneNode(n))
	return b
}

func (b *Builder) Nodes(nodes ...PlanNode) *Builder {
	for _, n := range nodes {
		b.Node(n)
	}
	return b
}

func (b *Builder) StartingNodeID(id string) *Builder {
	b.startingNodeID = strings.TrimSpace(id)
	return b
}

// Build validates and freezes the plan.
func (b *Builder) Build() (*Plan, error) {
	p := &Plan{
		uuid:           b.uuid,
		nodes:          make([]PlanNode, 0, len(b.nodes)),
		index:          make(map[string]int, len(b.nodes)),
		startingNodeID: b.startingNodeID,
	}
	for _, n := range b.nodes {
		n.UUID = strings.TrimSpace(n.UUID)
		p.nodes = append(p.nodes, cloneNode(n))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	for i, n := range p.nodes {
		p.index[n.UUID] = i
	}
	return p, nil
}

// MustBuild is Build for fixtures known to be valid.
func (b *Builder) MustBuild() *Plan {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}
