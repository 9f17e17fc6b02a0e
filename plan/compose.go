package plan

import (
	"context"
	"strings"

	orchestration "github.com/goliatone/go-orchestration"
)

// DefaultMaxDepth bounds the number of composition rounds.
const DefaultMaxDepth = 10

// Fragment is a partial plan returned by a Creator. Dependencies name
// further fragments that must be created before the plan is complete.
type Fragment struct {
	Key            string
	Nodes          []PlanNode
	StartingNodeID string
	Dependencies   []string
}

// Creator produces the fragment for one dependency key.
type Creator interface {
	Create(ctx context.Context, key string) (Fragment, error)
}

// CreatorFunc adapts a function to Creator.
type CreatorFunc func(ctx context.Context, key string) (Fragment, error)

func (f CreatorFunc) Create(ctx context.Context, key string) (Fragment, error) {
	return f(ctx, key)
}

// Composer merges fragments into one plan with a bounded work-list.
type Composer struct {
	creator  Creator
	maxDepth int
}

type ComposerOption func(*Composer)

func WithMaxDepth(depth int) ComposerOption {
	return func(c *Composer) {
		if depth > 0 {
			c.maxDepth = depth
		}
	}
}

func NewComposer(creator Creator, opts ...ComposerOption) *Composer {
	c := &Composer{creator: creator, maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Compose resolves rootKey and every transitive dependency. Each round
// processes the current frontier; rounds beyond maxDepth fail.
func (c *Composer) Compose(ctx context.Context, planID, rootKey string) (*Plan, error) {
	if c == nil || c.creator == nil {
		return nil, orchestration.Errorf(orchestration.ErrPlanInvalid, "plan creator not configured")
	}

	rootKey = strings.TrimSpace(rootKey)
	b := NewBuilder().UUID(planID)
	resolved := make(map[string]struct{})
	frontier := []string{rootKey}
	startingNodeID := ""

	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= c.maxDepth {
			return nil, orchestration.NewError(orchestration.ErrPlanMaxDepthExceeded,
				"plan creation exceeded max depth", nil,
				map[string]any{"max_depth": c.maxDepth, "pending": append([]string(nil), frontier...)})
		}
		var next []string
		for _, key := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, done := resolved[key]; done {
				continue
			}
			resolved[key] = struct{}{}

			frag, err := c.creator.Create(ctx, key)
			if err != nil {
				return nil, err
			}
			if key == rootKey {
				startingNodeID = frag.StartingNodeID
			}
			b.Nodes(frag.Nodes...)
			for _, dep := range frag.Dependencies {
				dep = strings.TrimSpace(dep)
				if dep == "" {
					continue
				}
				next = append(next, dep)
			}
		}
		frontier = pending(next, resolved)
	}

	return b.StartingNodeID(startingNodeID).Build()
}

// pending drops keys already resolved, including those resolved later in
// the same round, and duplicates.
func pending(keys []string, resolved map[string]struct{}) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, key := range keys {
		if _, done := resolved[key]; done {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
