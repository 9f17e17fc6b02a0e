package plan

import (
	"context"
	"fmt"
	"testing"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id string) PlanNode {
	return PlanNode{UUID: id, Identifier: "id_" + id, Name: "Node " + id, StepType: "SHELL"}
}

func TestBuilderFetchNodeRoundTrip(t *testing.T) {
	p, err := NewBuilder().
		UUID("plan-1").
		Node(node("a")).
		Node(node("b")).
		Node(node("c")).
		StartingNodeID("a").
		Build()
	require.NoError(t, err)
	assert.False(t, p.IsEmpty())

	for _, id := range []string{"a", "b", "c"} {
		n, err := p.FetchNode(id)
		require.NoError(t, err)
		assert.Equal(t, id, n.UUID)
	}

	_, err = p.FetchNode("missing")
	require.Error(t, err)
	assert.True(t, orchestration.IsNodeNotFound(err))

	start, err := p.FetchStartingNode()
	require.NoError(t, err)
	assert.Equal(t, "a", start.UUID)
}

func TestBuilderEmptyPlan(t *testing.T) {
	p, err := NewBuilder().UUID("x").Build()
	require.NoError(t, err)
	assert.True(t, p.IsEmpty())
	assert.Equal(t, "x", p.UUID())

	_, err = p.FetchStartingNode()
	assert.True(t, orchestration.IsNodeNotFound(err))
}

func TestBuilderRejectsInvalidPlans(t *testing.T) {
	_, err := NewBuilder().Node(node("a")).Node(node("a")).StartingNodeID("a").Build()
	assert.True(t, orchestration.HasCode(err, orchestration.ErrCodePlanInvalid))

	_, err = NewBuilder().Node(node("a")).StartingNodeID("b").Build()
	assert.True(t, orchestration.HasCode(err, orchestration.ErrCodePlanInvalid))

	_, err = NewBuilder().Node(PlanNode{UUID: "a"}).StartingNodeID("a").Build()
	assert.True(t, orchestration.HasCode(err, orchestration.ErrCodePlanInvalid))
}

func TestPlanNodesAreCopies(t *testing.T) {
	n := node("a")
	n.StepParameters = map[string]any{"script": "echo"}
	p := NewBuilder().Node(n).StartingNodeID("a").MustBuild()

	got, err := p.FetchNode("a")
	require.NoError(t, err)
	got.StepParameters["script"] = "rm"
	got.Name = "changed"

	again, _ := p.FetchNode("a")
	assert.Equal(t, "echo", again.StepParameters["script"])
	assert.Equal(t, "Node a", again.Name)
}

func TestFingerprintStableAndContentSensitive(t *testing.T) {
	p1 := NewBuilder().UUID("p").Node(node("a")).Node(node("b")).StartingNodeID("a").MustBuild()
	p2 := NewBuilder().UUID("p").Node(node("a")).Node(node("b")).StartingNodeID("a").MustBuild()
	p3 := NewBuilder().UUID("p").Node(node("a")).Node(node("b")).StartingNodeID("b").MustBuild()

	f1, err := p1.Fingerprint()
	require.NoError(t, err)
	f2, _ := p2.Fingerprint()
	f3, _ := p3.Fingerprint()
	assert.Equal(t, f1, f2)
	assert.NotEqual(t, f1, f3)
	assert.Len(t, f1, 64)
}

func TestParseDefinition(t *testing.T) {
	doc := []byte(`
uuid: plan-yaml
starting_node: build
nodes:
  - uuid: build
    identifier: build
    step_type: SHELL
    parameters:
      script: make
    advisers:
      - type: on_fail
        parameters:
          next_node_id: notify
          applicable_failure_types: [AUTHENTICATION]
      - type: NEXT_STEP
        parameters:
          next_node_id: deploy
  - uuid: deploy
    step_type: K8S
  - uuid: notify
    step_type: SHELL
`)
	p, err := ParseDefinition(doc)
	require.NoError(t, err)

	build, err := p.FetchNode("build")
	require.NoError(t, err)
	require.Len(t, build.AdviserObtainments, 2)
	assert.Equal(t, "ON_FAIL", build.AdviserObtainments[0].Type)
	assert.Contains(t, string(build.AdviserObtainments[0].Parameters), "next_node_id: notify")
	assert.Equal(t, "make", build.StepParameters["script"])

	deploy, _ := p.FetchNode("deploy")
	assert.Equal(t, "deploy", deploy.Identifier)
}

func TestParseDefinitionAcceptsJSON(t *testing.T) {
	p, err := ParseDefinition([]byte(`{"uuid":"j","starting_node":"a","nodes":[{"uuid":"a","step_type":"SHELL"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "a", p.StartingNodeID())
}

func TestComposerMergesDependencies(t *testing.T) {
	fragments := map[string]Fragment{
		"root":  {Key: "root", Nodes: []PlanNode{node("r")}, StartingNodeID: "r", Dependencies: []string{"lib-a", "lib-b"}},
		"lib-a": {Key: "lib-a", Nodes: []PlanNode{node("a")}, Dependencies: []string{"lib-b"}},
		"lib-b": {Key: "lib-b", Nodes: []PlanNode{node("b")}},
	}
	calls := map[string]int{}
	c := NewComposer(CreatorFunc(func(_ context.Context, key string) (Fragment, error) {
		calls[key]++
		f, ok := fragments[key]
		if !ok {
			return Fragment{}, fmt.Errorf("unknown fragment %s", key)
		}
		return f, nil
	}))

	p, err := c.Compose(context.Background(), "plan", "root")
	require.NoError(t, err)
	assert.Equal(t, "r", p.StartingNodeID())
	assert.Len(t, p.Nodes(), 3)
	assert.Equal(t, 1, calls["lib-b"])
}

func TestComposerMaxDepthExceeded(t *testing.T) {
	c := NewComposer(CreatorFunc(func(_ context.Context, key string) (Fragment, error) {
		var depth int
		fmt.Sscanf(key, "level-%d", &depth)
		return Fragment{
			Key:            key,
			Nodes:          []PlanNode{node(key)},
			StartingNodeID: key,
			Dependencies:   []string{fmt.Sprintf("level-%d", depth+1)},
		}, nil
	}), WithMaxDepth(3))

	_, err := c.Compose(context.Background(), "plan", "level-0")
	require.Error(t, err)
	assert.True(t, orchestration.HasCode(err, orchestration.ErrCodePlanMaxDepthExceeded))
}

func TestComposerSkipsDependenciesResolvedInSameRound(t *testing.T) {
	fragments := map[string]Fragment{
		"root": {Key: "root", Nodes: []PlanNode{node("r")}, StartingNodeID: "r", Dependencies: []string{"a", "b"}},
		"a":    {Key: "a", Nodes: []PlanNode{node("a")}, Dependencies: []string{"b", "b"}},
		"b":    {Key: "b", Nodes: []PlanNode{node("b")}},
	}
	c := NewComposer(CreatorFunc(func(_ context.Context, key string) (Fragment, error) {
		return fragments[key], nil
	}), WithMaxDepth(2))

	p, err := c.Compose(context.Background(), "plan", "root")
	require.NoError(t, err)
	assert.Len(t, p.Nodes(), 3)
}
