package output

import (
	"context"
	"database/sql"
	"testing"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/ambiance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

func storesUnderTest(t *testing.T) map[string]Store {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": NewSQLiteStore(db, "outputs_test"),
	}
}

func level(id, group string) ambiance.Level {
	return ambiance.Level{SetupID: "setup-" + id, RuntimeID: "rt-" + id, Identifier: id, StepType: "STEP", Group: group}
}

func pipelineAmbiance() ambiance.Ambiance {
	return ambiance.New("exec-1", "plan").
		CloneForChild(level("pipeline", "PIPELINE")).
		CloneForChild(level("stage", "STAGE"))
}

func TestParentOutputVisibleToChildButNotReverse(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewSweepingOutputService(store)
			parent := pipelineAmbiance()
			child := parent.CloneForChild(level("step", ""))

			_, err := svc.Consume(ctx, parent, "artifact", map[string]any{"tag": "v1"}, "")
			require.NoError(t, err)
			_, err = svc.Consume(ctx, child, "checksum", "abc", "")
			require.NoError(t, err)

			v, err := svc.Resolve(ctx, child, RefObject{Name: "artifact"})
			require.NoError(t, err)
			var got map[string]any
			require.NoError(t, v.Decode(&got))
			assert.Equal(t, "v1", got["tag"])

			_, err = svc.Resolve(ctx, parent, RefObject{Name: "checksum"})
			require.Error(t, err)
			assert.True(t, orchestration.IsSweepingOutputNotFound(err))
		})
	}
}

func TestAncestorScopedValueWinsForSibling(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewSweepingOutputService(store)
			stage := pipelineAmbiance()
			producer := stage.CloneForChild(level("step-a", ""))
			sibling := stage.CloneForChild(level("step-b", ""))

			_, err := svc.Consume(ctx, producer, "image", "default-scoped", "")
			require.NoError(t, err)
			_, err = svc.Consume(ctx, producer, "image", "stage-scoped", "STAGE")
			require.NoError(t, err)

			v, err := svc.Resolve(ctx, sibling, RefObject{Name: "image"})
			require.NoError(t, err)
			var got string
			require.NoError(t, v.Decode(&got))
			assert.Equal(t, "stage-scoped", got)

			own, err := svc.Resolve(ctx, producer, RefObject{Name: "image"})
			require.NoError(t, err)
			require.NoError(t, own.Decode(&got))
			assert.Equal(t, "default-scoped", got)
		})
	}
}

func TestGlobalScopeVisibleEverywhere(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewSweepingOutputService(store)
			deep := pipelineAmbiance().CloneForChild(level("step", ""))
			other := ambiance.New("exec-1", "plan").CloneForChild(level("rollback", ""))

			_, err := svc.Consume(ctx, deep, "version", 42, ambiance.GlobalScope)
			require.NoError(t, err)

			v, err := svc.Resolve(ctx, other, RefObject{Name: "version"})
			require.NoError(t, err)
			var got int
			require.NoError(t, v.Decode(&got))
			assert.Equal(t, 42, got)

			scoped, err := svc.Resolve(ctx, other, RefObject{Name: "version", GroupScope: "global"})
			require.NoError(t, err)
			assert.False(t, scoped.IsNull())

			foreign := ambiance.New("exec-2", "plan").CloneForChild(level("rollback", ""))
			_, err = svc.Resolve(ctx, foreign, RefObject{Name: "version"})
			assert.True(t, orchestration.IsSweepingOutputNotFound(err))
		})
	}
}

func TestNullPayloadResolvesAsNoValue(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewOutcomeService(store)
			amb := pipelineAmbiance()

			_, err := svc.Consume(ctx, amb, "result", nil, "")
			require.NoError(t, err)

			v, err := svc.Resolve(ctx, amb, RefObject{Name: "result"})
			require.NoError(t, err)
			assert.True(t, v.IsNull())

			_, found, err := svc.ResolveOptional(ctx, amb, RefObject{Name: "never"})
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestConsumeErrors(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewSweepingOutputService(store)
			amb := pipelineAmbiance()

			_, err := svc.Consume(ctx, amb, "x", "v", "NO_SUCH_GROUP")
			assert.True(t, orchestration.IsGroupNotFound(err))

			_, err = svc.Consume(ctx, amb, "x", "v", "")
			require.NoError(t, err)
			_, err = svc.Consume(ctx, amb, "x", "again", "")
			assert.True(t, orchestration.HasCode(err, orchestration.ErrCodeOutputDuplicate))

			_, err = svc.Resolve(ctx, amb, RefObject{Name: "x", GroupScope: "NO_SUCH_GROUP"})
			assert.True(t, orchestration.IsGroupNotFound(err))
		})
	}
}

func TestOutcomesAndSweepingOutputsAreSeparate(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			outputs := NewSweepingOutputService(store)
			outcomes := NewOutcomeService(store)
			amb := pipelineAmbiance()

			_, err := outcomes.Consume(ctx, amb, "status", "ok", "")
			require.NoError(t, err)
			_, err = outputs.Resolve(ctx, amb, RefObject{Name: "status"})
			assert.True(t, orchestration.IsSweepingOutputNotFound(err))

			produced, err := outcomes.ListProducedBy(ctx, amb)
			require.NoError(t, err)
			require.Len(t, produced, 1)
			assert.Equal(t, "status", produced[0].Entry.Name)
		})
	}
}

func TestConsumeAtAnchorsAtParentWithSharedIdentifier(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			outcomes := NewOutcomeService(store)
			parent := ambiance.New("exec-1", "plan").
				CloneForChild(ambiance.Level{SetupID: "s-1", RuntimeID: "rt-outer", Identifier: "build", StepType: "STAGE"})
			child := parent.CloneForChild(ambiance.Level{SetupID: "s-2", RuntimeID: "rt-inner", Identifier: "build", StepType: "SHELL"})

			_, err := outcomes.ConsumeAt(ctx, child, "build", "ok", "rt-outer")
			require.NoError(t, err)

			v, found, err := outcomes.ResolveOptional(ctx, parent, RefObject{Name: "build"})
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "rt-outer", v.Entry.AnchorRuntimeID)
			assert.Equal(t, "rt-inner", v.Entry.ProducerRuntimeID)

			_, err = outcomes.ConsumeAt(ctx, child, "other", "ok", ambiance.GlobalScope)
			require.NoError(t, err)
			_, err = outcomes.ConsumeAt(ctx, child, "other", "ok", "rt-missing")
			assert.True(t, orchestration.IsGroupNotFound(err))
		})
	}
}
