package plan

import (
	"context"
	"database/sql"
	"testing"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func storesUnderTest(t *testing.T) map[string]Store {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": NewSQLiteStore(db, "plans_test", nil),
	}
}

func TestStoreSaveAndGetByFingerprint(t *testing.T) {
	withParams := node("b")
	withParams.StepParameters = map[string]any{"command": "make", "retries": uint64(2)}
	withParams.AdviserObtainments = []AdviserObtainment{{Type: "RETRY", Parameters: []byte(`{"retry_count":2}`)}}
	p := NewBuilder().UUID("plan-1").Nodes(node("a"), withParams).StartingNodeID("a").MustBuild()

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fp, err := store.Save(ctx, p)
			require.NoError(t, err)
			want, err := p.Fingerprint()
			require.NoError(t, err)
			assert.Equal(t, want, fp)

			again, err := store.Save(ctx, p)
			require.NoError(t, err)
			assert.Equal(t, fp, again)

			got, err := store.Get(ctx, "plan-1", fp)
			require.NoError(t, err)
			assert.Equal(t, "a", got.StartingNodeID())
			n, err := got.FetchNode("b")
			require.NoError(t, err)
			assert.Equal(t, "make", n.StepParameters["command"])
			assert.Equal(t, []byte(`{"retry_count":2}`), n.AdviserObtainments[0].Parameters)

			gotFP, err := got.Fingerprint()
			require.NoError(t, err)
			assert.Equal(t, fp, gotFP)
		})
	}
}

func TestStoreKeepsEveryVersion(t *testing.T) {
	v1 := NewBuilder().UUID("plan-1").Node(node("a")).StartingNodeID("a").MustBuild()
	v2 := NewBuilder().UUID("plan-1").Nodes(node("a"), node("b")).StartingNodeID("a").MustBuild()

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fp1, err := store.Save(ctx, v1)
			require.NoError(t, err)
			fp2, err := store.Save(ctx, v2)
			require.NoError(t, err)
			require.NotEqual(t, fp1, fp2)

			got, err := store.Get(ctx, "plan-1", fp1)
			require.NoError(t, err)
			assert.Len(t, got.Nodes(), 1)

			_, err = store.Get(ctx, "plan-1", "unknown")
			require.Error(t, err)
			assert.True(t, orchestration.HasCode(err, orchestration.ErrCodePlanNotFound))
		})
	}
}
