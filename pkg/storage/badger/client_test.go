package badger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memctx/pkg/storage"
	badgerStore "github.com/oceanbase/memctx/pkg/storage/badger"
	"github.com/oceanbase/memctx/pkg/storage/storagetest"
)

func setupBadgerTest(t *testing.T) (storage.Store, func()) {
	store, err := badgerStore.NewClient(badgerStore.InMemoryConfig())
	require.NoError(t, err)

	return store, func() { _ = store.Close() }
}

func TestBadgerClient_Conformance(t *testing.T) {
	storagetest.Run(t, setupBadgerTest)
}

func TestBadgerClient_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := badgerStore.DefaultConfig(dir)
	cfg.GCInterval = time.Hour
	store, err := badgerStore.NewClient(cfg)
	require.NoError(t, err)

	rec := &storage.ContextRecord{
		ID: "ctx-1", Name: "alpha", Owner: "alice",
		Scope: storage.ScopeRef{Scope: "personal", ID: "alice"}, State: "ACTIVE",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveContext(ctx, rec))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	store, err = badgerStore.NewClient(badgerStore.DefaultConfig(dir))
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetContext(ctx, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)
}

func TestBadgerClient_PreEpochOrdering(t *testing.T) {
	store, cleanup := setupBadgerTest(t)
	defer cleanup()
	ctx := context.Background()

	ref := storage.ScopeRef{Scope: "personal", ID: "alice"}
	old := time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.PutBatch(ctx, "ctx-1", []*storage.Entry{
		{ID: 1, ContextID: "ctx-1", Scope: ref, Tier: 1, CreatedAt: old},
		{ID: 2, ContextID: "ctx-1", Scope: ref, Tier: 1, CreatedAt: old.AddDate(20, 0, 0)},
	}))

	got, err := store.Query(ctx, ref, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].ID)

	n, err := store.DeleteBefore(ctx, 1, old.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBadgerClient_RequiresPath(t *testing.T) {
	_, err := badgerStore.NewClient(&badgerStore.Config{})
	assert.Error(t, err)
}
