package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memctx/pkg/storage"
	sqliteStore "github.com/oceanbase/memctx/pkg/storage/sqlite"
	"github.com/oceanbase/memctx/pkg/storage/storagetest"
)

func setupSQLiteTest(t *testing.T) (storage.Store, func()) {
	config := &sqliteStore.Config{
		DBPath:         filepath.Join(t.TempDir(), "memctx.db"),
		CollectionName: "test",
	}

	store, err := sqliteStore.NewClient(config)
	require.NoError(t, err)
	require.NotNil(t, store)

	return store, func() { _ = store.Close() }
}

func TestSQLiteClient_Conformance(t *testing.T) {
	storagetest.Run(t, setupSQLiteTest)
}

func TestSQLiteClient_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "memctx.db")
	ctx := context.Background()

	store, err := sqliteStore.NewClient(&sqliteStore.Config{DBPath: path})
	require.NoError(t, err)

	at := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	require.NoError(t, store.PutBatch(ctx, "ctx-1", []*storage.Entry{{
		ID: 7, ContextID: "ctx-1", Owner: "alice",
		Scope:   storage.ScopeRef{Scope: "personal", ID: "alice"},
		Content: "survives restart", Tier: 1, CreatedAt: at,
	}}))
	require.NoError(t, store.Close())

	store, err = sqliteStore.NewClient(&sqliteStore.Config{DBPath: path})
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Query(ctx, storage.ScopeRef{Scope: "personal", ID: "alice"}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "survives restart", got[0].Content)
	assert.Equal(t, at, got[0].CreatedAt)
}
