// Package storagetest holds the behaviour every storage.Store backend must
// share. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memctx/pkg/storage"
)

// Factory opens an empty store. The returned cleanup func closes it and
// removes whatever it created.
type Factory func(t *testing.T) (storage.Store, func())

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(id int64, ctxID string, ref storage.ScopeRef, tier int, at time.Time) *storage.Entry {
	return &storage.Entry{
		ID:        id,
		ContextID: ctxID,
		Owner:     "alice",
		Scope:     ref,
		Content:   "entry content",
		Tier:      tier,
		Actor:     "agent",
		Hash:      "d41d8cd98f00b204e9800998ecf8427e",
		CreatedAt: at,
	}
}

func ids(entries []*storage.Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

// Run executes the shared store suite against newStore.
func Run(t *testing.T, newStore Factory) {
	personal := storage.ScopeRef{Scope: "personal", ID: "alice"}
	team := storage.ScopeRef{Scope: "team", ID: "t1"}

	t.Run("PutBatchAndQuery", func(t *testing.T) {
		store, cleanup := newStore(t)
		defer cleanup()
		ctx := context.Background()

		batch := []*storage.Entry{
			entry(1, "ctx-a", personal, 1, base),
			entry(2, "ctx-a", personal, 1, base.Add(time.Second)),
			entry(3, "ctx-a", personal, 2, base.Add(2*time.Second)),
		}
		require.NoError(t, store.PutBatch(ctx, "ctx-a", batch))
		require.NoError(t, store.PutBatch(ctx, "ctx-b", []*storage.Entry{entry(4, "ctx-b", team, 0, base)}))

		got, err := store.Query(ctx, personal, nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 2, 1}, ids(got))

		first := got[2]
		assert.Equal(t, "ctx-a", first.ContextID)
		assert.Equal(t, "alice", first.Owner)
		assert.Equal(t, personal, first.Scope)
		assert.Equal(t, "entry content", first.Content)
		assert.Equal(t, "agent", first.Actor)
		assert.True(t, base.Equal(first.CreatedAt))

		got, err = store.Query(ctx, team, nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{4}, ids(got))
	})

	t.Run("SameTimestampOrdersByID", func(t *testing.T) {
		store, cleanup := newStore(t)
		defer cleanup()
		ctx := context.Background()

		require.NoError(t, store.PutBatch(ctx, "ctx-a", []*storage.Entry{
			entry(10, "ctx-a", personal, 1, base),
			entry(11, "ctx-a", personal, 1, base),
		}))
		got, err := store.Query(ctx, personal, nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{11, 10}, ids(got))
	})

	t.Run("RetriedBatchIsIdempotent", func(t *testing.T) {
		store, cleanup := newStore(t)
		defer cleanup()
		ctx := context.Background()

		batch := []*storage.Entry{
			entry(1, "ctx-a", personal, 1, base),
			entry(2, "ctx-a", personal, 1, base.Add(time.Second)),
		}
		require.NoError(t, store.PutBatch(ctx, "ctx-a", batch))
		require.NoError(t, store.PutBatch(ctx, "ctx-a", batch))

		n, err := store.CountEntries(ctx, "ctx-a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("BatchForWrongContextRejected", func(t *testing.T) {
		store, cleanup := newStore(t)
		defer cleanup()
		ctx := context.Background()

		err := store.PutBatch(ctx, "ctx-a", []*storage.Entry{entry(1, "ctx-b", personal, 1, base)})
		assert.Error(t, err)

		n, err := store.CountEntries(ctx, "ctx-b")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("QueryFilter", func(t *testing.T) {
		store, cleanup := newStore(t)
		defer cleanup()
		ctx := context.Background()

		require.NoError(t, store.PutBatch(ctx, "ctx-a", []*storage.Entry{
			entry(1, "ctx-a", personal, 0, base),
			entry(2, "ctx-a", personal, 3, base.Add(time.Second)),
		}))
		require.NoError(t, store.PutBatch(ctx, "ctx-b", []*storage.Entry{
			entry(3, "ctx-b", personal, 1, base.Add(2*time.Second)),
		}))

		got, err := store.Query(ctx, personal, &storage.QueryFilter{Tiers: []int{0, 1}})
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 1}, ids(got))

		got, err = store.Query(ctx, personal, &storage.QueryFilter{ContextID: "ctx-a"})
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 1}, ids(got))

		got, err = store.Query(ctx, personal, &storage.QueryFilter{Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, ids(got))

		got, err = store.Query(ctx, storage.ScopeRef{Scope: "team", ID: "nobody"}, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("DeleteBeforeIsStrict", func(t *testing.T) {
		store, cleanup := newStore(t)
		defer cleanup()
		ctx := context.Background()

		cutoff := base.Add(time.Hour)
		require.NoError(t, store.PutBatch(ctx, "ctx-a", []*storage.Entry{
			entry(1, "ctx-a", personal, 3, cutoff.Add(-time.Nanosecond)),
			entry(2, "ctx-a", personal, 3, cutoff),
			entry(3, "ctx-a", personal, 3, cutoff.Add(time.Second)),
			entry(4, "ctx-a", personal, 2, base),
		}))

		n, err := store.DeleteBefore(ctx, 3, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := store.Query(ctx, personal, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{2, 3, 4}, ids(got))

		count, err := store.CountEntries(ctx, "ctx-a")
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
	})

	t.Run("ArchiveBefore", func(t *testing.T) {
		store, cleanup := newStore(t)
		defer cleanup()
		archiver, ok := store.(storage.Archiver)
		if !ok {
			t.Skip("backend does not archive")
		}
		ctx := context.Background()

		require.NoError(t, store.PutBatch(ctx, "ctx-a", []*storage.Entry{
			entry(1, "ctx-a", personal, 2, base),
			entry(2, "ctx-a", personal, 2, base.Add(48*time.Hour)),
		}))

		n, err := archiver.ArchiveBefore(ctx, 2, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := store.Query(ctx, personal, nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, ids(got))
	})

	t.Run("Contexts", func(t *testing.T) {
		store, cleanup := newStore(t)
		defer cleanup()
		ctx := context.Background()

		_, err := store.GetContext(ctx, "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound))

		first := &storage.ContextRecord{
			ID: "ctx-1", Name: "alpha", Owner: "alice", Scope: personal, State: "ACTIVE",
			CreatedAt: base, ActivatedAt: base, LastActivityAt: base,
		}
		second := &storage.ContextRecord{
			ID: "ctx-2", Name: "beta", Owner: "alice", Scope: team, State: "INACTIVE",
			PromotedFrom: "ctx-1", CreatedAt: base.Add(time.Minute),
			ActivatedAt: base.Add(time.Minute), LastActivityAt: base.Add(time.Minute),
		}
		other := &storage.ContextRecord{
			ID: "ctx-3", Name: "alpha", Owner: "bob", Scope: storage.ScopeRef{Scope: "personal", ID: "bob"},
			State: "ACTIVE", CreatedAt: base, ActivatedAt: base, LastActivityAt: base,
		}
		require.NoError(t, store.SaveContext(ctx, second))
		require.NoError(t, store.SaveContext(ctx, first))
		require.NoError(t, store.SaveContext(ctx, other))

		got, err := store.GetContext(ctx, "ctx-2")
		require.NoError(t, err)
		assert.Equal(t, "beta", got.Name)
		assert.Equal(t, team, got.Scope)
		assert.Equal(t, "ctx-1", got.PromotedFrom)
		assert.True(t, second.CreatedAt.Equal(got.CreatedAt))

		first.State = "STOPPED"
		first.LastActivityAt = base.Add(time.Hour)
		require.NoError(t, store.SaveContext(ctx, first))

		got, err = store.GetContext(ctx, "ctx-1")
		require.NoError(t, err)
		assert.Equal(t, "STOPPED", got.State)
		assert.True(t, first.LastActivityAt.Equal(got.LastActivityAt))

		list, err := store.ListContexts(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "ctx-1", list[0].ID)
		assert.Equal(t, "ctx-2", list[1].ID)

		list, err = store.ListContexts(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}
