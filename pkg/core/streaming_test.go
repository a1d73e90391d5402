package core_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memctx/pkg/core"
	"github.com/oceanbase/memctx/pkg/storage"
	badgerStore "github.com/oceanbase/memctx/pkg/storage/badger"
)

func TestBatchAppend_KeepsOrder(t *testing.T) {
	client, store := setupClientTest(t)
	ctx := context.Background()

	info, err := client.Start(ctx, alice, "proj-x")
	require.NoError(t, err)

	lines := make([]string, 25)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %02d", i)
	}
	res, err := client.BatchAppend(ctx, alice, lines)
	require.NoError(t, err)
	assert.Equal(t, 25, res.Total)
	assert.Equal(t, 25, res.AppendedCount)
	assert.Zero(t, res.FailedCount)
	for i, e := range res.Appended {
		assert.Equal(t, lines[i], e.Content)
		if i > 0 {
			assert.Greater(t, e.ID, res.Appended[i-1].ID)
		}
	}

	require.NoError(t, client.Stop(ctx, alice))
	stored, err := store.Query(ctx, storage.ScopeRef{Scope: "personal", ID: "alice"}, &storage.QueryFilter{ContextID: info.ID})
	require.NoError(t, err)
	require.Len(t, stored, 25)
	assert.Equal(t, "line 24", stored[0].Content)
	assert.Equal(t, "line 00", stored[24].Content)
}

func TestBatchAppend_Errors(t *testing.T) {
	client, _ := setupClientTest(t)
	ctx := context.Background()

	res, err := client.BatchAppend(ctx, alice, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Total)

	_, err = client.BatchAppend(ctx, alice, []string{"a"})
	assert.ErrorIs(t, err, core.ErrNoActiveContext)
}

// appendBudget allows a fixed number of appends.
type appendBudget struct {
	left atomic.Int64
}

func (b *appendBudget) AllowStart(context.Context, string) error { return nil }

func (b *appendBudget) AllowAppend(context.Context, string) error {
	if b.left.Add(-1) < 0 {
		return core.ErrQuotaExceeded
	}
	return nil
}

func TestBatchAppend_PartialFailure(t *testing.T) {
	budget := &appendBudget{}
	budget.left.Store(2)
	client, _ := setupClientTest(t, core.WithQuota(budget))
	ctx := context.Background()

	_, err := client.Start(ctx, alice, "proj-x")
	require.NoError(t, err)

	res, err := client.BatchAppend(ctx, alice, []string{"a", "b", "c", "d"}, core.WithContext("proj-x"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.AppendedCount)
	assert.Equal(t, 2, res.FailedCount)
	assert.Equal(t, 2, res.Failed[0].Index)
	assert.Equal(t, 3, res.Failed[1].Index)
	assert.ErrorIs(t, res.Failed[0].Error, core.ErrQuotaExceeded)
}

func TestRecallStream_Batches(t *testing.T) {
	client, _ := setupClientTest(t)
	ctx := context.Background()

	_, err := client.Start(ctx, alice, "proj-x")
	require.NoError(t, err)
	lines := make([]string, 7)
	for i := range lines {
		lines[i] = fmt.Sprintf("note %d", i)
	}
	_, err = client.BatchAppend(ctx, alice, lines)
	require.NoError(t, err)
	require.NoError(t, client.Stop(ctx, alice))

	var sizes []int
	var got []string
	for batch := range client.RecallStream(ctx, alice, 3) {
		require.NoError(t, batch.Error)
		assert.Equal(t, len(sizes), batch.BatchIndex)
		sizes = append(sizes, len(batch.Items))
		for _, it := range batch.Items {
			got = append(got, it.Entry.Content)
		}
		assert.Equal(t, len(got) == 7, batch.IsLastBatch)
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, "note 6", got[0])
	assert.Equal(t, "note 0", got[6])
}

func TestRecallStream_Empty(t *testing.T) {
	client, _ := setupClientTest(t)

	var batches []*core.StreamingRecallResult
	for batch := range client.RecallStream(context.Background(), alice, 10) {
		batches = append(batches, batch)
	}
	require.Len(t, batches, 1)
	assert.True(t, batches[0].IsLastBatch)
	assert.Empty(t, batches[0].Items)
}

func TestBatchStop(t *testing.T) {
	client, _ := setupClientTest(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := client.Start(ctx, alice, name)
		require.NoError(t, err)
	}

	res := client.BatchStop(ctx, alice, []string{"a", "c", "nope"})
	assert.ElementsMatch(t, []string{"a", "c"}, res.Stopped)
	require.Contains(t, res.Failed, "nope")
	assert.ErrorIs(t, res.Failed["nope"], core.ErrContextNotFound)

	cur, err := client.ResolveCurrent(ctx, alice, "")
	require.NoError(t, err)
	assert.Equal(t, "b", cur.Name)
}

func TestAsyncClient(t *testing.T) {
	store, err := badgerStore.NewClient(badgerStore.InMemoryConfig())
	require.NoError(t, err)
	ac, err := core.NewAsyncClient(testConfig(), core.WithStore(store))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ac.Start(ctx, alice, "proj-x")
	require.NoError(t, err)

	chans := make([]<-chan *core.AppendResult, 5)
	for i := range chans {
		chans[i] = ac.AppendAsync(ctx, alice, fmt.Sprintf("async %d", i))
	}
	for _, ch := range chans {
		r := <-ch
		require.NoError(t, r.Error)
		assert.NotNil(t, r.Entry)
	}

	require.NoError(t, <-ac.StopAsync(ctx, alice))

	r := <-ac.RecallAsync(ctx, alice)
	require.NoError(t, r.Error)
	assert.Len(t, r.Result.Items, 5)

	ac.Wait()
	require.NoError(t, ac.Close())
}
