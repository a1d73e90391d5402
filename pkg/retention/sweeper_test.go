package retention_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memctx/pkg/policy"
	"github.com/oceanbase/memctx/pkg/retention"
	"github.com/oceanbase/memctx/pkg/storage"
	badgerStore "github.com/oceanbase/memctx/pkg/storage/badger"
	sqliteStore "github.com/oceanbase/memctx/pkg/storage/sqlite"
)

const day = 24 * time.Hour

var (
	now  = time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)
	mine = storage.ScopeRef{Scope: "personal", ID: "u1"}
)

func stores(t *testing.T) map[string]storage.Store {
	b, err := badgerStore.NewClient(badgerStore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	s, err := sqliteStore.NewClient(&sqliteStore.Config{DBPath: filepath.Join(t.TempDir(), "memctx.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return map[string]storage.Store{"badger": b, "sqlite": s}
}

func seed(t *testing.T, store storage.Store) {
	entries := []*storage.Entry{
		{ID: 1, Tier: int(policy.TierConfidential), CreatedAt: now.Add(-90*day - time.Second), Content: "one second past"},
		{ID: 2, Tier: int(policy.TierConfidential), CreatedAt: now.Add(-90 * day), Content: "exactly at the boundary"},
		{ID: 3, Tier: int(policy.TierConfidential), CreatedAt: now.Add(-90*day + time.Second), Content: "one second short"},
		{ID: 4, Tier: int(policy.TierPublic), CreatedAt: now.Add(-3650 * day), Content: "public forever"},
		{ID: 5, Tier: int(policy.TierSecret), CreatedAt: now.Add(-time.Second), Content: policy.SecretPlaceholder},
		{ID: 6, Tier: int(policy.TierSecret), CreatedAt: now, Content: policy.SecretPlaceholder},
		{ID: 7, Tier: int(policy.TierInternal), CreatedAt: now.Add(-100 * day), Content: "internal"},
	}
	for _, e := range entries {
		e.ContextID = "ctx-1"
		e.Owner = "u1"
		e.Scope = mine
	}
	require.NoError(t, store.PutBatch(context.Background(), "ctx-1", entries))
}

func remaining(t *testing.T, store storage.Store) []int64 {
	got, err := store.Query(context.Background(), mine, nil)
	require.NoError(t, err)
	ids := make([]int64, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestSweepAt_NinetyDayBoundary(t *testing.T) {
	for _, archive := range []bool{false, true} {
		for name, store := range stores(t) {
			mode := "delete"
			if archive {
				mode = "archive"
			}
			t.Run(name+"/"+mode, func(t *testing.T) {
				seed(t, store)
				s, err := retention.NewSweeper(store, policy.DefaultRetention(), retention.Config{Interval: time.Hour, Archive: archive})
				require.NoError(t, err)

				res, err := s.SweepAt(context.Background(), now)
				require.NoError(t, err)
				assert.Equal(t, archive, res.Archived)
				assert.Equal(t, int64(1), res.Removed[policy.TierConfidential])
				assert.Equal(t, int64(1), res.Removed[policy.TierSecret])
				assert.Zero(t, res.Removed[policy.TierInternal])
				_, swept := res.Removed[policy.TierPublic]
				assert.False(t, swept)
				assert.Equal(t, int64(2), res.Total())

				// Newest first: 6, 3, 2, 7, 4.
				assert.Equal(t, []int64{6, 3, 2, 7, 4}, remaining(t, store))

				// A second sweep at the same instant finds nothing.
				res, err = s.SweepAt(context.Background(), now)
				require.NoError(t, err)
				assert.Zero(t, res.Total())

				// One second later the boundary entry is past its retention.
				res, err = s.SweepAt(context.Background(), now.Add(time.Second))
				require.NoError(t, err)
				assert.Equal(t, int64(1), res.Removed[policy.TierConfidential])
				assert.NotContains(t, remaining(t, store), int64(2))
			})
		}
	}
}

// plainStore hides the Archiver of the wrapped store.
type plainStore struct {
	storage.Store
}

func TestNewSweeper_ArchiveNeedsArchiver(t *testing.T) {
	b, err := badgerStore.NewClient(badgerStore.InMemoryConfig())
	require.NoError(t, err)
	defer b.Close()

	_, err = retention.NewSweeper(plainStore{b}, policy.DefaultRetention(), retention.Config{Archive: true})
	assert.Error(t, err)

	_, err = retention.NewSweeper(b, policy.RetentionPolicy{policy.TierPublic: policy.Unlimited}, retention.DefaultConfig())
	assert.Error(t, err)
}

// failingStore fails deletes for one tier.
type failingStore struct {
	storage.Store
	tier int
}

func (s failingStore) DeleteBefore(ctx context.Context, tier int, cutoff time.Time) (int64, error) {
	if tier == s.tier {
		return 0, errors.New("disk full")
	}
	return s.Store.DeleteBefore(ctx, tier, cutoff)
}

func TestSweepAt_TierFailureDoesNotStopOthers(t *testing.T) {
	b, err := badgerStore.NewClient(badgerStore.InMemoryConfig())
	require.NoError(t, err)
	defer b.Close()
	seed(t, b)

	s, err := retention.NewSweeper(failingStore{Store: b, tier: int(policy.TierConfidential)}, policy.DefaultRetention(), retention.DefaultConfig())
	require.NoError(t, err)

	res, err := s.SweepAt(context.Background(), now)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, int64(1), res.Removed[policy.TierSecret])
	assert.Contains(t, remaining(t, b), int64(1))
}

// countingStore counts DeleteBefore calls.
type countingStore struct {
	storage.Store
	calls atomic.Int64
}

func (s *countingStore) DeleteBefore(ctx context.Context, tier int, cutoff time.Time) (int64, error) {
	s.calls.Add(1)
	return s.Store.DeleteBefore(ctx, tier, cutoff)
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	b, err := badgerStore.NewClient(badgerStore.InMemoryConfig())
	require.NoError(t, err)
	defer b.Close()
	store := &countingStore{Store: b}

	s, err := retention.NewSweeper(store, policy.DefaultRetention(), retention.Config{Interval: 10 * time.Millisecond},
		retention.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Four finite tiers per sweep; wait for at least three sweeps.
	assert.Eventually(t, func() bool { return store.calls.Load() >= 12 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
