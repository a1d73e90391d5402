package core_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memctx/pkg/core"
	"github.com/oceanbase/memctx/pkg/policy"
	"github.com/oceanbase/memctx/pkg/registry"
	"github.com/oceanbase/memctx/pkg/storage"
	badgerStore "github.com/oceanbase/memctx/pkg/storage/badger"
)

var (
	alice = core.Requester{UserID: "alice", Teams: []string{"platform"}}
	bob   = core.Requester{UserID: "bob", Teams: []string{"platform"}}
)

func testConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.Storage = core.StorageConfig{
		Provider: "badger",
		Badger:   core.BadgerConfig{InMemory: true},
	}
	cfg.Capture.FlushInterval = time.Hour
	cfg.Capture.RetryInitialInterval = time.Millisecond
	cfg.Capture.RetryMaxInterval = time.Millisecond
	cfg.Logging.Quiet = true
	return cfg
}

// setupClientTest returns a Client over an in-memory store that the test
// can inspect directly.
func setupClientTest(t *testing.T, opts ...core.Option) (*core.Client, storage.Store) {
	store, err := badgerStore.NewClient(badgerStore.InMemoryConfig())
	require.NoError(t, err)

	client, err := core.NewClient(testConfig(), append(opts, core.WithStore(store))...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, store
}

func statusOf(t *testing.T, client *core.Client, req core.Requester, name string) core.Status {
	t.Helper()
	st, err := client.Status(context.Background(), req)
	require.NoError(t, err)
	for _, s := range st {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no status for %q", name)
	return core.Status{}
}

func recalled(res *core.RecallResult) []string {
	out := make([]string, len(res.Items))
	for i, it := range res.Items {
		out[i] = it.Entry.Content
	}
	return out
}

func TestNewClient_FromConfig(t *testing.T) {
	client, err := core.NewClient(testConfig())
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestNewClient_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Provider = "mongo"

	_, err := core.NewClient(cfg)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestClient_CaptureStopRecall(t *testing.T) {
	client, _ := setupClientTest(t)
	ctx := context.Background()

	info, err := client.Start(ctx, alice, "proj-x")
	require.NoError(t, err)
	assert.Equal(t, registry.StateActive, info.State)
	assert.Equal(t, core.Personal("alice"), info.Scope)

	for _, msg := range []string{"first", "second", "third"} {
		e, err := client.Append(ctx, alice, msg, core.WithActor("editor"))
		require.NoError(t, err)
		assert.Equal(t, info.ID, e.ContextID)
		assert.Equal(t, "editor", e.Actor)
	}

	require.NoError(t, client.Stop(ctx, alice))
	require.NoError(t, client.Stop(ctx, alice))
	require.NoError(t, client.Stop(ctx, alice, core.WithContextForStop("proj-x")))
	assert.Equal(t, registry.StateStopped, statusOf(t, client, alice, "proj-x").State)

	res, err := client.Recall(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"third", "second", "first"}, recalled(res))
	for _, it := range res.Items {
		assert.Equal(t, core.Personal("alice"), it.Source)
	}

	_, err = client.Append(ctx, alice, "late")
	assert.ErrorIs(t, err, core.ErrNoActiveContext)
}

func TestClient_FlushAtThreshold(t *testing.T) {
	client, store := setupClientTest(t)
	ctx := context.Background()

	info, err := client.Start(ctx, alice, "proj-x")
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		_, err := client.Append(ctx, alice, fmt.Sprintf("event %d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 9, statusOf(t, client, alice, "proj-x").PendingCount)
	n, err := store.CountEntries(ctx, info.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = client.Append(ctx, alice, "event 9")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		n, err := store.CountEntries(ctx, info.ID)
		return err == nil && n == 10
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		st, err := client.Status(ctx, alice)
		return err == nil && len(st) == 1 && st[0].PendingCount == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_SecretTierIsRedacted(t *testing.T) {
	client, _ := setupClientTest(t)
	ctx := context.Background()

	_, err := client.Start(ctx, alice, "proj-x")
	require.NoError(t, err)

	e, err := client.Append(ctx, alice, "the root password is hunter2", core.WithTier(policy.TierSecret))
	require.NoError(t, err)
	assert.Equal(t, policy.SecretPlaceholder, e.Content)
	assert.Equal(t, int(policy.TierSecret), e.Tier)
}

func TestClient_RecallKeepsRepeatedEvents(t *testing.T) {
	client, _ := setupClientTest(t)
	ctx := context.Background()

	_, err := client.Start(ctx, alice, "proj-x")
	require.NoError(t, err)
	for _, msg := range []string{"run tests", "fix lint", "run tests"} {
		_, err := client.Append(ctx, alice, msg, core.WithTier(policy.TierPublic))
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := client.Append(ctx, alice, "token", core.WithTier(policy.TierSecret))
		require.NoError(t, err)
	}
	require.NoError(t, client.Stop(ctx, alice))

	res, err := client.Recall(ctx, alice)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"run tests", "fix lint", "run tests",
		policy.SecretPlaceholder, policy.SecretPlaceholder,
	}, recalled(res))
}

func TestClient_ViewerReadsTeamButCannotWrite(t *testing.T) {
	client, _ := setupClientTest(t)
	ctx := context.Background()

	require.NoError(t, client.Grant(policy.Grant{Subject: "alice", Role: policy.RoleMember, Kind: policy.GrantTeam, Ref: "platform"}))
	require.NoError(t, client.Grant(policy.Grant{Subject: "bob", Role: policy.RoleViewer, Kind: policy.GrantTeam, Ref: "platform"}))

	info, err := client.Start(ctx, alice, "release-42", core.WithScope(core.Team("platform")))
	require.NoError(t, err)

	_, err = client.Append(ctx, alice, "release notes drafted", core.WithTier(policy.TierInternal))
	require.NoError(t, err)
	_, err = client.Append(ctx, alice, "customer escalation", core.WithTier(policy.TierConfidential))
	require.NoError(t, err)
	require.NoError(t, client.Stop(ctx, alice))

	res, err := client.Recall(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"release notes drafted"}, recalled(res))
	assert.Equal(t, core.Team("platform"), res.Items[0].Source)

	_, err = client.Start(ctx, bob, "bob-team", core.WithScope(core.Team("platform")))
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	other, err := client.Start(ctx, alice, "release-43", core.WithScope(core.Team("platform")))
	require.NoError(t, err)
	_, err = client.Append(ctx, bob, "viewer write", core.WithContext(other.ID))
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	require.NoError(t, client.Revoke(policy.Grant{Subject: "bob", Role: policy.RoleViewer, Kind: policy.GrantTeam, Ref: "platform"}))
	res, err = client.Recall(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.NotEqual(t, info.ID, other.ID)
}

func TestClient_Errors(t *testing.T) {
	client, _ := setupClientTest(t)
	ctx := context.Background()

	_, err := client.Start(ctx, alice, "")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = client.Append(ctx, alice, "nowhere")
	assert.ErrorIs(t, err, core.ErrNoActiveContext)
	assert.ErrorIs(t, client.Stop(ctx, alice), core.ErrNoActiveContext)
	var me *core.MemoryError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "Append", me.Op)

	_, err = client.Start(ctx, alice, "proj-x")
	require.NoError(t, err)
	_, err = client.Start(ctx, alice, "proj-x")
	assert.ErrorIs(t, err, core.ErrDuplicateContextName)

	_, err = client.ResolveCurrent(ctx, alice, "missing")
	assert.ErrorIs(t, err, core.ErrContextNotFound)

	_, err = client.Recall(ctx, alice, core.WithScopes(core.Org("acme")))
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
}

type denyAll struct{ err error }

func (d denyAll) AllowStart(context.Context, string) error  { return d.err }
func (d denyAll) AllowAppend(context.Context, string) error { return d.err }

func TestClient_QuotaErrorIsUnchanged(t *testing.T) {
	planErr := errors.New("plan limit: 3 contexts")
	client, _ := setupClientTest(t, core.WithQuota(denyAll{err: planErr}))

	_, err := client.Start(context.Background(), alice, "proj-x")
	assert.Same(t, planErr, err)
}

func TestClient_DefaultQuotaFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Quota.StartsPerMinute = 0.01
	client, err := core.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	_, err = client.Start(ctx, alice, "a")
	require.NoError(t, err)
	_, err = client.Start(ctx, alice, "b")
	assert.ErrorIs(t, err, core.ErrQuotaExceeded)
	var me *core.MemoryError
	assert.False(t, errors.As(err, &me))
}

func TestClient_ResolveCurrent(t *testing.T) {
	client, _ := setupClientTest(t)
	ctx := context.Background()

	first, err := client.Start(ctx, alice, "first")
	require.NoError(t, err)
	second, err := client.Start(ctx, alice, "second")
	require.NoError(t, err)

	cur, err := client.ResolveCurrent(ctx, alice, "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, cur.ID)

	cur, err = client.ResolveCurrent(ctx, alice, "first")
	require.NoError(t, err)
	assert.Equal(t, first.ID, cur.ID)

	e, err := client.Append(ctx, alice, "into first", core.WithContext(first.ID))
	require.NoError(t, err)
	assert.Equal(t, first.ID, e.ContextID)
}

func TestClient_StopAll(t *testing.T) {
	client, _ := setupClientTest(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := client.Start(ctx, alice, name)
		require.NoError(t, err)
		_, err = client.Append(ctx, alice, "note for "+name, core.WithContext(name))
		require.NoError(t, err)
	}

	require.NoError(t, client.Stop(ctx, alice, core.WithAll()))
	st, err := client.Status(ctx, alice)
	require.NoError(t, err)
	require.Len(t, st, 3)
	for _, s := range st {
		assert.Equal(t, registry.StateStopped, s.State)
		assert.Zero(t, s.PendingCount)
	}

	res, err := client.Recall(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, res.Items, 3)
}

func TestClient_Promote(t *testing.T) {
	client, _ := setupClientTest(t)
	ctx := context.Background()
	require.NoError(t, client.Grant(policy.Grant{Subject: "alice", Role: policy.RoleMember, Kind: policy.GrantTeam, Ref: "platform"}))

	draft, err := client.Start(ctx, alice, "design")
	require.NoError(t, err)
	_, err = client.Append(ctx, alice, "personal draft")
	require.NoError(t, err)

	promoted, err := client.Promote(ctx, alice, "design", core.Team("platform"))
	require.NoError(t, err)
	assert.Equal(t, core.Team("platform"), promoted.Scope)
	assert.Equal(t, draft.ID, promoted.PromotedFrom)
	assert.Equal(t, "design", promoted.Name)

	old, err := client.ResolveCurrent(ctx, alice, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateStopped, old.State)

	_, err = client.Append(ctx, alice, "team notes")
	require.NoError(t, err)
	require.NoError(t, client.Stop(ctx, alice))

	res, err := client.Recall(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"personal draft", "team notes"}, recalled(res))
}

func TestClient_SweepRemovesExpired(t *testing.T) {
	client, store := setupClientTest(t)
	ctx := context.Background()

	old := time.Now().Add(-100 * 24 * time.Hour)
	require.NoError(t, store.PutBatch(ctx, "legacy", []*storage.Entry{
		{ID: 1, ContextID: "legacy", Owner: "alice", Scope: storage.ScopeRef{Scope: "personal", ID: "alice"},
			Content: "expired", Tier: int(policy.TierConfidential), Hash: "h1", CreatedAt: old},
		{ID: 2, ContextID: "legacy", Owner: "alice", Scope: storage.ScopeRef{Scope: "personal", ID: "alice"},
			Content: "kept", Tier: int(policy.TierInternal), Hash: "h2", CreatedAt: old},
	}))

	res, err := client.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Total())

	n, err := store.CountEntries(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClient_CloseFlushesBuffers(t *testing.T) {
	store, err := badgerStore.NewClient(badgerStore.InMemoryConfig())
	require.NoError(t, err)
	counting := &closeCounter{Store: store}

	client, err := core.NewClient(testConfig(), core.WithStore(counting))
	require.NoError(t, err)
	ctx := context.Background()

	info, err := client.Start(ctx, alice, "proj-x")
	require.NoError(t, err)
	_, err = client.Append(ctx, alice, "unflushed")
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.Equal(t, 1, counting.closes)
	assert.Contains(t, counting.flushed, info.ID)
}

// closeCounter records flushed contexts and Close calls. The wrapped
// store stays open so the test can still read it.
type closeCounter struct {
	storage.Store
	flushed []string
	closes  int
}

func (c *closeCounter) PutBatch(ctx context.Context, contextID string, entries []*storage.Entry) error {
	c.flushed = append(c.flushed, contextID)
	return c.Store.PutBatch(ctx, contextID, entries)
}

func (c *closeCounter) Close() error {
	c.closes++
	return c.Store.Close()
}

func TestClient_WatchGrantsStopsOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.yaml")
	require.NoError(t, policy.WriteFile(path, &policy.File{}))

	cfg := testConfig()
	cfg.Policy.GrantsFile = path
	cfg.Policy.WatchGrants = true
	store, err := badgerStore.NewClient(badgerStore.InMemoryConfig())
	require.NoError(t, err)
	client, err := core.NewClient(cfg, core.WithStore(store))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Start(ctx, bob, "shared", core.WithScope(core.Team("platform")))
	require.ErrorIs(t, err, core.ErrPermissionDenied)

	require.NoError(t, policy.WriteFile(path, &policy.File{
		Grants: []policy.Grant{{Subject: "bob", Role: policy.RoleMember, Kind: policy.GrantTeam, Ref: "platform"}},
	}))
	assert.Eventually(t, func() bool {
		_, err := client.Start(ctx, bob, "shared", core.WithScope(core.Team("platform")))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- client.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}
