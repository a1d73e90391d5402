package recall_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memctx/pkg/capture"
	"github.com/oceanbase/memctx/pkg/policy"
	"github.com/oceanbase/memctx/pkg/recall"
	"github.com/oceanbase/memctx/pkg/registry"
	"github.com/oceanbase/memctx/pkg/storage"
	badgerStore "github.com/oceanbase/memctx/pkg/storage/badger"
)

// spyStore records queried scopes and can stall or fail one of them.
type spyStore struct {
	storage.Store

	mu      sync.Mutex
	queried []storage.ScopeRef

	stall storage.ScopeRef
	fail  storage.ScopeRef
}

func (s *spyStore) Query(ctx context.Context, ref storage.ScopeRef, f *storage.QueryFilter) ([]*storage.Entry, error) {
	s.mu.Lock()
	s.queried = append(s.queried, ref)
	s.mu.Unlock()

	if ref == s.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if ref == s.fail {
		return nil, errors.New("backend unavailable")
	}
	return s.Store.Query(ctx, ref, f)
}

func (s *spyStore) scopes() []storage.ScopeRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.ScopeRef(nil), s.queried...)
}

type fixture struct {
	store    *spyStore
	enforcer *policy.Enforcer
	reg      *registry.Registry
	merger   *recall.Merger
}

func setupRecallTest(t *testing.T) *fixture {
	inner, err := badgerStore.NewClient(badgerStore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inner.Close() })

	f := &fixture{store: &spyStore{Store: inner}}
	f.enforcer, err = policy.NewEnforcer()
	require.NoError(t, err)

	buffers, err := capture.NewManager(f.store, f.enforcer, capture.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = buffers.CloseAll(context.Background()) })

	f.reg = registry.New(f.store, buffers, f.enforcer)
	cfg := recall.DefaultConfig()
	cfg.ScopeTimeout = 50 * time.Millisecond
	f.merger = recall.NewMerger(f.store, f.enforcer, f.reg, cfg)
	return f
}

var (
	personal = storage.ScopeRef{Scope: "personal", ID: "u1"}
	team     = storage.ScopeRef{Scope: "team", ID: "t1"}
	org      = storage.ScopeRef{Scope: "organization", ID: "o1"}

	u1 = policy.Requester{UserID: "u1", Teams: []string{"t1"}, Orgs: []string{"o1"}}
)

var nextID int64 = 1000

func entry(contextID string, ref storage.ScopeRef, content string, tier int, at time.Time) *storage.Entry {
	nextID++
	sum := md5.Sum([]byte(content))
	return &storage.Entry{
		ID:        nextID,
		ContextID: contextID,
		Owner:     "u1",
		Scope:     ref,
		Content:   content,
		Tier:      tier,
		Hash:      hex.EncodeToString(sum[:]),
		CreatedAt: at,
	}
}

func (f *fixture) put(t *testing.T, entries ...*storage.Entry) {
	byContext := map[string][]*storage.Entry{}
	for _, e := range entries {
		byContext[e.ContextID] = append(byContext[e.ContextID], e)
	}
	for id, batch := range byContext {
		require.NoError(t, f.store.PutBatch(context.Background(), id, batch))
	}
}

func (f *fixture) grant(t *testing.T, role policy.Role, kind policy.GrantKind, ref string) {
	require.NoError(t, f.enforcer.Grant(policy.Grant{Subject: "u1", Role: role, Kind: kind, Ref: ref}))
}

func contents(items []recall.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Entry.Content
	}
	return out
}

func TestRecall_ScopePrecedenceWithIdenticalTimestamps(t *testing.T) {
	f := setupRecallTest(t)
	f.grant(t, policy.RoleMember, policy.GrantTeam, "t1")
	f.grant(t, policy.RoleMember, policy.GrantOrg, "o1")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.put(t,
		entry("org-ctx", org, "from org", 1, at),
		entry("team-ctx", team, "from team", 1, at),
		entry("p-ctx", personal, "from me", 1, at),
	)

	res, err := f.merger.Recall(context.Background(), recall.Request{Requester: u1})
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"from me", "from team", "from org"}, contents(res.Items))
	assert.Equal(t, policy.Personal("u1"), res.Items[0].Source)
	assert.Equal(t, policy.Team("t1"), res.Items[1].Source)
	assert.Equal(t, policy.Org("o1"), res.Items[2].Source)
}

func TestRecall_RecencyWithinScope(t *testing.T) {
	f := setupRecallTest(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.put(t,
		entry("p-ctx", personal, "oldest", 0, base),
		entry("p-ctx", personal, "newest", 0, base.Add(2*time.Minute)),
		entry("p-ctx", personal, "middle", 0, base.Add(time.Minute)),
	)

	res, err := f.merger.Recall(context.Background(), recall.Request{Requester: u1})
	require.NoError(t, err)
	assert.Equal(t, []string{"newest", "middle", "oldest"}, contents(res.Items))

	res, err = f.merger.Recall(context.Background(), recall.Request{Requester: u1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"newest", "middle"}, contents(res.Items))
}

func TestRecall_ZeroEntries(t *testing.T) {
	f := setupRecallTest(t)

	res, err := f.merger.Recall(context.Background(), recall.Request{Requester: u1})
	require.NoError(t, err)
	assert.NotNil(t, res.Items)
	assert.Empty(t, res.Items)
	assert.NoError(t, res.Err())
}

func TestRecall_FailClosed(t *testing.T) {
	f := setupRecallTest(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.put(t,
		entry("p-ctx", personal, "mine", 0, at),
		entry("team-ctx", team, "team secret plan", 0, at),
	)

	// Membership claims alone grant nothing.
	res, err := f.merger.Recall(context.Background(), recall.Request{Requester: u1})
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, contents(res.Items))
	assert.Equal(t, []storage.ScopeRef{personal}, f.store.scopes())

	_, err = f.merger.Recall(context.Background(), recall.Request{
		Requester: u1,
		Scopes:    []policy.ScopeRef{policy.Team("t1")},
	})
	assert.ErrorIs(t, err, policy.ErrPermissionDenied)

	// A grant without the membership claim is not enough either.
	f.grant(t, policy.RoleMember, policy.GrantTeam, "t1")
	res, err = f.merger.Recall(context.Background(), recall.Request{Requester: policy.Requester{UserID: "u1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, contents(res.Items))
	for _, ref := range f.store.scopes() {
		assert.NotEqual(t, team, ref)
	}
}

func TestRecall_ViewerReadsButCannotWrite(t *testing.T) {
	f := setupRecallTest(t)
	f.grant(t, policy.RoleViewer, policy.GrantTeam, "t1")
	require.NoError(t, f.enforcer.Grant(policy.Grant{Subject: "u2", Role: policy.RoleAdmin, Kind: policy.GrantTeam, Ref: "t1"}))
	ctx := context.Background()

	c, err := f.reg.Start(ctx, policy.Requester{UserID: "u2", Teams: []string{"t1"}}, registry.StartParams{Name: "team-log", Scope: policy.Team("t1")})
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.put(t,
		entry(c.ID, team, "release notes", 1, at),
		entry(c.ID, team, "incident review", 3, at.Add(time.Second)),
	)

	res, err := f.merger.Recall(ctx, recall.Request{Requester: u1, Scopes: []policy.ScopeRef{{Scope: policy.ScopeTeam}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"release notes"}, contents(res.Items))

	_, err = f.reg.Append(ctx, u1, c.ID, capture.Event{Content: "viewer write"})
	assert.ErrorIs(t, err, policy.ErrPermissionDenied)
}

func TestRecall_PartialOnTimeout(t *testing.T) {
	f := setupRecallTest(t)
	f.grant(t, policy.RoleMember, policy.GrantTeam, "t1")
	f.grant(t, policy.RoleMember, policy.GrantOrg, "o1")
	f.store.stall = team

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.put(t,
		entry("p-ctx", personal, "mine", 0, at),
		entry("team-ctx", team, "team", 0, at),
		entry("org-ctx", org, "org", 0, at),
	)

	start := time.Now()
	res, err := f.merger.Recall(context.Background(), recall.Request{Requester: u1})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, []string{"mine", "org"}, contents(res.Items))
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, policy.Team("t1"), res.Warnings[0].Scope)
	assert.ErrorIs(t, res.Warnings[0].Err, context.DeadlineExceeded)
	assert.ErrorIs(t, res.Err(), recall.ErrPartialRecall)
}

func TestRecall_PartialOnError(t *testing.T) {
	f := setupRecallTest(t)
	f.grant(t, policy.RoleMember, policy.GrantOrg, "o1")
	f.store.fail = org

	f.put(t, entry("p-ctx", personal, "mine", 0, time.Now().UTC()))

	res, err := f.merger.Recall(context.Background(), recall.Request{Requester: u1})
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, contents(res.Items))
	assert.ErrorIs(t, res.Err(), recall.ErrPartialRecall)
}

func TestRecall_DuplicatesKeepMostLocal(t *testing.T) {
	f := setupRecallTest(t)
	f.grant(t, policy.RoleMember, policy.GrantTeam, "t1")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.put(t,
		entry("team-ctx", team, "shared fact", 0, at.Add(time.Hour)),
		entry("p-ctx", personal, "shared fact", 0, at),
		entry("team-ctx", team, "team only", 0, at),
	)

	res, err := f.merger.Recall(context.Background(), recall.Request{Requester: u1})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "shared fact", res.Items[0].Entry.Content)
	assert.Equal(t, policy.Personal("u1"), res.Items[0].Source)
	assert.Equal(t, "team only", res.Items[1].Entry.Content)
}

func TestRecall_RepeatsWithinScopeAreKept(t *testing.T) {
	f := setupRecallTest(t)
	f.grant(t, policy.RoleMember, policy.GrantTeam, "t1")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	secret := int(policy.TierSecret)
	f.put(t,
		entry("p-ctx", personal, "run tests", 0, at),
		entry("p-ctx", personal, "fix lint", 0, at.Add(time.Minute)),
		entry("p-ctx", personal, "run tests", 0, at.Add(2*time.Minute)),
		entry("p-ctx", personal, policy.SecretPlaceholder, secret, at.Add(3*time.Minute)),
		entry("p-ctx", personal, policy.SecretPlaceholder, secret, at.Add(4*time.Minute)),
		entry("team-ctx", team, "run tests", 0, at.Add(time.Hour)),
	)

	res, err := f.merger.Recall(context.Background(), recall.Request{Requester: u1})
	require.NoError(t, err)
	assert.Equal(t, []string{
		policy.SecretPlaceholder,
		policy.SecretPlaceholder,
		"run tests",
		"fix lint",
		"run tests",
	}, contents(res.Items))
	for _, it := range res.Items {
		assert.Equal(t, policy.Personal("u1"), it.Source)
	}
}

func TestRecall_ContextHint(t *testing.T) {
	f := setupRecallTest(t)
	ctx := context.Background()

	a, err := f.reg.Start(ctx, u1, registry.StartParams{Name: "alpha"})
	require.NoError(t, err)
	b, err := f.reg.Start(ctx, u1, registry.StartParams{Name: "beta"})
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.put(t,
		entry(a.ID, personal, "alpha note", 0, at),
		entry(b.ID, personal, "beta note", 0, at.Add(time.Second)),
	)

	for _, hint := range []string{"alpha", a.ID} {
		t.Run(fmt.Sprintf("hint=%s", hint), func(t *testing.T) {
			res, err := f.merger.Recall(ctx, recall.Request{Requester: u1, ContextHint: hint})
			require.NoError(t, err)
			assert.Equal(t, []string{"alpha note"}, contents(res.Items))
		})
	}

	t.Run("unknown hint is ignored", func(t *testing.T) {
		res, err := f.merger.Recall(ctx, recall.Request{Requester: u1, ContextHint: "gamma"})
		require.NoError(t, err)
		assert.Equal(t, []string{"beta note", "alpha note"}, contents(res.Items))
	})

	t.Run("unreadable hint is ignored", func(t *testing.T) {
		other, err := f.reg.Start(ctx, policy.Requester{UserID: "u9"}, registry.StartParams{Name: "private"})
		require.NoError(t, err)
		res, err := f.merger.Recall(ctx, recall.Request{Requester: u1, ContextHint: other.ID})
		require.NoError(t, err)
		assert.Len(t, res.Items, 2)
	})
}

func TestRecall_CancelledContext(t *testing.T) {
	f := setupRecallTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.merger.Recall(ctx, recall.Request{Requester: u1})
	assert.ErrorIs(t, err, context.Canceled)
}
