package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memctx/pkg/policy"
)

func TestGrantsFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.yaml")

	e := newEnforcer(t,
		policy.Grant{Subject: "u1", Role: policy.RoleAdmin, Kind: policy.GrantOrg, Ref: "o1"},
		policy.Grant{Subject: "u2", Role: policy.RoleViewer, Kind: policy.GrantContext, Ref: "u1/proj-*"},
	)
	require.NoError(t, e.Link(policy.Link{Child: policy.Team("t1"), Parent: policy.Org("o1")}))
	require.NoError(t, policy.WriteFile(path, e.Snapshot()))

	f, err := policy.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, e.Snapshot(), f)

	loaded := newEnforcer(t)
	require.NoError(t, loaded.LoadFile(path))
	res := policy.Resource{Type: policy.ResourceMemory, Scope: policy.Team("t1")}
	assert.Equal(t, policy.RoleAdmin, loaded.EffectiveRole(policy.Requester{UserID: "u1"}, res))
}

func TestReadFile_Missing(t *testing.T) {
	f, err := policy.ReadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, f.Grants)
}

func TestReadFile_BadRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.yaml")
	require.NoError(t, os.WriteFile(path, []byte("grants:\n  - {subject: u1, role: emperor, kind: team, ref: t1}\n"), 0600))

	_, err := policy.ReadFile(path)
	assert.ErrorIs(t, err, policy.ErrUnknownRole)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grants.yaml")
	require.NoError(t, policy.WriteFile(path, &policy.File{}))

	e := newEnforcer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done, err := e.Watch(ctx, path)
	require.NoError(t, err)

	req := policy.Requester{UserID: "u1", Teams: []string{"t1"}}
	res := policy.Resource{Type: policy.ResourceMemory, Scope: policy.Team("t1")}
	require.ErrorIs(t, e.Authorize(req, res, policy.ActionRead), policy.ErrPermissionDenied)

	require.NoError(t, policy.WriteFile(path, &policy.File{
		Grants: []policy.Grant{{Subject: "u1", Role: policy.RoleViewer, Kind: policy.GrantTeam, Ref: "t1"}},
	}))

	assert.Eventually(t, func() bool {
		return e.Authorize(req, res, policy.ActionRead) == nil
	}, 5*time.Second, 20*time.Millisecond)

	// A broken file keeps the previous table.
	tmp := filepath.Join(dir, "broken.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("grants: [{subject: u1, role: nope, kind: team, ref: t1}]"), 0600))
	require.NoError(t, os.Rename(tmp, path))
	time.Sleep(200 * time.Millisecond)
	assert.NoError(t, e.Authorize(req, res, policy.ActionRead))

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
