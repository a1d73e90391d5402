package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memctx/pkg/core"
	"github.com/oceanbase/memctx/pkg/policy"
)

func setupCLITest(t *testing.T) string {
	dir := t.TempDir()
	cfg := `
storage:
  provider: badger
  badger:
    path: ` + filepath.Join(dir, "data") + `
policy:
  grants_file: ` + filepath.Join(dir, "grants.yaml") + `
logging:
  quiet: true
`
	path := filepath.Join(dir, "memctx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_Session(t *testing.T) {
	cfg := setupCLITest(t)
	as := func(args ...string) []string {
		return append([]string{"-c", cfg, "-u", "alice"}, args...)
	}

	out, err := execute(t, "", as("start", "proj-x")...)
	require.NoError(t, err)
	var started core.Context
	require.NoError(t, json.Unmarshal([]byte(out), &started))
	assert.Equal(t, "proj-x", started.Name)

	_, err = execute(t, "", as("append", "picked", "badger")...)
	require.NoError(t, err)
	_, err = execute(t, "first line\n\nsecond line\n", as("append", "-")...)
	require.NoError(t, err)

	out, err = execute(t, "", as("current", "-f", "text")...)
	require.NoError(t, err)
	assert.Contains(t, out, "proj-x")
	assert.Contains(t, out, "ACTIVE")

	_, err = execute(t, "", as("stop")...)
	require.NoError(t, err)

	out, err = execute(t, "", as("status")...)
	require.NoError(t, err)
	var st []statusLine
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.Len(t, st, 1)
	assert.Equal(t, "STOPPED", string(st[0].State))

	out, err = execute(t, "", as("recall", "-f", "text")...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "second line")
	assert.Contains(t, lines[2], "picked badger")
}

func TestCLI_GrantPersists(t *testing.T) {
	cfg := setupCLITest(t)

	_, err := execute(t, "", "-c", cfg, "-u", "bob", "--team", "platform", "start", "shared", "--scope", "team", "--scope-id", "platform")
	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))

	_, err = execute(t, "", "-c", cfg, "-u", "root", "grant", "--subject", "bob", "--role", "member", "--kind", "team", "--ref", "platform")
	require.NoError(t, err)

	grantsPath := filepath.Join(filepath.Dir(cfg), "grants.yaml")
	f, err := policy.ReadFile(grantsPath)
	require.NoError(t, err)
	require.Len(t, f.Grants, 1)
	assert.Equal(t, policy.RoleMember, f.Grants[0].Role)

	_, err = execute(t, "", "-c", cfg, "-u", "bob", "--team", "platform", "start", "shared", "--scope", "team", "--scope-id", "platform")
	require.NoError(t, err)
}

func TestCLI_Errors(t *testing.T) {
	cfg := setupCLITest(t)

	_, err := execute(t, "", "-c", cfg, "-u", "alice", "append", "nowhere")
	require.Error(t, err)
	assert.Equal(t, 4, exitCode(err))

	_, err = execute(t, "", "-c", cfg, "-u", "alice", "-f", "yaml", "status")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = execute(t, "", "-c", cfg, "-u", "alice", "link", "--child", "team", "--parent", "organization:acme")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}
