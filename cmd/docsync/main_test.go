package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-doc-sync/auth"
	"github.com/c0deZ3R0/go-doc-sync/crdt/lww"
	"github.com/c0deZ3R0/go-doc-sync/logging"
	"github.com/c0deZ3R0/go-doc-sync/storage/sqlite"
)

const testSecret = "0123456789abcdef0123"

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "jwtSecret: " + testSecret + "\nengine: lww\nlogging:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "token", "--config", cfg, "--role", auth.RoleKBEditor, "--location", "/kb/one")
	require.NoError(t, err)

	verifier, err := auth.NewVerifier([]byte(testSecret), "")
	require.NoError(t, err)
	claims, err := verifier.Authorize(strings.TrimSpace(out), auth.RoleKBEditor, "/kb/one")
	require.NoError(t, err)
	assert.Equal(t, "docsync-cli", claims.Subject)

	_, err = run(t, "token", "--config", cfg, "--role", auth.RoleKBEditor)
	assert.Error(t, err, "editor tokens need a location")

	_, err = run(t, "token", "--config", cfg, "--role", "root")
	assert.Error(t, err)
}

func TestDocsAndShrinkCommands(t *testing.T) {
	cfg := writeConfig(t)
	location := t.TempDir()
	store := filepath.Join(location, "app-data.db")
	ctx := context.Background()

	pc := sqlite.DefaultConfig()
	pc.Logger = logging.Discard()
	p, err := sqlite.New(lww.Engine{}, pc)
	require.NoError(t, err)
	for _, id := range []string{"doc1", "doc2"} {
		doc := lww.New()
		require.NoError(t, p.Load(ctx, id, store, doc))
		doc.Set("k", []byte(id))
		u, err := doc.ExportFrom(nil)
		require.NoError(t, err)
		require.NoError(t, p.SaveUpdates(ctx, id, store, [][]byte{u}))
	}
	require.NoError(t, p.Close())

	out, err := run(t, "docs", "list", location, "--config", cfg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc1", "doc2"}, strings.Fields(out))

	out, err = run(t, "shrink", location, "--config", cfg, "--doc", "doc1", "--no-vacuum")
	require.NoError(t, err)
	assert.Contains(t, out, "before:")
	assert.Contains(t, out, "after:")

	_, err = run(t, "shrink", location, "--config", cfg)
	require.NoError(t, err)

	_, err = run(t, "docs", "delete", location, "doc2", "--config", cfg)
	require.NoError(t, err)

	out, err = run(t, "docs", "list", location, "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc1"}, strings.Fields(out))
}

func TestShrinkMissingStore(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, "shrink", t.TempDir(), "--config", cfg)
	assert.Error(t, err)
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, "docs", "list", t.TempDir(), "--config", filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)
}

func TestEngineFor(t *testing.T) {
	for _, name := range []string{"lww", "automerge"} {
		e, err := engineFor(name)
		require.NoError(t, err)
		assert.Equal(t, name, e.Name())
	}
	_, err := engineFor("yjs")
	assert.Error(t, err)
}

func TestServeLogsToCommandOutput(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := fmt.Sprintf("jwtSecret: %s\nengine: lww\nhost: 127.0.0.1\nport: %d\nlogging:\n  level: info\n  format: json\n", testSecret, port)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"serve", "--config", path})
	require.NoError(t, cmd.ExecuteContext(ctx))

	logs := errOut.String()
	assert.Contains(t, logs, "shutting down")
	assert.Contains(t, logs, "server stopped")
}
