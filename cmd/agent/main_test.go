package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/telemetry-agent/internal/persistence/sqlite"
	"github.com/Chichichkin/telemetry-agent/internal/testutils"
)

func seedQueue(t *testing.T) (configPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")

	store, err := sqlite.Open(sqlite.Config{Path: dbPath})
	require.NoError(t, err)
	ctx := context.Background()
	for _, l := range testutils.MakeLogs("event", 3) {
		_, err := store.PutLog(ctx, "analytics", l)
		require.NoError(t, err)
	}
	for _, l := range testutils.MakeLogs("crash", 1) {
		_, err := store.PutLog(ctx, "crashes", l)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	configPath = filepath.Join(dir, "agent.yaml")
	content := fmt.Sprintf("ingestion:\n  url: http://localhost:1/logs\nstorage:\n  path: %s\n", dbPath)
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	return configPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestQueueCount(t *testing.T) {
	configPath := seedQueue(t)

	out, err := execute(t, "queue", "count", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "analytics")
	assert.Contains(t, out, "crashes")

	out, err = execute(t, "queue", "count", "--group", "analytics", "--config", configPath)
	require.NoError(t, err)
	assert.Regexp(t, `analytics\s+3`, out)
	assert.NotContains(t, out, "crashes")
}

func TestQueueClear(t *testing.T) {
	configPath := seedQueue(t)

	_, err := execute(t, "queue", "clear", "--config", configPath)
	assert.Error(t, err)

	out, err := execute(t, "queue", "clear", "--group", "analytics", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "cleared group analytics")

	out, err = execute(t, "queue", "count", "--config", configPath)
	require.NoError(t, err)
	assert.NotContains(t, out, "analytics")
	assert.Regexp(t, `crashes\s+1`, out)

	_, err = execute(t, "queue", "clear", "--all", "--config", configPath)
	require.NoError(t, err)
	out, err = execute(t, "queue", "count", "--config", configPath)
	require.NoError(t, err)
	assert.NotContains(t, out, "crashes")
}

func TestQueue_MemoryStorageRejected(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("ingestion:\n  url: http://localhost:1/logs\n"), 0o600))

	_, err := execute(t, "queue", "count", "--config", configPath)
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}
