package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/telemetry-agent/internal/persistence"
	"github.com/Chichichkin/telemetry-agent/internal/testutils"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	testutils.RunStoreContract(t, func(t *testing.T) persistence.Store {
		s := openTestStore(t, filepath.Join(t.TempDir(), "queue.db"))
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "queue.db")
	s := openTestStore(t, path)
	defer s.Close()
	assert.Equal(t, path, s.Path())
}

func TestReopen_ReplaysPendingRowsInOrder(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	logs := testutils.MakeLogs("crash", 5)

	s := openTestStore(t, path)
	for _, l := range logs {
		_, err := s.PutLog(ctx, "analytics", l)
		require.NoError(t, err)
	}
	inFlight, err := s.NextBatch(ctx, "analytics", 3)
	require.NoError(t, err)
	require.Equal(t, 3, inFlight.Len())
	require.NoError(t, s.Close())

	// Process restart: the batch never completed.
	s = openTestStore(t, path)
	defer s.Close()

	n, err := s.Count(ctx, "analytics")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	b, err := s.NextBatch(ctx, "analytics", 10)
	require.NoError(t, err)
	require.Equal(t, 5, b.Len())
	for i, l := range b.Logs {
		assert.Equal(t, logs[i].Message, l.Message)
	}
}

func TestNextBatch_DropsCorruptRows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "queue.db"))
	defer s.Close()

	logs := testutils.MakeLogs("ok", 2)
	_, err := s.PutLog(ctx, "g", logs[0])
	require.NoError(t, err)
	_, err = s.db.Exec("INSERT INTO logs (grp, payload, created_at) VALUES (?, ?, 0)", "g", []byte{0xc1})
	require.NoError(t, err)
	_, err = s.PutLog(ctx, "g", logs[1])
	require.NoError(t, err)

	b, err := s.NextBatch(ctx, "g", 10)
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())
	assert.Equal(t, "ok-0", b.Logs[0].Message)
	assert.Equal(t, "ok-1", b.Logs[1].Message)

	n, err := s.Count(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGroups_ListsNonEmptyGroups(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "queue.db"))
	defer s.Close()

	for _, g := range []string{"errors", "analytics", "errors"} {
		_, err := s.PutLog(ctx, g, testutils.MakeLogs(g, 1)[0])
		require.NoError(t, err)
	}

	groups, err := s.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"analytics", "errors"}, groups)
}

func TestClosedStore_ReportsStorageFault(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, s.Close())

	_, err := s.PutLog(context.Background(), "g", testutils.MakeLogs("x", 1)[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, persistence.ErrStorage))

	var perr *persistence.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "put", perr.Op)
}

func TestChunks(t *testing.T) {
	ids := make([]int64, deleteChunk*2+1)
	got := chunks(ids)
	require.Len(t, got, 3)
	assert.Len(t, got[2], 1)
	assert.Equal(t, "?,?,?", placeholders(3))
}
