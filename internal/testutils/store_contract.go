package testutils

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/telemetry-agent/internal/logging"
	"github.com/Chichichkin/telemetry-agent/internal/persistence"
)

// MakeLogs builds n distinguishable logs of the given type.
func MakeLogs(logType string, n int) []*logging.Log {
	logs := make([]*logging.Log, n)
	for i := range logs {
		logs[i] = &logging.Log{
			Type:       logType,
			Message:    fmt.Sprintf("%s-%d", logType, i),
			Properties: map[string]string{"seq": fmt.Sprint(i)},
		}
	}
	return logs
}

func messages(logs []*logging.Log) []string {
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.Message
	}
	return out
}

// RunStoreContract exercises the queue semantics every persistence.Store
// implementation must provide.
func RunStoreContract(t *testing.T, newStore func(t *testing.T) persistence.Store) {
	ctx := context.Background()

	put := func(t *testing.T, s persistence.Store, group string, logs []*logging.Log) {
		t.Helper()
		for _, l := range logs {
			_, err := s.PutLog(ctx, group, l)
			require.NoError(t, err)
		}
	}

	t.Run("batches follow insertion order", func(t *testing.T) {
		s := newStore(t)
		logs := MakeLogs("ord", 5)
		put(t, s, "g", logs)

		first, err := s.NextBatch(ctx, "g", 3)
		require.NoError(t, err)
		assert.Equal(t, messages(logs[:3]), messages(first.Logs))
		assert.Len(t, first.IDs, 3)
		assert.Equal(t, "g", first.Group)

		second, err := s.NextBatch(ctx, "g", 3)
		require.NoError(t, err)
		assert.Equal(t, messages(logs[3:]), messages(second.Logs))
		assert.NotEqual(t, first.ID, second.ID)

		empty, err := s.NextBatch(ctx, "g", 3)
		require.NoError(t, err)
		assert.Equal(t, 0, empty.Len())
	})

	t.Run("unknown group yields empty batch", func(t *testing.T) {
		s := newStore(t)
		b, err := s.NextBatch(ctx, "nothing", 10)
		require.NoError(t, err)
		assert.Equal(t, 0, b.Len())
	})

	t.Run("delete removes rows permanently", func(t *testing.T) {
		s := newStore(t)
		put(t, s, "g", MakeLogs("del", 4))
		put(t, s, "other", MakeLogs("keep", 2))

		b, err := s.NextBatch(ctx, "g", 4)
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, b.IDs))

		n, err := s.Count(ctx, "g")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = s.Count(ctx, "other")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		require.NoError(t, s.ClearPending(ctx, "g"))
		b, err = s.NextBatch(ctx, "g", 4)
		require.NoError(t, err)
		assert.Equal(t, 0, b.Len())
	})

	t.Run("clear pending restores original order", func(t *testing.T) {
		s := newStore(t)
		logs := MakeLogs("retry", 6)
		put(t, s, "g", logs)

		_, err := s.NextBatch(ctx, "g", 2)
		require.NoError(t, err)
		_, err = s.NextBatch(ctx, "g", 2)
		require.NoError(t, err)

		require.NoError(t, s.ClearPending(ctx, "g"))
		require.NoError(t, s.ClearPending(ctx, "g"))

		b, err := s.NextBatch(ctx, "g", 10)
		require.NoError(t, err)
		assert.Equal(t, messages(logs), messages(b.Logs))
	})

	t.Run("clear pending is scoped to the group", func(t *testing.T) {
		s := newStore(t)
		put(t, s, "a", MakeLogs("a", 2))
		put(t, s, "b", MakeLogs("b", 2))

		_, err := s.NextBatch(ctx, "a", 2)
		require.NoError(t, err)
		_, err = s.NextBatch(ctx, "b", 2)
		require.NoError(t, err)

		require.NoError(t, s.ClearPending(ctx, "a"))

		a, err := s.NextBatch(ctx, "a", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, a.Len())
		b, err := s.NextBatch(ctx, "b", 2)
		require.NoError(t, err)
		assert.Equal(t, 0, b.Len())

		require.NoError(t, s.ClearPendingAll(ctx))
		b, err = s.NextBatch(ctx, "b", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, b.Len())
	})

	t.Run("clear and clear all", func(t *testing.T) {
		s := newStore(t)
		put(t, s, "a", MakeLogs("a", 3))
		put(t, s, "b", MakeLogs("b", 3))

		require.NoError(t, s.Clear(ctx, "a"))
		n, err := s.Count(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		n, err = s.Count(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		require.NoError(t, s.ClearAll(ctx))
		n, err = s.Count(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("concurrent batches never share rows", func(t *testing.T) {
		s := newStore(t)
		put(t, s, "g", MakeLogs("c", 100))

		var (
			mu   sync.Mutex
			seen = map[int64]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					b, err := s.NextBatch(ctx, "g", 7)
					if err != nil || b.Len() == 0 {
						return
					}
					mu.Lock()
					for _, id := range b.IDs {
						seen[id]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, 100)
		for id, n := range seen {
			assert.Equal(t, 1, n, "row %d returned %d times", id, n)
		}
	})

	t.Run("logs round trip", func(t *testing.T) {
		s := newStore(t)
		in := &logging.Log{
			Type:       "event",
			Toffset:    1234,
			Message:    "hello",
			Device:     &logging.Device{SDKName: "agent", Hostname: "h1", TimeZoneOffset: 60},
			Properties: map[string]string{"k": "v"},
		}
		_, err := s.PutLog(ctx, "g", in)
		require.NoError(t, err)

		b, err := s.NextBatch(ctx, "g", 1)
		require.NoError(t, err)
		require.Equal(t, 1, b.Len())
		assert.Equal(t, in, b.Logs[0])
	})
}
