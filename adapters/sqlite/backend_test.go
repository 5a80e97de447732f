package sqlite

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esdb-go/core/es"
)

func openTestStore(t *testing.T, path string) *es.Store {
	t.Helper()
	b, err := Open(t.Context(), Config{Path: path, ReplayPageSize: 7})
	require.NoError(t, err)
	s, err := es.Open(t.Context(), es.WithBackend(b))
	require.NoError(t, err)
	return s
}

func jsonEvents(t *testing.T, n int) []es.EventData {
	t.Helper()
	out := make([]es.EventData, n)
	for i := range out {
		ev, err := es.NewJSONEvent("Counted", map[string]int{"i": i})
		require.NoError(t, err)
		out[i] = ev
	}
	return out
}

func TestBackend_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	s := openTestStore(t, path)
	_, err := s.Append(t.Context(), "order-1", es.ExpectNoStream, jsonEvents(t, 10)...)
	require.NoError(t, err)
	_, err = s.Append(t.Context(), "order-2", es.ExpectNoStream, jsonEvents(t, 5)...)
	require.NoError(t, err)
	require.NoError(t, s.Delete(t.Context(), "order-1", es.ExpectVersion(9)))
	_, err = s.Append(t.Context(), "order-1", es.ExpectNoStream, jsonEvents(t, 2)...)
	require.NoError(t, err)
	_, err = s.Append(t.Context(), "invoice-1", es.ExpectAny, jsonEvents(t, 3)...)
	require.NoError(t, err)

	before, err := s.ReadAllForward(t.Context(), 0, 100)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openTestStore(t, path)
	t.Cleanup(func() { _ = s.Close() })

	require.EqualValues(t, 20, s.LastPosition())

	v, ok := s.StreamVersion("order-1")
	require.True(t, ok)
	require.EqualValues(t, 1, v)

	slice, err := s.ReadForward(t.Context(), "order-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, slice.Events, 2)
	require.EqualValues(t, 16, slice.Events[0].Position)

	after, err := s.ReadAllForward(t.Context(), 0, 100)
	require.NoError(t, err)
	require.Len(t, after.Events, len(before.Events))
	for i := range before.Events {
		b, a := before.Events[i], after.Events[i]
		require.Equal(t, b.EventID, a.EventID)
		require.Equal(t, b.StreamName, a.StreamName)
		require.Equal(t, b.EventNumber, a.EventNumber)
		require.Equal(t, b.Position, a.Position)
		require.Equal(t, b.Data, a.Data)
		require.True(t, b.CreatedAt.Equal(a.CreatedAt))
	}

	cat, err := s.ReadForward(t.Context(), es.CategoryStream("order"), 0, 100)
	require.NoError(t, err)
	require.Len(t, cat.Events, 7)

	_, err = s.Append(t.Context(), "order-2", es.ExpectVersion(4), jsonEvents(t, 1)...)
	require.NoError(t, err)
	require.EqualValues(t, 21, s.LastPosition())
}

func TestBackend_LargeBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("large batch")
	}
	path := filepath.Join(t.TempDir(), "events.db")

	s := openTestStore(t, path)
	res, err := s.Append(t.Context(), "bulk-1", es.ExpectNoStream, jsonEvents(t, 50_000)...)
	require.NoError(t, err)
	require.EqualValues(t, 49_999, res.NextExpectedVersion)
	require.NoError(t, s.Close())

	s = openTestStore(t, path)
	t.Cleanup(func() { _ = s.Close() })

	v, ok := s.StreamVersion("bulk-1")
	require.True(t, ok)
	require.EqualValues(t, 49_999, v)

	last, err := s.ReadBackward(t.Context(), "bulk-1", es.StreamEnd, 1)
	require.NoError(t, err)
	require.Len(t, last.Events, 1)
	require.EqualValues(t, 50_000, last.Events[0].Position)
}

func TestBackend_DeleteOfMissingStreamIsNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	s := openTestStore(t, path)
	require.NoError(t, s.Delete(t.Context(), "ghost-1", es.ExpectAny))
	require.NoError(t, s.Close())

	b, err := Open(t.Context(), Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	var entries int
	require.NoError(t, b.Replay(t.Context(), func(es.Entry) error {
		entries++
		return nil
	}))
	require.Zero(t, entries)
}

func TestCpStore(t *testing.T) {
	b, err := Open(t.Context(), Config{Path: filepath.Join(t.TempDir(), "events.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	for i := range 3 {
		t.Run(fmt.Sprintf("consumer-%d", i), func(t *testing.T) {
			cp := b.Checkpoint(fmt.Sprintf("consumer-%d", i))
			_, err := cp.Get()
			require.ErrorIs(t, err, es.ErrCheckpointNotFound)

			require.NoError(t, cp.Set(int64(i)))
			require.NoError(t, cp.Set(int64(i+10)))
			v, err := cp.Get()
			require.NoError(t, err)
			require.EqualValues(t, i+10, v)
		})
	}
}
