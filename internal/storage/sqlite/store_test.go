package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := New(path)
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New("")
	require.Error(t, err)
}

func TestKeyValueAndOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "crawl.db"))
	defer func() { require.NoError(t, store.Close()) }()
	require.NoError(t, store.Init(ctx))

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "1"))
	require.NoError(t, store.Set(ctx, "k", "2"))
	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", value)

	for _, p := range []struct {
		value    string
		priority int
	}{
		{"a", 5}, {"b", 5}, {"c", 10}, {"d", 1}, {"e", 10}, {"f", 5},
	} {
		require.NoError(t, store.Enqueue(ctx, "queue", p.value, p.priority))
	}

	var got []string
	for {
		value, ok, err := store.Dequeue(ctx, "queue")
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, value)
	}
	require.Equal(t, []string{"c", "e", "a", "b", "f", "d"}, got)
}

func TestQueueSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "crawl.db")

	first := openStore(t, path)
	require.NoError(t, first.Enqueue(ctx, "queue", "low", 1))
	require.NoError(t, first.Enqueue(ctx, "queue", "high", 9))
	require.NoError(t, first.Set(ctx, "seen", "1"))
	require.NoError(t, first.Close())

	second := openStore(t, path)
	defer func() { require.NoError(t, second.Close()) }()
	require.Equal(t, path, second.Path())

	size, err := second.Size(ctx, "queue")
	require.NoError(t, err)
	require.Equal(t, 2, size)
	value, ok, err := second.Dequeue(ctx, "queue")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "high", value)
	_, ok, err = second.Get(ctx, "seen")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRemoveAndClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "crawl.db"))
	defer func() { require.NoError(t, store.Close()) }()

	require.NoError(t, store.Enqueue(ctx, "one", "x", 0))
	require.NoError(t, store.Enqueue(ctx, "two", "y", 0))
	require.NoError(t, store.Set(ctx, "one", "kv"))

	require.NoError(t, store.Remove(ctx, "one"))
	size, err := store.Size(ctx, "one")
	require.NoError(t, err)
	require.Zero(t, size)
	_, ok, err := store.Get(ctx, "one")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Clear(ctx))
	size, err = store.Size(ctx, "two")
	require.NoError(t, err)
	require.Zero(t, size)
}
