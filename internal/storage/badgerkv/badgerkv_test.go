package badgerkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lagcast-lab/lagcast/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "lag/shopA/widgets", []byte(`{"current":"5"}`)))

	value, err := store.Get(ctx, "lag/shopA/widgets")
	require.NoError(t, err)
	require.Equal(t, `{"current":"5"}`, string(value))

	// Overwrite.
	require.NoError(t, store.Put(ctx, "lag/shopA/widgets", []byte(`{"current":"8"}`)))
	value, err = store.Get(ctx, "lag/shopA/widgets")
	require.NoError(t, err)
	require.Equal(t, `{"current":"8"}`, string(value))
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "lag/missing/key")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "model/shopA")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Put(ctx, "model/shopA", []byte("blob")))

	ok, err = store.Exists(ctx, "model/shopA")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestScan_PrefixOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "lag/shopA/widgets", []byte("a")))
	require.NoError(t, store.Put(ctx, "lag/shopB/gadgets", []byte("b")))
	require.NoError(t, store.Put(ctx, "model/shopA", []byte("m")))

	seen := map[string]string{}
	err := store.Scan(ctx, "lag/", func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"lag/shopA/widgets": "a",
		"lag/shopB/gadgets": "b",
	}, seen)
}

func TestScan_CallbackErrorAborts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "lag/a", []byte("1")))
	require.NoError(t, store.Put(ctx, "lag/b", []byte("2")))

	calls := 0
	err := store.Scan(ctx, "lag/", func(key string, value []byte) error {
		calls++
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := New(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "model/shopA", []byte("blob")))
	require.NoError(t, store.Close())

	reopened, err := New(Config{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	value, err := reopened.Get(ctx, "model/shopA")
	require.NoError(t, err)
	require.Equal(t, "blob", string(value))
}
