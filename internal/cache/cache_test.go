package cache

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemory(0)
		},
		"leveldb": func(t *testing.T) Store {
			store, err := OpenLevelDB(filepath.Join(t.TempDir(), "cache"))
			require.NoError(t, err)
			return store
		},
		"leveldb-mem": func(t *testing.T) Store {
			store, err := NewMemLevelDB()
			require.NoError(t, err)
			return store
		},
		"redis": func(t *testing.T) Store {
			server := miniredis.RunT(t)
			store, err := NewRedis(RedisConfig{Address: server.Addr(), Namespace: "test"})
			require.NoError(t, err)
			return store
		},
	}
}

func sampleEntry(body string) Entry {
	return Entry{
		URL:    "http://origin.test/app.js",
		Status: 200,
		Header: http.Header{"Content-Type": {"text/javascript"}},
		Body:   []byte(body),
	}
}

func TestStoreGetPutReplace(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			defer store.Close(ctx)

			_, ok, err := store.Get(ctx, "assets-v4", "k")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, store.Put(ctx, "assets-v4", "k", sampleEntry("one")))
			got, ok, err := store.Get(ctx, "assets-v4", "k")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "one", string(got.Body))
			require.Equal(t, "text/javascript", got.Header.Get("Content-Type"))

			replacement := Entry{URL: "http://origin.test/app.js", Status: 200, Body: []byte("two")}
			require.NoError(t, store.Put(ctx, "assets-v4", "k", replacement))
			got, ok, err = store.Get(ctx, "assets-v4", "k")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "two", string(got.Body))
			require.Empty(t, got.Header.Get("Content-Type"))

			require.NoError(t, store.Delete(ctx, "assets-v4", "k"))
			_, ok, err = store.Get(ctx, "assets-v4", "k")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStorePartitionsAndDrop(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			defer store.Close(ctx)

			require.NoError(t, store.Put(ctx, "api-v3", "a", sampleEntry("old")))
			require.NoError(t, store.Put(ctx, "api-v4", "a", sampleEntry("new")))
			require.NoError(t, store.Put(ctx, "api-v4", "b", sampleEntry("new")))

			parts, err := store.Partitions(ctx)
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"api-v3", "api-v4"}, parts)

			keys, err := store.Keys(ctx, "api-v4")
			require.NoError(t, err)
			require.Equal(t, []string{"a", "b"}, keys)

			existed, err := store.DropPartition(ctx, "api-v3")
			require.NoError(t, err)
			require.True(t, existed)

			existed, err = store.DropPartition(ctx, "api-v3")
			require.NoError(t, err)
			require.False(t, existed)

			_, ok, err := store.Get(ctx, "api-v3", "a")
			require.NoError(t, err)
			require.False(t, ok)

			got, ok, err := store.Get(ctx, "api-v4", "a")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "new", string(got.Body))

			parts, err = store.Partitions(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"api-v4"}, parts)
		})
	}
}

func TestStorePartitionSurvivesLastDelete(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			defer store.Close(ctx)

			require.NoError(t, store.Put(ctx, "images-v4", "a", sampleEntry("x")))
			require.NoError(t, store.Delete(ctx, "images-v4", "a"))

			parts, err := store.Partitions(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"images-v4"}, parts)
		})
	}
}

func TestMemoryQuota(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(64)

	small := Entry{URL: "u", Body: make([]byte, 40)}
	require.NoError(t, store.Put(ctx, "p", "a", small))

	big := Entry{URL: "u", Body: make([]byte, 40)}
	require.ErrorIs(t, store.Put(ctx, "p", "b", big), ErrQuotaExceeded)

	_, ok, err := store.Get(ctx, "p", "b")
	require.NoError(t, err)
	require.False(t, ok)

	// Replacing an entry only counts the difference.
	require.NoError(t, store.Put(ctx, "p", "a", Entry{URL: "u", Body: make([]byte, 60)}))

	existed, err := store.DropPartition(ctx, "p")
	require.NoError(t, err)
	require.True(t, existed)
	require.NoError(t, store.Put(ctx, "p", "b", big))
}

func TestMemoryIsolatesCallerMutation(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(0)
	entry := sampleEntry("abc")
	require.NoError(t, store.Put(ctx, "p", "k", entry))
	entry.Body[0] = 'z'
	entry.Header.Set("Content-Type", "mutated")

	got, _, err := store.Get(ctx, "p", "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(got.Body))
	require.Equal(t, "text/javascript", got.Header.Get("Content-Type"))
}

func TestClosedStoresReportErrClosed(t *testing.T) {
	ctx := context.Background()

	mem := NewMemory(0)
	require.NoError(t, mem.Close(ctx))
	_, _, err := mem.Get(ctx, "p", "k")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, mem.Put(ctx, "p", "k", Entry{}), ErrClosed)

	level, err := NewMemLevelDB()
	require.NoError(t, err)
	require.NoError(t, level.Close(ctx))
	require.ErrorIs(t, level.Put(ctx, "p", "k", Entry{}), ErrClosed)
}

func TestEntryStamp(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 500, time.FixedZone("x", 3600))
	entry := sampleEntry("x")
	stamped := entry.Stamp(at)

	require.True(t, stamped.FetchedAt.Equal(at))
	require.Equal(t, at.UTC().Format(time.RFC3339Nano), stamped.Header.Get(FetchedAtHeader))
	require.Empty(t, entry.Header.Get(FetchedAtHeader))
}

func TestRedisRejectsEmptyAddress(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	require.Error(t, err)
}
