package cache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		DriverMemory: func(t *testing.T) Store {
			return NewMemoryStore()
		},
		DriverDisk: func(t *testing.T) Store {
			store, err := NewDiskStore(t.TempDir())
			require.NoError(t, err)
			return store
		},
		DriverLevelDB: func(t *testing.T) Store {
			store, err := NewLevelDBStore(filepath.Join(t.TempDir(), "leveldb"))
			require.NoError(t, err)
			return store
		},
		DriverSQLite: func(t *testing.T) Store {
			store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
			require.NoError(t, err)
			return store
		},
	}
}

// forEachDriver 对每个驱动运行同一组契约测试。
func forEachDriver(t *testing.T, fn func(t *testing.T, store Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			t.Cleanup(func() { _ = store.Close() })
			fn(t, store)
		})
	}
}

func testKey(path string) Key {
	req := httptest.NewRequest(http.MethodGet, "http://app.local"+path, nil)
	return KeyFor(req)
}

func testSnapshot(body string) *Snapshot {
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	return NewSnapshot(http.StatusOK, header, []byte(body), "http://app.local/")
}

func TestStorePutAndMatch(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		gen, err := store.Open(ctx, "v1")
		require.NoError(t, err)
		require.Equal(t, "v1", gen.Tag())

		require.NoError(t, gen.Put(ctx, testKey("/index.html"), testSnapshot("hello")))

		snap, err := gen.Match(ctx, testKey("/index.html"))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, snap.Status)
		require.Equal(t, "hello", string(snap.Body))
		require.Equal(t, "text/plain", snap.Header.Get("Content-Type"))

		_, err = gen.Match(ctx, testKey("/missing.js"))
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreLastWriteWins(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		gen, err := store.Open(ctx, "v1")
		require.NoError(t, err)

		key := testKey("/app.js")
		require.NoError(t, gen.Put(ctx, key, testSnapshot("first")))
		require.NoError(t, gen.Put(ctx, key, testSnapshot("second")))

		snap, err := gen.Match(ctx, key)
		require.NoError(t, err)
		require.Equal(t, "second", string(snap.Body))
	})
}

func TestStoreOpenIsIdempotent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		first, err := store.Open(ctx, "v1")
		require.NoError(t, err)
		require.NoError(t, first.Put(ctx, testKey("/"), testSnapshot("root")))

		second, err := store.Open(ctx, "v1")
		require.NoError(t, err)
		snap, err := second.Match(ctx, testKey("/"))
		require.NoError(t, err)
		require.Equal(t, "root", string(snap.Body))

		tags, err := store.Tags(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"v1"}, tags)
	})
}

func TestStoreDeleteGeneration(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		old, err := store.Open(ctx, "v1")
		require.NoError(t, err)
		require.NoError(t, old.Put(ctx, testKey("/"), testSnapshot("old")))
		_, err = store.Open(ctx, "v2")
		require.NoError(t, err)

		deleted, err := store.Delete(ctx, "v1")
		require.NoError(t, err)
		require.True(t, deleted)

		deleted, err = store.Delete(ctx, "v1")
		require.NoError(t, err)
		require.False(t, deleted)

		tags, err := store.Tags(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"v2"}, tags)

		_, err = store.Get(ctx, "v1")
		require.ErrorIs(t, err, ErrGenerationNotFound)

		// 已删除的代不能被迟到的写入复活。
		require.ErrorIs(t, old.Put(ctx, testKey("/late.js"), testSnapshot("late")), ErrGenerationGone)
		tags, err = store.Tags(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"v2"}, tags)
	})
}

func TestStoreGetExisting(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		_, err := store.Get(ctx, "v1")
		require.ErrorIs(t, err, ErrGenerationNotFound)

		opened, err := store.Open(ctx, "v1")
		require.NoError(t, err)
		require.NoError(t, opened.Put(ctx, testKey("/"), testSnapshot("root")))

		gen, err := store.Get(ctx, "v1")
		require.NoError(t, err)
		snap, err := gen.Match(ctx, testKey("/"))
		require.NoError(t, err)
		require.Equal(t, "root", string(snap.Body))
	})
}

func TestStoreRejectsInvalidTag(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Store) {
		for _, tag := range []string{"", "../escape", "a/b", ".hidden"} {
			_, err := store.Open(context.Background(), tag)
			require.ErrorIs(t, err, ErrInvalidTag, "tag %q", tag)
		}
	})
}

func TestStoreConcurrentWriters(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		gen, err := store.Open(ctx, "v1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := testKey(fmt.Sprintf("/asset-%d.js", i%2))
				_ = gen.Put(ctx, key, testSnapshot(fmt.Sprintf("body-%d", i)))
				_, _ = gen.Match(ctx, key)
			}(i)
		}
		wg.Wait()

		for i := 0; i < 2; i++ {
			snap, err := gen.Match(ctx, testKey(fmt.Sprintf("/asset-%d.js", i)))
			require.NoError(t, err)
			require.Contains(t, string(snap.Body), "body-")
		}
	})
}

func TestMatchReturnsIsolatedCopies(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		gen, err := store.Open(ctx, "v1")
		require.NoError(t, err)
		require.NoError(t, gen.Put(ctx, testKey("/"), testSnapshot("immutable")))

		first, err := gen.Match(ctx, testKey("/"))
		require.NoError(t, err)
		first.Body[0] = 'X'
		first.Header.Set("Content-Type", "mutated")

		second, err := gen.Match(ctx, testKey("/"))
		require.NoError(t, err)
		require.Equal(t, "immutable", string(second.Body))
		require.Equal(t, "text/plain", second.Header.Get("Content-Type"))
	})
}

func TestDiskStoreSweepsTrash(t *testing.T) {
	dir := t.TempDir()
	leftover := filepath.Join(dir, trashPrefix+"v0-abc")
	require.NoError(t, os.MkdirAll(leftover, 0o755))

	store, err := NewDiskStore(dir)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(leftover)
	require.True(t, os.IsNotExist(err), "trash directory should be swept")

	tags, err := store.Tags(context.Background())
	require.NoError(t, err)
	require.Empty(t, tags)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("redis", t.TempDir())
	require.ErrorIs(t, err, ErrUnknownDriver)
}

func TestOpenDrivers(t *testing.T) {
	for _, driver := range Drivers() {
		t.Run(driver, func(t *testing.T) {
			store, err := Open(driver, t.TempDir())
			require.NoError(t, err)
			require.NoError(t, store.Close())
		})
	}
}
