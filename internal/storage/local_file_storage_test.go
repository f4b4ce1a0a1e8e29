package storage_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eteran/blobsilo/internal/storage"

	"github.com/stretchr/testify/require"
)

const testKey = "a3f9d8c2b1e4f6a7"

func newEngine(t *testing.T) (*storage.LocalFileStorage, string) {
	t.Helper()

	root := t.TempDir()
	engine, err := storage.NewLocalFileStorage(root)
	require.NoError(t, err, "NewLocalFileStorage error")
	return engine, root
}

func TestLocalFileStoragePutAndGet(t *testing.T) {
	t.Parallel()

	engine, root := newEngine(t)
	payload := []byte("hello local storage")
	name := "1733437200-a3f9d8c2b1e4f6a7.txt"

	require.NoError(t, engine.PutObject(testKey, name, payload), "PutObject error")

	objPath := filepath.Join(root, "a3", "f9", name)
	info, err := os.Stat(objPath)
	require.NoError(t, err, "expected object file to exist")
	require.False(t, info.IsDir(), "object path should be a file")
	require.Equal(t, int64(len(payload)), info.Size())

	got, err := engine.GetObject(testKey, name)
	require.NoError(t, err, "GetObject error")
	require.Equal(t, payload, got, "payload mismatch")

	stat, err := engine.StatObject(testKey, name)
	require.NoError(t, err, "StatObject error")
	require.Equal(t, info.Size(), stat.Size())
}

func TestLocalFileStorageRelativeRootIsMadeAbsolute(t *testing.T) {
	t.Parallel()

	cwd, err := os.Getwd()
	require.NoError(t, err)
	want := filepath.Join(t.TempDir(), "blobs")
	rel, err := filepath.Rel(cwd, want)
	require.NoError(t, err)
	require.False(t, filepath.IsAbs(rel))

	engine, err := storage.NewLocalFileStorage(rel)
	require.NoError(t, err, "NewLocalFileStorage error")
	require.True(t, filepath.IsAbs(engine.Root()), "root %q should be absolute", engine.Root())
	require.Equal(t, want, engine.Root())

	info, err := os.Stat(want)
	require.NoError(t, err, "root should be created")
	require.True(t, info.IsDir())
}

func TestLocalFileStorageEmptyPayload(t *testing.T) {
	t.Parallel()

	engine, _ := newEngine(t)
	name := "1-e3b0c44298fc1c14.bin"

	require.NoError(t, engine.PutObject("e3b0c44298fc1c14", name, nil))
	got, err := engine.GetObject("e3b0c44298fc1c14", name)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestLocalFileStorageLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	engine, _ := newEngine(t)
	require.NoError(t, engine.PutObject(testKey, "1-a3f9d8c2b1e4f6a7.bin", []byte("x")))

	var entries []storage.Entry
	require.NoError(t, engine.Walk(func(e storage.Entry) error {
		entries = append(entries, e)
		return nil
	}))

	require.Len(t, entries, 1, "only the committed object should remain")
	require.False(t, entries[0].Temp)
	require.Equal(t, "a3f9", entries[0].ShardKey)
}

func TestLocalFileStorageInvalidKey(t *testing.T) {
	t.Parallel()

	engine, _ := newEngine(t)

	err := engine.PutObject("a", "1-a.bin", []byte("data"))
	require.Error(t, err, "expected error for too-short key")

	_, err = engine.GetObject("a", "1-a.bin")
	require.Error(t, err, "expected error for too-short key on GetObject")

	_, err = engine.LockShard("xyz")
	require.Error(t, err, "expected error for invalid key on LockShard")
}

func TestLocalFileStorageGetMissing(t *testing.T) {
	t.Parallel()

	engine, _ := newEngine(t)

	_, err := engine.GetObject(testKey, "1-a3f9d8c2b1e4f6a7.bin")
	require.ErrorIs(t, err, fs.ErrNotExist)

	_, err = engine.StatObject(testKey, "1-a3f9d8c2b1e4f6a7.bin")
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLocalFileStorageDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	engine, _ := newEngine(t)
	name := "1-a3f9d8c2b1e4f6a7.bin"

	require.NoError(t, engine.PutObject(testKey, name, []byte("bye")))
	require.NoError(t, engine.DeleteObject(testKey, name), "first delete")
	require.NoError(t, engine.DeleteObject(testKey, name), "second delete should be a no-op")

	_, err := engine.GetObject(testKey, name)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLocalFileStorageWalkFindsTempsAndSkipsOtherDirs(t *testing.T) {
	t.Parallel()

	engine, root := newEngine(t)
	require.NoError(t, engine.PutObject(testKey, "1-a3f9d8c2b1e4f6a7.bin", []byte("obj")))

	// A crashed writer's leftover and an unrelated directory.
	stale := filepath.Join(root, "a3", "f9", ".tmp-12345")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".metadata"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".metadata", "blobs.sqlite"), []byte("db"), 0o644))

	unlock, err := engine.LockShard(testKey)
	require.NoError(t, err)
	unlock()

	var temps, objects int
	require.NoError(t, engine.Walk(func(e storage.Entry) error {
		if e.Temp {
			temps++
			require.NoError(t, engine.RemoveTemp(e), "RemoveTemp error")
		} else {
			objects++
		}
		return nil
	}))

	require.Equal(t, 1, temps, "temp files found")
	require.Equal(t, 1, objects, "objects found; lock file and metadata excluded")

	_, err = os.Stat(stale)
	require.ErrorIs(t, err, fs.ErrNotExist, "temp file should be removed")
}

func TestLocalFileStorageRemoveTempRejectsObjects(t *testing.T) {
	t.Parallel()

	engine, _ := newEngine(t)
	err := engine.RemoveTemp(storage.Entry{ShardKey: "a3f9", Name: "1-a3f9d8c2b1e4f6a7.bin"})
	require.Error(t, err)
}

func TestLockShardSerializesWriters(t *testing.T) {
	t.Parallel()

	engine, _ := newEngine(t)

	unlock, err := engine.LockShard(testKey)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release, err := engine.LockShard("a3f9ffff")
		if err == nil {
			release()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second locker acquired the shard while it was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second locker never acquired the shard")
	}
}

func TestLockShardDistinctShardsDoNotBlock(t *testing.T) {
	t.Parallel()

	engine, _ := newEngine(t)

	var wg sync.WaitGroup
	for _, key := range []string{"0000", "0001", "ff00", "abcd"} {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := engine.LockShard(key)
			if err != nil {
				t.Errorf("LockShard(%s): %v", key, err)
				return
			}
			defer unlock()
		}()
	}
	wg.Wait()
}
