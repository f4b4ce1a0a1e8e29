package blob_test

import (
	"context"
	"database/sql"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eteran/blobsilo/internal/blob"
	"github.com/eteran/blobsilo/internal/metadata"

	"github.com/stretchr/testify/require"
)

func TestSweepRemovesOnlyExpired(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blob.Config{})
	ctx := t.Context()
	sweeper := blob.NewSweeper(h.store)

	short, err := h.store.Upload(ctx, []byte("short"), "s.txt", nil, time.Minute)
	require.NoError(t, err)
	long, err := h.store.Upload(ctx, []byte("long"), "l.txt", nil, time.Hour)
	require.NoError(t, err)

	removed, err := sweeper.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Zero(t, removed, "nothing has expired yet")

	h.clock.Advance(2 * time.Minute)
	removed, err = sweeper.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, _, err = h.store.FetchBytes(ctx, short.BlobID)
	require.ErrorIs(t, err, blob.ErrNotFound, "swept blob is gone")
	_, _, err = h.store.FetchBytes(ctx, long.BlobID)
	require.NoError(t, err, "live blob survives")

	require.Len(t, h.objects(t), 1)
	require.Equal(t, 1, h.count(t))

	removed, err = sweeper.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Zero(t, removed, "sweep is idempotent")
}

func TestSweepRemovesDescriptorWithoutObject(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blob.Config{})
	ctx := t.Context()

	d, err := h.store.Upload(ctx, []byte("half gone"), "h.txt", nil, time.Minute)
	require.NoError(t, err)

	objects := h.objects(t)
	require.Len(t, objects, 1)
	require.NoError(t, os.Remove(objects[0].Path))

	h.clock.Advance(time.Hour)
	removed, err := blob.NewSweeper(h.store).Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, ok, err := h.meta.Get(ctx, d.BlobID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSweepRemovesUnparseableDescriptor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blob.Config{})
	ctx := t.Context()
	sweeper := blob.NewSweeper(h.store)

	bad, err := h.store.Upload(ctx, []byte("damaged row"), "d.txt", nil, time.Minute)
	require.NoError(t, err)
	good, err := h.store.Upload(ctx, []byte("intact row"), "i.txt", nil, 2*time.Minute)
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", "file:"+filepath.Join(h.root, ".metadata", "blobs.sqlite")+"?_busy_timeout=5000")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecContext(ctx, `UPDATE blobs SET size = 'not-a-number' WHERE blob_id = ?`, bad.BlobID)
	require.NoError(t, err, "damage descriptor row")

	_, _, err = h.store.FetchBytes(ctx, bad.BlobID)
	require.ErrorIs(t, err, blob.ErrCorruptDescriptor)

	report, err := sweeper.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Orphans, "an object with a damaged descriptor is not an orphan")

	h.clock.Advance(time.Hour)
	removed, err := sweeper.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 2, removed, "both the damaged and the intact blob are swept")

	require.Empty(t, h.objects(t))
	require.Zero(t, h.count(t))
	_, _, err = h.store.FetchBytes(ctx, good.BlobID)
	require.ErrorIs(t, err, blob.ErrNotFound)
}

// staleList reports descriptors as expired from a snapshot taken before
// their expiry was extended.
type staleList struct {
	metadata.Store
	snapshot []metadata.Descriptor
}

func (s staleList) ListExpired(context.Context, time.Time) iter.Seq2[metadata.Descriptor, error] {
	return func(yield func(metadata.Descriptor, error) bool) {
		for _, d := range s.snapshot {
			if !yield(d, nil) {
				return
			}
		}
	}
}

func TestSweepRechecksExpiryUnderLock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blob.Config{})
	ctx := t.Context()
	data := []byte("extended")

	d, err := h.store.Upload(ctx, data, "e.txt", nil, time.Minute)
	require.NoError(t, err)

	// Another writer refreshes the blob after the sweeper's scan.
	h.clock.Advance(30 * time.Second)
	refreshed, err := h.store.Upload(ctx, data, "e.txt", nil, time.Hour)
	require.NoError(t, err)
	require.Equal(t, d.BlobID, refreshed.BlobID)

	stale, err := blob.NewStore(blob.Config{Root: h.root}, staleList{Store: h.meta, snapshot: []metadata.Descriptor{d}}, blob.WithClock(h.clock))
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	removed, err := blob.NewSweeper(stale).Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Zero(t, removed, "a blob whose expiry moved must survive")

	_, _, err = h.store.FetchBytes(ctx, d.BlobID)
	require.NoError(t, err)
}

func TestReconcileRemovesTempsAndOrphans(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blob.Config{})
	ctx := t.Context()

	kept, err := h.store.Upload(ctx, []byte("kept"), "k.txt", nil, 0)
	require.NoError(t, err)
	orphan, err := h.store.Upload(ctx, []byte("orphan"), "o.txt", nil, 0)
	require.NoError(t, err)

	// Simulate a crash between rename and descriptor commit.
	require.NoError(t, h.meta.Delete(ctx, orphan.BlobID))

	np, err := h.store.ResolveNativePath(ctx, kept.BlobID)
	require.NoError(t, err)
	shardDir := filepath.Dir(np.Path)

	// And a crash mid-write, plus a file the store does not own.
	require.NoError(t, os.WriteFile(filepath.Join(shardDir, ".tmp-crashed"), []byte("partial"), 0o644))
	foreign := filepath.Join(shardDir, "README")
	require.NoError(t, os.WriteFile(foreign, []byte("not a blob"), 0o644))

	report, err := blob.NewSweeper(h.store).Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, blob.ReconcileReport{TempFiles: 1, Orphans: 1}, report)

	_, _, err = h.store.FetchBytes(ctx, kept.BlobID)
	require.NoError(t, err, "referenced object must survive")

	_, err = os.Stat(foreign)
	require.NoError(t, err, "unrecognized files are left alone")

	objects := h.objects(t)
	require.Len(t, objects, 2, "kept object and foreign file remain")
}

func TestSweeperRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blob.Config{})
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	_, err := h.store.Upload(ctx, []byte("tick"), "t.txt", nil, time.Hour)
	require.NoError(t, err)

	sweeper := blob.NewSweeper(h.store, blob.WithInterval(10*time.Minute))
	done := make(chan error, 1)
	go func() {
		done <- sweeper.Run(ctx)
	}()

	h.clock.WaitForTickers(1)
	require.Equal(t, 1, h.count(t), "initial pass keeps live blobs")

	h.clock.Advance(2 * time.Hour)
	require.Eventually(t, func() bool {
		n, err := h.meta.Count(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond, "scheduled sweep should remove the expired blob")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
