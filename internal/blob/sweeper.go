package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eteran/blobsilo/internal/metadata"
	"github.com/eteran/blobsilo/internal/storage"
)

// DefaultSweepInterval is how often Run sweeps when no interval is set.
const DefaultSweepInterval = 10 * time.Minute

// Sweeper removes expired blobs and repairs the shard tree after crashes.
type Sweeper struct {
	store     *Store
	interval  time.Duration
	reconcile bool
	logger    *slog.Logger
}

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

// WithInterval sets the period of Run.
func WithInterval(d time.Duration) SweeperOption {
	return func(sw *Sweeper) {
		if d > 0 {
			sw.interval = d
		}
	}
}

// WithReconcile controls whether Run reconciles the shard tree after each
// sweep. It is enabled by default.
func WithReconcile(enabled bool) SweeperOption {
	return func(sw *Sweeper) {
		sw.reconcile = enabled
	}
}

// NewSweeper creates a Sweeper operating on store's objects and metadata.
func NewSweeper(store *Store, opts ...SweeperOption) *Sweeper {
	sw := &Sweeper{
		store:     store,
		interval:  DefaultSweepInterval,
		reconcile: true,
		logger:    store.logger,
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Sweep removes every blob that has expired at now and returns how many were
// removed. A failure on one blob does not stop the pass; failures are
// reported together once the pass completes.
func (sw *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	var (
		removed int
		errs    []error
	)

	for d, err := range sw.store.meta.ListExpired(ctx, now) {
		if err != nil && !errors.Is(err, metadata.ErrCorrupt) {
			errs = append(errs, newError(ErrIOFailure, "", fmt.Errorf("list expired: %w", err)))
			break
		}
		if err != nil && d.BlobID == "" {
			sw.logger.Error("Skipping expired descriptor without an identifier", "error", err)
			errs = append(errs, newError(ErrCorruptDescriptor, "", err))
			continue
		}
		if err != nil {
			sw.logger.Warn("Sweeping corrupt descriptor", "blob_id", d.BlobID, "error", err)
		}

		ok, err := sw.remove(ctx, d.BlobID, now)
		if err != nil {
			sw.logger.Error("Failed to remove expired blob", "blob_id", d.BlobID, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		sw.logger.Info("Swept expired blobs", "removed", removed)
	}
	return removed, errors.Join(errs...)
}

// SweepNow sweeps the blobs that have expired by the store's clock.
func (sw *Sweeper) SweepNow(ctx context.Context) (int, error) {
	return sw.Sweep(ctx, sw.store.now())
}

// remove deletes one expired blob under its shard lock. The descriptor is
// re-read first so a blob whose expiry was extended after the scan
// survives. The object goes before the descriptor.
func (sw *Sweeper) remove(ctx context.Context, blobID string, now time.Time) (bool, error) {
	id, err := ParseID(blobID)
	if err != nil {
		// No object can be located for a malformed identifier.
		if err := sw.store.meta.Delete(ctx, blobID); err != nil {
			return false, newError(ErrIOFailure, blobID, err)
		}
		return true, nil
	}

	unlock, err := sw.store.engine.LockShard(id.DigestPrefix)
	if err != nil {
		return false, newError(ErrIOFailure, blobID, err)
	}
	defer unlock()

	current, found, err := sw.store.meta.Get(ctx, blobID)
	if err != nil && !errors.Is(err, metadata.ErrCorrupt) {
		return false, newError(ErrIOFailure, blobID, err)
	}
	if !found || !current.Expired(now) {
		return false, nil
	}

	if err := sw.store.engine.DeleteObject(id.DigestPrefix, id.ObjectName()); err != nil {
		return false, newError(ErrIOFailure, blobID, err)
	}
	if err := sw.store.meta.Delete(ctx, blobID); err != nil {
		return false, newError(ErrIOFailure, blobID, err)
	}
	return true, nil
}

// ReconcileReport counts what a reconciliation pass removed.
type ReconcileReport struct {
	TempFiles int `json:"temp_files"`
	Orphans   int `json:"orphans"`
}

// Reconcile walks the shard tree and removes temporary files abandoned by
// crashed writers and objects that have no descriptor. Each removal happens
// under the shard lock, which every writer holds from temp write to
// descriptor commit, so in-flight uploads are never touched. Files whose
// names are not blob object names are left alone.
func (sw *Sweeper) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	err := sw.store.engine.Walk(func(e storage.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if e.Temp {
			return sw.withShard(e.ShardKey, func() error {
				if err := sw.store.engine.RemoveTemp(e); err != nil {
					return err
				}
				report.TempFiles++
				return nil
			})
		}

		id, err := idFromObjectName(e.Name)
		if err != nil || id.DigestPrefix[:storage.ShardPrefixLen] != e.ShardKey {
			sw.logger.Debug("Ignoring unrecognized file", "path", e.Path)
			return nil
		}

		return sw.withShard(e.ShardKey, func() error {
			_, found, err := sw.store.meta.Get(ctx, id.String())
			if err != nil && !errors.Is(err, metadata.ErrCorrupt) {
				return err
			}
			if found {
				return nil
			}
			if err := sw.store.engine.DeleteObject(id.DigestPrefix, id.ObjectName()); err != nil {
				return err
			}
			report.Orphans++
			return nil
		})
	})
	if err != nil {
		return report, newError(ErrIOFailure, "", fmt.Errorf("reconcile: %w", err))
	}

	if report.TempFiles > 0 || report.Orphans > 0 {
		sw.logger.Info("Reconciled storage", "temp_files", report.TempFiles, "orphans", report.Orphans)
	}
	return report, nil
}

func (sw *Sweeper) withShard(key string, fn func() error) error {
	unlock, err := sw.store.engine.LockShard(key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Run performs a pass immediately and then once per interval until ctx is
// cancelled. Pass failures are logged and do not stop the loop.
func (sw *Sweeper) Run(ctx context.Context) error {
	sw.logger.Info("Starting sweeper", "interval", sw.interval, "reconcile", sw.reconcile)

	sw.runOnce(ctx)

	ticker := sw.store.clock.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("Stopping sweeper")
			return nil
		case <-ticker.C:
			sw.runOnce(ctx)
		}
	}
}

func (sw *Sweeper) runOnce(ctx context.Context) {
	if _, err := sw.SweepNow(ctx); err != nil && ctx.Err() == nil {
		sw.logger.Error("Sweep failed", "error", err)
	}
	if !sw.reconcile {
		return
	}
	if _, err := sw.Reconcile(ctx); err != nil && ctx.Err() == nil {
		sw.logger.Error("Reconcile failed", "error", err)
	}
}
