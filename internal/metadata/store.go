package metadata

import (
	"context"
	"iter"
	"time"
)

// Store persists descriptors. Implementations must be safe for concurrent
// use and must make each Put visible atomically.
type Store interface {
	// Put inserts or replaces the descriptor keyed by its BlobID.
	Put(ctx context.Context, d Descriptor) error

	// Get looks up a descriptor. A missing descriptor is reported as
	// (Descriptor{}, false, nil).
	Get(ctx context.Context, blobID string) (Descriptor, bool, error)

	// Delete removes a descriptor. Deleting a missing descriptor succeeds.
	Delete(ctx context.Context, blobID string) error

	// ListExpired yields every descriptor whose ExpiresAt is strictly before
	// now, ordered by expiry then identifier. The sequence may be consumed
	// while the caller deletes the descriptors it receives.
	ListExpired(ctx context.Context, now time.Time) iter.Seq2[Descriptor, error]

	// FindByDigest returns the most recently created descriptor for digest.
	FindByDigest(ctx context.Context, digest string) (Descriptor, bool, error)

	// Count returns the number of stored descriptors.
	Count(ctx context.Context) (int, error)

	Close() error
}
