// Package blob implements a content-addressed, deduplicating blob store with
// per-blob expiry on top of a sharded object tree and a metadata index.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/eteran/blobsilo/internal/clock"
	"github.com/eteran/blobsilo/internal/digest"
	"github.com/eteran/blobsilo/internal/metadata"
	"github.com/eteran/blobsilo/internal/storage"
)

// Store uploads and retrieves blobs. It is safe for concurrent use, and
// several processes may share one root and metadata database.
type Store struct {
	cfg    Config
	meta   metadata.Store
	engine storage.StorageEngine
	clock  clock.Clock
	logger *slog.Logger
}

// NativePath locates a blob's object file.
type NativePath struct {
	// Path is the absolute path inside this process.
	Path string `json:"path"`
	// RelativePath is Path relative to the storage root.
	RelativePath string `json:"relative_path"`
	// HostPath is the path under the host root, or empty when no distinct
	// host root is configured.
	HostPath string `json:"host_path,omitempty"`
}

// Stats summarizes the store.
type Stats struct {
	Blobs       int           `json:"blobs"`
	Root        string        `json:"root"`
	HostRoot    string        `json:"host_root,omitempty"`
	MaxSize     int64         `json:"max_size"`
	DefaultTTL  time.Duration `json:"default_ttl"`
	Algorithm   string        `json:"algorithm"`
	DedupPolicy string        `json:"dedup_policy"`
}

// NewStore creates a Store over meta. Unless overridden with
// WithStorageEngine, objects live in a LocalFileStorage rooted at cfg.Root.
func NewStore(cfg Config, meta metadata.Store, opts ...Option) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, errors.New("metadata store must not be nil")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	cfg.Root = root

	s := &Store{
		cfg:    cfg,
		meta:   meta,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.engine == nil {
		engine, err := storage.NewLocalFileStorage(cfg.Root)
		if err != nil {
			return nil, err
		}
		s.engine = engine
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// Upload stores data under a content-derived identifier. Identical content
// already present and unexpired is not written again; its descriptor is
// returned with the expiry adjusted per the store's DedupPolicy. A ttl of
// zero or less selects the configured default.
func (s *Store) Upload(ctx context.Context, data []byte, filename string, tags []string, ttl time.Duration) (metadata.Descriptor, error) {
	if int64(len(data)) > s.cfg.MaxSize {
		return metadata.Descriptor{}, newError(ErrSizeExceeded, "",
			fmt.Errorf("%d bytes exceeds limit of %d bytes", len(data), s.cfg.MaxSize))
	}
	if strings.TrimSpace(filename) == "" {
		return metadata.Descriptor{}, newError(ErrInvalidArgument, "", errors.New("filename must not be empty"))
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl > MaxTTL {
		return metadata.Descriptor{}, newError(ErrInvalidArgument, "", fmt.Errorf("ttl %s exceeds maximum of %s", ttl, MaxTTL))
	}

	sum := digest.Sum(s.cfg.Algorithm, data)

	unlock, err := s.engine.LockShard(sum.String())
	if err != nil {
		return metadata.Descriptor{}, newError(ErrIOFailure, "", err)
	}
	defer unlock()

	now := s.now()

	existing, found, err := s.meta.FindByDigest(ctx, sum.String())
	switch {
	case err != nil && errors.Is(err, metadata.ErrCorrupt) && found:
		s.logger.Warn("Reclaiming corrupt descriptor", "blob_id", existing.BlobID, "error", err)
		if err := s.reclaim(ctx, existing); err != nil {
			return metadata.Descriptor{}, err
		}
	case err != nil:
		return metadata.Descriptor{}, newError(ErrIOFailure, "", fmt.Errorf("dedup lookup: %w", err))
	case found:
		d, reused, err := s.reuse(ctx, existing, now, ttl)
		if err != nil || reused {
			return d, err
		}
	}

	ext := extensionFor(filename, data)
	id := newID(now, sum, ext)
	blobID := id.String()

	prior, found, err := s.meta.Get(ctx, blobID)
	if err != nil {
		return metadata.Descriptor{}, classifyMetaErr(blobID, err)
	}
	if found && prior.Digest != sum.String() {
		return metadata.Descriptor{}, newError(ErrIOFailure, blobID, errors.New("identifier already bound to different content"))
	}

	if err := s.engine.PutObject(id.DigestPrefix, id.ObjectName(), data); err != nil {
		// The rename may already have happened.
		if rmErr := s.engine.DeleteObject(id.DigestPrefix, id.ObjectName()); rmErr != nil {
			s.logger.Error("Failed to remove object after write failure", "blob_id", blobID, "error", rmErr)
		}
		return metadata.Descriptor{}, newError(ErrIOFailure, blobID, err)
	}

	d := metadata.Descriptor{
		BlobID:    blobID,
		Digest:    sum.String(),
		Filename:  filename,
		MIMEType:  mimeTypeFor(ext, data),
		Size:      int64(len(data)),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Tags:      metadata.NormalizeTags(tags),
	}
	if err := s.meta.Put(ctx, d); err != nil {
		if rmErr := s.engine.DeleteObject(id.DigestPrefix, id.ObjectName()); rmErr != nil {
			s.logger.Error("Failed to remove object after metadata write failure", "blob_id", blobID, "error", rmErr)
		}
		return metadata.Descriptor{}, newError(ErrIOFailure, blobID, fmt.Errorf("write descriptor: %w", err))
	}

	s.logger.Debug("Stored blob", "blob_id", blobID, "size", d.Size, "mime_type", d.MIMEType)
	return d, nil
}

// reuse decides whether an existing descriptor for the same digest can
// satisfy an upload. It must be called with the shard lock held. Expired or
// dangling descriptors are reclaimed so the caller writes a fresh object.
func (s *Store) reuse(ctx context.Context, existing metadata.Descriptor, now time.Time, ttl time.Duration) (metadata.Descriptor, bool, error) {
	if existing.Expired(now) {
		s.logger.Debug("Reclaiming expired duplicate", "blob_id", existing.BlobID)
		return metadata.Descriptor{}, false, s.reclaim(ctx, existing)
	}

	id, err := ParseID(existing.BlobID)
	if err != nil {
		s.logger.Warn("Reclaiming descriptor with malformed identifier", "blob_id", existing.BlobID)
		return metadata.Descriptor{}, false, s.reclaim(ctx, existing)
	}

	if _, err := s.engine.StatObject(id.DigestPrefix, id.ObjectName()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return metadata.Descriptor{}, false, newError(ErrIOFailure, existing.BlobID, err)
		}
		s.logger.Warn("Dropping descriptor whose object is missing", "blob_id", existing.BlobID)
		return metadata.Descriptor{}, false, s.reclaim(ctx, existing)
	}

	if s.cfg.DedupPolicy == RefreshTTL {
		if extended := now.Add(ttl); extended.After(existing.ExpiresAt) {
			existing.ExpiresAt = extended
			if err := s.meta.Put(ctx, existing); err != nil {
				return metadata.Descriptor{}, false, newError(ErrIOFailure, existing.BlobID, fmt.Errorf("refresh expiry: %w", err))
			}
		}
	}
	return existing, true, nil
}

// reclaim removes the object and descriptor of d. The shard lock must be
// held.
func (s *Store) reclaim(ctx context.Context, d metadata.Descriptor) error {
	if id, err := ParseID(d.BlobID); err == nil {
		if err := s.engine.DeleteObject(id.DigestPrefix, id.ObjectName()); err != nil {
			return newError(ErrIOFailure, d.BlobID, err)
		}
	}
	if err := s.meta.Delete(ctx, d.BlobID); err != nil {
		return newError(ErrIOFailure, d.BlobID, err)
	}
	return nil
}

// lookup resolves blobID to a live descriptor.
func (s *Store) lookup(ctx context.Context, blobID string) (ID, metadata.Descriptor, error) {
	id, err := ParseID(blobID)
	if err != nil {
		return ID{}, metadata.Descriptor{}, err
	}

	d, found, err := s.meta.Get(ctx, blobID)
	if err != nil {
		return ID{}, metadata.Descriptor{}, classifyMetaErr(blobID, err)
	}
	if !found {
		return ID{}, metadata.Descriptor{}, newError(ErrNotFound, blobID, nil)
	}
	if !strings.HasPrefix(d.Digest, id.DigestPrefix) {
		return ID{}, metadata.Descriptor{}, newError(ErrCorruptDescriptor, blobID, errors.New("digest does not match identifier"))
	}
	if d.Expired(s.now()) {
		return ID{}, metadata.Descriptor{}, newError(ErrExpired, blobID, nil)
	}
	return id, d, nil
}

// FetchDescriptor returns the descriptor of a live blob without reading its
// bytes.
func (s *Store) FetchDescriptor(ctx context.Context, blobID string) (metadata.Descriptor, error) {
	id, d, err := s.lookup(ctx, blobID)
	if err != nil {
		return metadata.Descriptor{}, err
	}
	if _, err := s.engine.StatObject(id.DigestPrefix, id.ObjectName()); err != nil {
		return metadata.Descriptor{}, classifyObjectErr(blobID, err)
	}
	return d, nil
}

// FetchBytes returns the content and descriptor of a live blob.
func (s *Store) FetchBytes(ctx context.Context, blobID string) ([]byte, metadata.Descriptor, error) {
	id, d, err := s.lookup(ctx, blobID)
	if err != nil {
		return nil, metadata.Descriptor{}, err
	}

	data, err := s.engine.GetObject(id.DigestPrefix, id.ObjectName())
	if err != nil {
		return nil, metadata.Descriptor{}, classifyObjectErr(blobID, err)
	}
	if int64(len(data)) != d.Size {
		return nil, metadata.Descriptor{}, newError(ErrIOFailure, blobID,
			fmt.Errorf("object is %d bytes, descriptor records %d", len(data), d.Size))
	}
	return data, d, nil
}

// ResolveNativePath returns where a live blob's object lives on disk.
func (s *Store) ResolveNativePath(ctx context.Context, blobID string) (NativePath, error) {
	id, _, err := s.lookup(ctx, blobID)
	if err != nil {
		return NativePath{}, err
	}
	if _, err := s.engine.StatObject(id.DigestPrefix, id.ObjectName()); err != nil {
		return NativePath{}, classifyObjectErr(blobID, err)
	}

	rel, err := storage.RelativeObjectPath(id.DigestPrefix, id.ObjectName())
	if err != nil {
		return NativePath{}, newError(ErrIOFailure, blobID, err)
	}

	np := NativePath{
		Path:         filepath.Join(s.engine.Root(), rel),
		RelativePath: filepath.ToSlash(rel),
	}
	if s.cfg.HostRoot != "" && filepath.Clean(s.cfg.HostRoot) != filepath.Clean(s.cfg.Root) {
		np.HostPath = filepath.Join(s.cfg.HostRoot, rel)
	}
	return np, nil
}

// Stats reports the number of descriptors and the store's configuration.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	n, err := s.meta.Count(ctx)
	if err != nil {
		return Stats{}, newError(ErrIOFailure, "", err)
	}
	return Stats{
		Blobs:       n,
		Root:        s.cfg.Root,
		HostRoot:    s.cfg.HostRoot,
		MaxSize:     s.cfg.MaxSize,
		DefaultTTL:  s.cfg.DefaultTTL,
		Algorithm:   string(s.cfg.Algorithm),
		DedupPolicy: s.cfg.DedupPolicy.String(),
	}, nil
}

func classifyMetaErr(blobID string, err error) error {
	if errors.Is(err, metadata.ErrCorrupt) {
		return newError(ErrCorruptDescriptor, blobID, err)
	}
	return newError(ErrIOFailure, blobID, err)
}

func classifyObjectErr(blobID string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return newError(ErrNotFound, blobID, nil)
	}
	return newError(ErrIOFailure, blobID, err)
}
