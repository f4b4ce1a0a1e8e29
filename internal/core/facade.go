package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/eteran/blobsilo/internal/blob"
	"github.com/eteran/blobsilo/internal/metadata"
)

// FileTags are attached to every blob stored through UploadFile.
var FileTags = []string{"resource-server", "file"}

// FileInfo is the caller-facing view of a descriptor.
type FileInfo struct {
	metadata.Descriptor
	HostPath string `json:"host_path,omitempty"`
}

// SweepResult reports what an administrative sweep removed.
type SweepResult struct {
	Removed   int                   `json:"removed"`
	Reconcile *blob.ReconcileReport `json:"reconcile,omitempty"`
}

// Facade is the entry point for callers of the blob store. It holds no
// state of its own and translates every failure into an *Error.
type Facade struct {
	store   *blob.Store
	sweeper *blob.Sweeper
	mask    bool
	logger  *slog.Logger
}

// NewFacade creates a Facade over cfg.Store. A sweeper is created when
// cfg.Sweeper is nil.
func NewFacade(cfg Config) (*Facade, error) {
	if cfg.Store == nil {
		return nil, errors.New("blob store must not be nil")
	}

	f := &Facade{
		store:   cfg.Store,
		sweeper: cfg.Sweeper,
		mask:    cfg.MaskErrors,
		logger:  cfg.Logger,
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.sweeper == nil {
		f.sweeper = blob.NewSweeper(cfg.Store)
	}
	return f, nil
}

// Upload stores data. ttl <= 0 selects the store's default.
func (f *Facade) Upload(ctx context.Context, data []byte, filename string, tags []string, ttl time.Duration) (metadata.Descriptor, error) {
	d, err := f.store.Upload(ctx, data, filename, tags, ttl)
	if err != nil {
		return metadata.Descriptor{}, f.translate("upload", err)
	}
	return d, nil
}

// UploadFile stores a file handed over by a resource server and returns its
// identifier and content digest.
func (f *Facade) UploadFile(ctx context.Context, data []byte, filename string, ttl time.Duration) (string, string, error) {
	if len(data) == 0 {
		return "", "", f.newError(CodeInvalidArgument, "file data must not be empty", nil)
	}

	d, err := f.Upload(ctx, data, filename, FileTags, ttl)
	if err != nil {
		return "", "", err
	}
	return d.BlobID, d.Digest, nil
}

// FetchBytes returns the content of a blob along with its descriptor.
func (f *Facade) FetchBytes(ctx context.Context, blobID string) ([]byte, metadata.Descriptor, error) {
	data, d, err := f.store.FetchBytes(ctx, blobID)
	if err != nil {
		return nil, metadata.Descriptor{}, f.translate("fetch", err)
	}
	return data, d, nil
}

// FetchDescriptor returns a blob's metadata, including its host path when a
// distinct host root is configured.
func (f *Facade) FetchDescriptor(ctx context.Context, blobID string) (FileInfo, error) {
	d, err := f.store.FetchDescriptor(ctx, blobID)
	if err != nil {
		return FileInfo{}, f.translate("describe", err)
	}

	info := FileInfo{Descriptor: d}
	if f.store.Config().HostRoot != "" {
		np, err := f.store.ResolveNativePath(ctx, blobID)
		if err != nil {
			return FileInfo{}, f.translate("describe", err)
		}
		info.HostPath = np.HostPath
	}
	return info, nil
}

// ResolveNativePath returns where a blob's object lives on disk.
func (f *Facade) ResolveNativePath(ctx context.Context, blobID string) (blob.NativePath, error) {
	np, err := f.store.ResolveNativePath(ctx, blobID)
	if err != nil {
		return blob.NativePath{}, f.translate("resolve", err)
	}
	return np, nil
}

// Sweep removes expired blobs and optionally reconciles the shard tree.
func (f *Facade) Sweep(ctx context.Context, reconcile bool) (SweepResult, error) {
	removed, err := f.sweeper.SweepNow(ctx)
	if err != nil {
		return SweepResult{Removed: removed}, f.translate("sweep", err)
	}

	result := SweepResult{Removed: removed}
	if reconcile {
		report, err := f.sweeper.Reconcile(ctx)
		if err != nil {
			return result, f.translate("reconcile", err)
		}
		result.Reconcile = &report
	}
	return result, nil
}

// Stats summarizes the underlying store.
func (f *Facade) Stats(ctx context.Context) (blob.Stats, error) {
	stats, err := f.store.Stats(ctx)
	if err != nil {
		return blob.Stats{}, f.translate("stats", err)
	}
	return stats, nil
}

// translate classifies err into an *Error. Corrupt descriptors are reported
// as missing; the detail goes to the log only.
func (f *Facade) translate(op string, err error) *Error {
	code := codeFor(err)

	switch {
	case errors.Is(err, blob.ErrCorruptDescriptor):
		f.logger.Error("Corrupt blob descriptor", "op", op, "error", err)
		return f.newError(code, maskedMessages[code], err)
	case code == CodeIOFailure:
		f.logger.Error("Blob storage failure", "op", op, "error", err)
	}
	return f.newError(code, err.Error(), err)
}

func (f *Facade) newError(code Code, message string, cause error) *Error {
	if f.mask {
		message = maskedMessages[code]
	}
	return &Error{Code: code, Message: message, cause: cause}
}
