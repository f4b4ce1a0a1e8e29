// Package metadata indexes blob descriptors by identifier, digest and
// expiry time.
package metadata

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/eteran/blobsilo/internal/digest"
)

// ErrCorrupt is returned when a stored descriptor cannot be decoded into a
// valid Descriptor.
var ErrCorrupt = errors.New("corrupt descriptor")

// Descriptor is the metadata record kept for every stored object.
type Descriptor struct {
	BlobID    string    `json:"blob_id"`
	Digest    string    `json:"digest"`
	Filename  string    `json:"filename"`
	MIMEType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Tags      []string  `json:"tags"`
}

// Expired reports whether the descriptor's lifetime has ended at now.
func (d Descriptor) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// Validate checks the structural invariants of a descriptor.
func (d Descriptor) Validate() error {
	switch {
	case !strings.HasPrefix(d.BlobID, "blob://"):
		return fmt.Errorf("invalid blob id %q", d.BlobID)
	case !digest.Digest(d.Digest).Valid():
		return fmt.Errorf("invalid digest %q", d.Digest)
	case d.MIMEType == "":
		return errors.New("missing mime type")
	case d.Size < 0:
		return fmt.Errorf("negative size %d", d.Size)
	case d.CreatedAt.IsZero():
		return errors.New("missing creation time")
	case d.ExpiresAt.Before(d.CreatedAt):
		return errors.New("expiry precedes creation")
	}
	return nil
}

// NormalizeTags returns tags sorted with duplicates and empty strings
// removed. The result is never nil.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
