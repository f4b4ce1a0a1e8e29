package blob

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/eteran/blobsilo/internal/digest"
)

const (
	// Scheme prefixes every blob identifier.
	Scheme = "blob://"

	digestPrefixLen = 16
	maxExtLen       = 16
)

var idPattern = regexp.MustCompile(`^blob://(\d{1,19})-([0-9a-f]{16})\.([a-z0-9]{1,16})$`)

// ID is a parsed blob identifier of the form
// blob://<epoch_seconds>-<digest_prefix>.<ext>.
type ID struct {
	Epoch        int64
	DigestPrefix string
	Ext          string
}

// ParseID validates and decomposes an identifier string.
func ParseID(s string) (ID, error) {
	m := idPattern.FindStringSubmatch(s)
	if m == nil {
		return ID{}, newError(ErrInvalidIdentifier, s, nil)
	}

	epoch, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return ID{}, newError(ErrInvalidIdentifier, s, err)
	}
	return ID{Epoch: epoch, DigestPrefix: m[2], Ext: m[3]}, nil
}

func newID(created time.Time, d digest.Digest, ext string) ID {
	return ID{Epoch: created.Unix(), DigestPrefix: d.Prefix(digestPrefixLen), Ext: ext}
}

// ObjectName is the on-disk file name of the object, without shard
// directories.
func (id ID) ObjectName() string {
	return fmt.Sprintf("%d-%s.%s", id.Epoch, id.DigestPrefix, id.Ext)
}

func (id ID) String() string {
	return Scheme + id.ObjectName()
}

// idFromObjectName maps a file found in the shard tree back to the
// identifier it was stored under.
func idFromObjectName(name string) (ID, error) {
	return ParseID(Scheme + name)
}
