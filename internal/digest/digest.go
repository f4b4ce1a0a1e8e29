// Package digest computes the content digests that blob identifiers and
// deduplication are derived from.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a 256-bit hash function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Size is the length in bytes of every supported digest.
const Size = 32

// Digest is a hex-encoded 256-bit content hash.
type Digest string

// ParseAlgorithm maps a configuration value onto an Algorithm. The empty
// string selects SHA256.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unknown digest algorithm: %q", name)
	}
}

func newHasher(a Algorithm) hash.Hash {
	if a == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// Sum hashes data in place. The buffer is read once and never copied.
func Sum(a Algorithm, data []byte) Digest {
	h := newHasher(a)
	_, _ = h.Write(data)
	return Digest(hex.EncodeToString(h.Sum(nil)))
}

// Valid reports whether d is a lowercase hex string of the right length.
func (d Digest) Valid() bool {
	if len(d) != Size*2 {
		return false
	}
	for i := 0; i < len(d); i++ {
		c := d[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Prefix returns the first n hex characters, or the whole digest if it is
// shorter than n.
func (d Digest) Prefix(n int) string {
	if n > len(d) {
		n = len(d)
	}
	return string(d[:n])
}

func (d Digest) String() string {
	return string(d)
}
