package blob

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/eteran/blobsilo/internal/clock"
	"github.com/eteran/blobsilo/internal/digest"
	"github.com/eteran/blobsilo/internal/storage"
)

const (
	DefaultMaxSize int64 = 100 << 20
	DefaultTTL           = 24 * time.Hour

	// MaxSizeLimit bounds Config.MaxSize. Uploads are buffered in memory and
	// read with one byte of slack past the limit.
	MaxSizeLimit int64 = 1 << 40

	// MaxTTL keeps expiry times within the range of nanosecond timestamps.
	MaxTTL = 100 * 365 * 24 * time.Hour
)

// DedupPolicy decides what a duplicate upload does to the expiry of the
// descriptor it matches.
type DedupPolicy int

const (
	// RefreshTTL extends the existing expiry to now+ttl if that is later.
	// Expiry never moves backwards.
	RefreshTTL DedupPolicy = iota
	// PreserveTTL leaves the existing expiry untouched.
	PreserveTTL
)

func (p DedupPolicy) String() string {
	switch p {
	case PreserveTTL:
		return "preserve"
	default:
		return "refresh"
	}
}

// ParseDedupPolicy maps "refresh" or "preserve" onto a DedupPolicy. The
// empty string selects RefreshTTL.
func ParseDedupPolicy(s string) (DedupPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "refresh":
		return RefreshTTL, nil
	case "preserve":
		return PreserveTTL, nil
	default:
		return 0, fmt.Errorf("unknown dedup policy: %q", s)
	}
}

// Config holds the immutable settings of a Store.
type Config struct {
	// Root is the directory objects are stored under.
	Root string
	// HostRoot is the same directory as seen from outside this process's
	// mount namespace. Empty when there is no distinct host view.
	HostRoot string

	MaxSize     int64
	DefaultTTL  time.Duration
	Algorithm   digest.Algorithm
	DedupPolicy DedupPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxSize == 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.Algorithm == "" {
		c.Algorithm = digest.SHA256
	}
	return c
}

func (c Config) validate() error {
	if c.Root == "" {
		return errors.New("storage root must not be empty")
	}
	if c.MaxSize < 0 || c.MaxSize > MaxSizeLimit {
		return fmt.Errorf("max size out of range: %d", c.MaxSize)
	}
	if c.DefaultTTL < 0 || c.DefaultTTL > MaxTTL {
		return fmt.Errorf("default ttl out of range: %s", c.DefaultTTL)
	}
	if _, err := digest.ParseAlgorithm(string(c.Algorithm)); err != nil {
		return err
	}
	return nil
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for creation and expiry times.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithLogger sets the logger used by the store and its sweeper.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithStorageEngine replaces the default local filesystem engine. The
// engine's root should match Config.Root.
func WithStorageEngine(engine storage.StorageEngine) Option {
	return func(s *Store) {
		s.engine = engine
	}
}
