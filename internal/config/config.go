// Package config loads the blobsilo daemon configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file named by --config or BLOBSILO_CONFIG, and environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/eteran/blobsilo/internal/blob"
	"github.com/eteran/blobsilo/internal/digest"
	"github.com/eteran/blobsilo/internal/metadata"

	"gopkg.in/yaml.v3"
)

// DefaultRoot is the storage root used when none is configured.
const DefaultRoot = "/mnt/blob-storage"

// Config is the complete daemon configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	Storage  StorageConfig  `yaml:"storage"`
	Metadata MetadataConfig `yaml:"metadata"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// StorageConfig configures the blob store.
type StorageConfig struct {
	// Root is the directory objects are sharded under.
	Root string `yaml:"root"`

	// HostRoot is the same directory as seen from outside the container,
	// used to report host paths. Empty disables host paths.
	HostRoot string `yaml:"host_root"`

	MaxSizeMB   int64   `yaml:"max_size_mb"`
	TTLHours    float64 `yaml:"ttl_hours"`
	Algorithm   string  `yaml:"algorithm"`
	DedupPolicy string  `yaml:"dedup_policy"`
}

// MetadataConfig selects the descriptor database.
type MetadataConfig struct {
	// Driver is one of sqlite3, sqlite or postgres.
	Driver string `yaml:"driver"`

	// DSN is a file path for the SQLite drivers or a connection string for
	// Postgres. Defaults to <root>/.metadata/blobs.sqlite.
	DSN string `yaml:"dsn"`
}

type SweeperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Reconcile bool          `yaml:"reconcile"`
}

type ServerConfig struct {
	MaskErrors     bool         `yaml:"mask_errors"`
	AllowedOrigins []string     `yaml:"allowed_origins"`
	Users          []UserConfig `yaml:"users"`
}

// UserConfig is one set of basic auth credentials.
type UserConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used before any file or environment
// variable is applied.
func Default() *Config {
	return &Config{
		Listen: ":9000",
		Storage: StorageConfig{
			Root:        DefaultRoot,
			MaxSizeMB:   blob.DefaultMaxSize >> 20,
			TTLHours:    blob.DefaultTTL.Hours(),
			Algorithm:   string(digest.SHA256),
			DedupPolicy: blob.RefreshTTL.String(),
		},
		Metadata: MetadataConfig{
			Driver: string(metadata.DriverSQLite3),
		},
		Sweeper: SweeperConfig{
			Interval:  blob.DefaultSweepInterval,
			Reconcile: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LookupFunc reads an environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration from path, or from BLOBSILO_CONFIG when path
// is empty, followed by the process environment. Having no file at all is
// not an error.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with the environment supplied by lookup.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()

	if path == "" {
		path, _ = lookup("BLOBSILO_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if driver, err := metadata.ParseDriver(cfg.Metadata.Driver); err == nil && cfg.Metadata.DSN == "" && driver != metadata.DriverPostgres {
		cfg.Metadata.DSN = filepath.Join(cfg.Storage.Root, ".metadata", "blobs.sqlite")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges a YAML file into c. Unknown keys are rejected.
func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides c with any environment variables that are set.
func (c *Config) applyEnv(lookup LookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = parseBool(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("BLOB_STORAGE_ROOT", &c.Storage.Root)
	if v, ok := lookup("HOST_BLOB_STORAGE_ROOT"); ok {
		c.Storage.HostRoot = v
	}
	if v, ok := lookup("BLOB_MAX_SIZE_MB"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("BLOB_MAX_SIZE_MB: %w", err))
		}
		c.Storage.MaxSizeMB = n
	}
	if v, ok := lookup("BLOB_TTL_HOURS"); ok && v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("BLOB_TTL_HOURS: %w", err))
		}
		c.Storage.TTLHours = n
	}
	boolean("RESOURCE_SERVER_MASK_ERRORS", &c.Server.MaskErrors)

	str("BLOBSILO_LISTEN", &c.Listen)
	str("BLOBSILO_DIGEST_ALGORITHM", &c.Storage.Algorithm)
	str("BLOBSILO_DEDUP_POLICY", &c.Storage.DedupPolicy)
	str("BLOBSILO_METADATA_DRIVER", &c.Metadata.Driver)
	str("BLOBSILO_METADATA_DSN", &c.Metadata.DSN)
	if v, ok := lookup("BLOBSILO_SWEEP_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BLOBSILO_SWEEP_INTERVAL: %w", err))
		}
		c.Sweeper.Interval = d
	}
	boolean("BLOBSILO_SWEEP_RECONCILE", &c.Sweeper.Reconcile)
	list("BLOBSILO_ALLOWED_ORIGINS", &c.Server.AllowedOrigins)
	if v, ok := lookup("BLOBSILO_AUTH_USERS"); ok && v != "" {
		users, err := parseUsers(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BLOBSILO_AUTH_USERS: %w", err))
		}
		c.Server.Users = users
	}
	str("BLOBSILO_LOG_LEVEL", &c.Log.Level)

	return errors.Join(errs...)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	if c.Storage.MaxSizeMB <= 0 || c.Storage.MaxSizeMB > blob.MaxSizeLimit>>20 {
		errs = append(errs, fmt.Errorf("storage.max_size_mb must be between 1 and %d, got %d", blob.MaxSizeLimit>>20, c.Storage.MaxSizeMB))
	}
	if c.Storage.TTLHours <= 0 || c.Storage.TTLHours > blob.MaxTTL.Hours() {
		errs = append(errs, fmt.Errorf("storage.ttl_hours must be in (0, %g], got %g", blob.MaxTTL.Hours(), c.Storage.TTLHours))
	}
	if _, err := digest.ParseAlgorithm(c.Storage.Algorithm); err != nil {
		errs = append(errs, fmt.Errorf("storage.algorithm: %w", err))
	}
	if _, err := blob.ParseDedupPolicy(c.Storage.DedupPolicy); err != nil {
		errs = append(errs, fmt.Errorf("storage.dedup_policy: %w", err))
	}
	if _, err := metadata.ParseDriver(c.Metadata.Driver); err != nil {
		errs = append(errs, fmt.Errorf("metadata.driver: %w", err))
	}
	if c.Metadata.DSN == "" {
		errs = append(errs, errors.New("metadata.dsn is required"))
	}
	if c.Sweeper.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sweeper.interval must be positive, got %s", c.Sweeper.Interval))
	}
	for i, u := range c.Server.Users {
		if u.Username == "" || u.Password == "" {
			errs = append(errs, fmt.Errorf("server.users[%d]: username and password are required", i))
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// BlobConfig converts the storage section into a blob.Config.
func (c *Config) BlobConfig() (blob.Config, error) {
	algorithm, err := digest.ParseAlgorithm(c.Storage.Algorithm)
	if err != nil {
		return blob.Config{}, err
	}
	policy, err := blob.ParseDedupPolicy(c.Storage.DedupPolicy)
	if err != nil {
		return blob.Config{}, err
	}

	return blob.Config{
		Root:        c.Storage.Root,
		HostRoot:    c.Storage.HostRoot,
		MaxSize:     c.Storage.MaxSizeMB << 20,
		DefaultTTL:  time.Duration(c.Storage.TTLHours * float64(time.Hour)),
		Algorithm:   algorithm,
		DedupPolicy: policy,
	}, nil
}

// SlogLevel parses the configured log level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseUsers reads comma separated username:password pairs.
func parseUsers(v string) ([]UserConfig, error) {
	var users []UserConfig
	for _, pair := range splitList(v) {
		name, pass, ok := strings.Cut(pair, ":")
		if !ok || name == "" || pass == "" {
			return nil, fmt.Errorf("malformed credentials %q, want username:password", name)
		}
		users = append(users, UserConfig{Username: name, Password: pass})
	}
	return users, nil
}
