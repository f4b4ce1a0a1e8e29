package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eteran/blobsilo/internal/blob"
	"github.com/eteran/blobsilo/internal/config"
	"github.com/eteran/blobsilo/internal/digest"

	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blobsilo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadWithEnv("", env(nil))
	require.NoError(t, err)

	require.Equal(t, config.DefaultRoot, cfg.Storage.Root)
	require.Empty(t, cfg.Storage.HostRoot)
	require.Equal(t, filepath.Join(config.DefaultRoot, ".metadata", "blobs.sqlite"), cfg.Metadata.DSN)
	require.False(t, cfg.Server.MaskErrors)
	require.True(t, cfg.Sweeper.Reconcile)

	bc, err := cfg.BlobConfig()
	require.NoError(t, err)
	require.Equal(t, blob.DefaultMaxSize, bc.MaxSize)
	require.Equal(t, blob.DefaultTTL, bc.DefaultTTL)
	require.Equal(t, digest.SHA256, bc.Algorithm)
	require.Equal(t, blob.RefreshTTL, bc.DedupPolicy)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadWithEnv("", env(map[string]string{
		"BLOB_STORAGE_ROOT":           "/data/blobs",
		"HOST_BLOB_STORAGE_ROOT":      "/workspace/blob-storage",
		"BLOB_MAX_SIZE_MB":            "5",
		"BLOB_TTL_HOURS":              "2",
		"RESOURCE_SERVER_MASK_ERRORS": "Yes",
		"BLOBSILO_LISTEN":             "127.0.0.1:8080",
		"BLOBSILO_DIGEST_ALGORITHM":   "blake3",
		"BLOBSILO_DEDUP_POLICY":       "preserve",
		"BLOBSILO_SWEEP_INTERVAL":     "90s",
		"BLOBSILO_SWEEP_RECONCILE":    "false",
		"BLOBSILO_ALLOWED_ORIGINS":    "https://a.example.com, https://b.example.com",
		"BLOBSILO_AUTH_USERS":         "alice:one,bob:two",
		"BLOBSILO_LOG_LEVEL":          "debug",
	}))
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:8080", cfg.Listen)
	require.Equal(t, "/workspace/blob-storage", cfg.Storage.HostRoot)
	require.Equal(t, filepath.Join("/data/blobs", ".metadata", "blobs.sqlite"), cfg.Metadata.DSN, "metadata follows the root")
	require.True(t, cfg.Server.MaskErrors)
	require.Equal(t, 90*time.Second, cfg.Sweeper.Interval)
	require.False(t, cfg.Sweeper.Reconcile)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
	require.Equal(t, []config.UserConfig{{Username: "alice", Password: "one"}, {Username: "bob", Password: "two"}}, cfg.Server.Users)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)

	bc, err := cfg.BlobConfig()
	require.NoError(t, err)
	require.Equal(t, blob.Config{
		Root:        "/data/blobs",
		HostRoot:    "/workspace/blob-storage",
		MaxSize:     5 << 20,
		DefaultTTL:  2 * time.Hour,
		Algorithm:   digest.BLAKE3,
		DedupPolicy: blob.PreserveTTL,
	}, bc)
}

func TestMaskErrorsValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"YES", true},
		{"false", false},
		{"0", false},
		{"on", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Parallel()

			cfg, err := config.LoadWithEnv("", env(map[string]string{"RESOURCE_SERVER_MASK_ERRORS": tt.value}))
			require.NoError(t, err)
			require.Equal(t, tt.want, cfg.Server.MaskErrors)
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, `
listen: ":7000"
storage:
  root: /srv/blobs
  max_size_mb: 10
  ttl_hours: 0.5
metadata:
  driver: postgres
  dsn: postgres://blobsilo@localhost/blobsilo
sweeper:
  interval: 5m
  reconcile: false
server:
  mask_errors: true
  users:
    - username: admin
      password: secret
`)

	cfg, err := config.LoadWithEnv(path, env(map[string]string{"BLOB_TTL_HOURS": "3"}))
	require.NoError(t, err)

	require.Equal(t, ":7000", cfg.Listen)
	require.Equal(t, "/srv/blobs", cfg.Storage.Root)
	require.Equal(t, int64(10), cfg.Storage.MaxSizeMB)
	require.Equal(t, float64(3), cfg.Storage.TTLHours, "environment wins over the file")
	require.Equal(t, "postgres", cfg.Metadata.Driver)
	require.Equal(t, "postgres://blobsilo@localhost/blobsilo", cfg.Metadata.DSN)
	require.Equal(t, 5*time.Minute, cfg.Sweeper.Interval)
	require.False(t, cfg.Sweeper.Reconcile)
	require.True(t, cfg.Server.MaskErrors)
	require.Len(t, cfg.Server.Users, 1)
}

func TestConfigFileFromEnvironment(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "listen: \":7001\"\n")

	cfg, err := config.LoadWithEnv("", env(map[string]string{"BLOBSILO_CONFIG": path}))
	require.NoError(t, err)
	require.Equal(t, ":7001", cfg.Listen)
}

func TestEmptyFileKeepsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadWithEnv(writeFile(t, ""), env(nil))
	require.NoError(t, err)
	require.Equal(t, config.Default().Listen, cfg.Listen)
}

func TestMaxSizeAtLimit(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadWithEnv("", env(map[string]string{"BLOB_MAX_SIZE_MB": "1048576"}))
	require.NoError(t, err, "largest accepted size")

	bc, err := cfg.BlobConfig()
	require.NoError(t, err)
	require.Equal(t, blob.MaxSizeLimit, bc.MaxSize, "megabytes convert to bytes without overflow")
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "missing file", file: filepath.Join(t.TempDir(), "absent.yaml")},
		{name: "unknown key", file: writeFile(t, "bogus: true\n")},
		{name: "bad size", env: map[string]string{"BLOB_MAX_SIZE_MB": "lots"}},
		{name: "zero size", env: map[string]string{"BLOB_MAX_SIZE_MB": "0"}},
		{name: "huge size", env: map[string]string{"BLOB_MAX_SIZE_MB": "17592186044416"}},
		{name: "size past limit", env: map[string]string{"BLOB_MAX_SIZE_MB": "1048577"}},
		{name: "negative ttl", env: map[string]string{"BLOB_TTL_HOURS": "-1"}},
		{name: "bad interval", env: map[string]string{"BLOBSILO_SWEEP_INTERVAL": "often"}},
		{name: "bad algorithm", env: map[string]string{"BLOBSILO_DIGEST_ALGORITHM": "md5"}},
		{name: "bad policy", env: map[string]string{"BLOBSILO_DEDUP_POLICY": "forever"}},
		{name: "bad driver", env: map[string]string{"BLOBSILO_METADATA_DRIVER": "mysql"}},
		{name: "postgres without dsn", env: map[string]string{"BLOBSILO_METADATA_DRIVER": "postgres"}},
		{name: "bad users", env: map[string]string{"BLOBSILO_AUTH_USERS": "alice"}},
		{name: "bad log level", env: map[string]string{"BLOBSILO_LOG_LEVEL": "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.LoadWithEnv(tt.file, env(tt.env))
			require.Error(t, err)
		})
	}
}
