package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	tempPrefix   = ".tmp-"
	lockFileName = ".lock"
)

// writeTemp writes data to a new temporary file inside dir and flushes it to
// stable storage. On any error the temporary file is removed and the
// returned path is empty.
func writeTemp(dir string, data []byte, mode os.FileMode) (string, error) {
	f, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := f.Name()

	success := false
	defer func() {
		if !success {
			_ = f.Close()
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Chmod(mode); err != nil {
		return "", fmt.Errorf("chmod temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	success = true
	return tempPath, nil
}

// syncDir flushes directory entries so a completed rename survives a crash.
// Filesystems that cannot fsync a directory are tolerated.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) && !errors.Is(err, errors.ErrUnsupported) {
		return err
	}
	return nil
}

// removeIfExists deletes path, treating "already gone" as success.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}

// shardDirs lists the existing second-level shard directories under root as
// root-relative paths.
func shardDirs(root string) ([]string, error) {
	top, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, first := range top {
		if !first.IsDir() || !isShardComponent(first.Name()) {
			continue
		}

		second, err := os.ReadDir(filepath.Join(root, first.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}

		for _, entry := range second {
			if entry.IsDir() && isShardComponent(entry.Name()) {
				dirs = append(dirs, filepath.Join(first.Name(), entry.Name()))
			}
		}
	}
	return dirs, nil
}
