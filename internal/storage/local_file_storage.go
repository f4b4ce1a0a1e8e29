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
	defaultDirMode  os.FileMode = 0o755
	defaultFileMode os.FileMode = 0o644
)

// LocalFileStorage is a StorageEngine that keeps objects on the local
// filesystem under root, laid out as <root>/<aa>/<bb>/<name>. Shard
// directories are created lazily on first write.
type LocalFileStorage struct {
	root  string
	locks *shardLocks
}

var _ StorageEngine = (*LocalFileStorage)(nil)

// NewLocalFileStorage creates a new LocalFileStorage rooted at root, creating
// the directory if needed.
func NewLocalFileStorage(root string) (*LocalFileStorage, error) {
	if root == "" {
		return nil, errors.New("storage root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, defaultDirMode); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalFileStorage{root: abs, locks: newShardLocks()}, nil
}

func (s *LocalFileStorage) Root() string {
	return s.root
}

func (s *LocalFileStorage) shardPath(key string) (string, error) {
	dir, err := ShardDir(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, dir), nil
}

// PutObject writes data to a temporary file in the target shard directory,
// flushes it, and renames it over the final name. The temporary file never
// outlives a failed call.
func (s *LocalFileStorage) PutObject(key string, name string, data []byte) error {
	objPath, err := ObjectPath(s.root, key, name)
	if err != nil {
		return err
	}

	dir := filepath.Dir(objPath)
	if err := os.MkdirAll(dir, defaultDirMode); err != nil {
		return fmt.Errorf("create shard directory: %w", err)
	}

	tempPath, err := writeTemp(dir, data, defaultFileMode)
	if err != nil {
		return err
	}

	if err := os.Rename(tempPath, objPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename object into place: %w", err)
	}

	if err := syncDir(dir); err != nil {
		return fmt.Errorf("sync shard directory: %w", err)
	}
	return nil
}

func (s *LocalFileStorage) GetObject(key string, name string) ([]byte, error) {
	objPath, err := ObjectPath(s.root, key, name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(objPath)
}

func (s *LocalFileStorage) StatObject(key string, name string) (fs.FileInfo, error) {
	objPath, err := ObjectPath(s.root, key, name)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(objPath)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("object is not a regular file: %s", objPath)
	}
	return info, nil
}

func (s *LocalFileStorage) DeleteObject(key string, name string) error {
	objPath, err := ObjectPath(s.root, key, name)
	if err != nil {
		return err
	}
	return removeIfExists(objPath)
}

// LockShard serializes writers of one shard, both inside this process and
// across processes sharing the root.
func (s *LocalFileStorage) LockShard(key string) (func(), error) {
	dir, err := s.shardPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, defaultDirMode); err != nil {
		return nil, fmt.Errorf("create shard directory: %w", err)
	}

	shard := key[:ShardPrefixLen]
	s.locks.lock(shard)

	release, err := lockFile(filepath.Join(dir, lockFileName))
	if err != nil {
		s.locks.unlock(shard)
		return nil, fmt.Errorf("lock shard %s: %w", shard, err)
	}

	return func() {
		release()
		s.locks.unlock(shard)
	}, nil
}

// Walk visits every regular file in the shard tree except lock files.
// Directories outside the aa/bb layout (such as the metadata directory) are
// ignored.
func (s *LocalFileStorage) Walk(fn func(Entry) error) error {
	dirs, err := shardDirs(s.root)
	if err != nil {
		return err
	}

	for _, rel := range dirs {
		dir := filepath.Join(s.root, rel)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}

		shardKey := strings.ReplaceAll(filepath.ToSlash(rel), "/", "")
		for _, e := range entries {
			if !e.Type().IsRegular() || e.Name() == lockFileName {
				continue
			}

			info, err := e.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return err
			}

			entry := Entry{
				ShardKey: shardKey,
				Name:     e.Name(),
				Path:     filepath.Join(dir, e.Name()),
				Size:     info.Size(),
				ModTime:  info.ModTime(),
				Temp:     isTempName(e.Name()),
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *LocalFileStorage) RemoveTemp(entry Entry) error {
	if !entry.Temp {
		return fmt.Errorf("not a temporary file: %s", entry.Name)
	}
	dir, err := s.shardPath(entry.ShardKey)
	if err != nil {
		return err
	}
	return removeIfExists(filepath.Join(dir, entry.Name))
}
