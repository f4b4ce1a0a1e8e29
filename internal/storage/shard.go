package storage

import (
	"fmt"
	"path/filepath"
)

// ShardPrefixLen is the number of leading hex characters of a key consumed
// by the two shard directory levels.
const ShardPrefixLen = 4

// ShardDir returns the two-level relative directory for key, e.g. "a3/f9"
// for "a3f9d8c2...". The first four characters of key must be lowercase hex.
func ShardDir(key string) (string, error) {
	if len(key) < ShardPrefixLen {
		return "", fmt.Errorf("invalid shard key length: %d", len(key))
	}
	for i := 0; i < ShardPrefixLen; i++ {
		if !isHex(key[i]) {
			return "", fmt.Errorf("invalid shard key %q: non-hex character at %d", key, i)
		}
	}
	return filepath.Join(key[:2], key[2:4]), nil
}

// RelativeObjectPath returns the root-relative path of the object named name
// in the shard selected by key.
func RelativeObjectPath(key string, name string) (string, error) {
	dir, err := ShardDir(key)
	if err != nil {
		return "", err
	}
	if name == "" || name != filepath.Base(name) || name[0] == '.' {
		return "", fmt.Errorf("invalid object name: %q", name)
	}
	return filepath.Join(dir, name), nil
}

// ObjectPath computes the full filesystem path for the object named name in
// the shard selected by key. The root is only ever used as a prefix.
func ObjectPath(root string, key string, name string) (string, error) {
	rel, err := RelativeObjectPath(key, name)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, rel), nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

func isShardComponent(name string) bool {
	return len(name) == 2 && isHex(name[0]) && isHex(name[1])
}
