package storage

import (
	"io/fs"
	"time"
)

// StorageEngine manages object payloads in a two-level sharded directory
// tree. Objects are addressed by a hex key, which selects the shard, and a
// file name within that shard.
type StorageEngine interface {
	// Root returns the directory the engine stores objects under.
	Root() string

	// PutObject durably stores data as the object name in the shard selected
	// by key. The object becomes visible atomically: readers observe either
	// nothing or the complete payload.
	PutObject(key string, name string, data []byte) error

	// GetObject reads the full payload of an object. A missing object yields
	// an error matching fs.ErrNotExist.
	GetObject(key string, name string) ([]byte, error)

	// StatObject reports file information for an object without reading it.
	StatObject(key string, name string) (fs.FileInfo, error)

	// DeleteObject removes an object. Removing a missing object succeeds.
	DeleteObject(key string, name string) error

	// LockShard takes the exclusive advisory lock for the shard selected by
	// key and returns a function that releases it.
	LockShard(key string) (func(), error)

	// Walk calls fn for every object and leftover temporary file found in the
	// shard tree.
	Walk(fn func(Entry) error) error

	// RemoveTemp deletes a leftover temporary file reported by Walk.
	RemoveTemp(entry Entry) error
}

// Entry describes a file found by Walk.
type Entry struct {
	// ShardKey is the four hex characters naming the shard, usable as the key
	// argument of the other engine methods.
	ShardKey string
	Name     string
	Path     string
	Size     int64
	ModTime  time.Time

	// Temp is set for unfinished writes left behind by a crashed writer.
	Temp bool
}
