//go:build !unix

package storage

// lockFile is a no-op where flock is unavailable; writers in one process are
// still serialized by shardLocks.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
