package storage

import "sync"

// shardLocks is a set of reference-counted mutexes keyed by shard. Entries
// are dropped once nobody holds or waits on them.
type shardLocks struct {
	mu    sync.Mutex
	locks map[string]*shardLock
}

type shardLock struct {
	mu   sync.Mutex
	refs int
}

func newShardLocks() *shardLocks {
	return &shardLocks{locks: make(map[string]*shardLock)}
}

func (l *shardLocks) lock(shard string) {
	l.mu.Lock()
	entry, ok := l.locks[shard]
	if !ok {
		entry = &shardLock{}
		l.locks[shard] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
}

func (l *shardLocks) unlock(shard string) {
	l.mu.Lock()
	entry := l.locks[shard]
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, shard)
	}
	l.mu.Unlock()

	entry.mu.Unlock()
}
