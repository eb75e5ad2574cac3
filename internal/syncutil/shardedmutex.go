// Package syncutil provides keyed locking for entities that must not
// transition concurrently, such as an escrow being confirmed by the
// buyer while the release scheduler sweeps it.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex maps string keys onto a fixed pool of mutexes. Memory
// stays bounded no matter how many entity IDs pass through; the
// trade-off is that two keys landing in the same shard contend with
// each other.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
