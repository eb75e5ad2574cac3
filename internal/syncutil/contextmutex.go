package syncutil

import (
	"context"
	"sync"
)

// ContextShardedMutex is the cancellable counterpart to ShardedMutex.
// Each shard is a one-slot channel, so a waiter can give up when its
// context expires instead of blocking behind a slow refund call.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextShardedMutex returns a mutex pool ready for use.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			ch := make(chan struct{}, 1)
			ch <- struct{}{}
			m.shards[i] = ch
		}
	})
}

// LockContext acquires the shard for key. It returns the unlock
// function on success, or the context error if ctx is done before the
// shard frees up. Callers must invoke the unlock function exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[shardIndex(key)]

	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
