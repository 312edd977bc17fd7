// Package syncutil provides the per-key locking the escrow service uses to
// serialize operations on the same accounts and channels.
package syncutil

import (
	"context"
	"hash/fnv"
	"slices"
)

// DefaultShards is the shard count used by NewKeyLocks.
const DefaultShards = 256

// KeyLocks is a fixed pool of channel-based mutexes addressed by key hash.
// Locks honour context cancellation. Several keys can be taken at once with
// LockAll, which acquires shards in ascending index order so two callers
// locking overlapping key sets cannot deadlock.
type KeyLocks struct {
	shards []chan struct{}
}

// NewKeyLocks creates a pool of DefaultShards locks.
func NewKeyLocks() *KeyLocks {
	return NewKeyLocksN(DefaultShards)
}

// NewKeyLocksN creates a pool with n shards. Tests use small n to force
// collisions.
func NewKeyLocksN(n int) *KeyLocks {
	if n <= 0 {
		n = DefaultShards
	}
	k := &KeyLocks{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{}
	}
	return k
}

// Lock acquires the lock for a single key.
func (k *KeyLocks) Lock(ctx context.Context, key string) (func(), error) {
	return k.LockAll(ctx, key)
}

// LockAll acquires the locks for every key. Keys that share a shard are
// locked once. On success the returned func releases everything; on context
// cancellation nothing is held and ctx.Err() is returned.
func (k *KeyLocks) LockAll(ctx context.Context, keys ...string) (func(), error) {
	idx := make([]int, 0, len(keys))
	for _, key := range keys {
		idx = append(idx, k.shard(key))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	held := make([]int, 0, len(idx))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.shards[held[i]] <- struct{}{}
		}
	}
	for _, i := range idx {
		select {
		case <-k.shards[i]:
			held = append(held, i)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (k *KeyLocks) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(k.shards)))
}
