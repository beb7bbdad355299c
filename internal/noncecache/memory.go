package noncecache

import (
	"context"
	"sync"
)

// MemoryNonceCache is a mutex-guarded map used in tests to prove
// invariant §8.2 (strictly increasing, no duplicates under concurrent
// callers) without a Redis dependency.
type MemoryNonceCache struct {
	mu     sync.Mutex
	values map[string]uint64
}

// NewMemoryNonceCache constructs an empty cache.
func NewMemoryNonceCache() *MemoryNonceCache {
	return &MemoryNonceCache{values: make(map[string]uint64)}
}

func (c *MemoryNonceCache) Get(ctx context.Context, signer SignerKey) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[signer.cacheKey()], nil
}

func (c *MemoryNonceCache) IncrementAndGet(ctx context.Context, signer SignerKey) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := signer.cacheKey()
	c.values[key]++
	return c.values[key], nil
}

func (c *MemoryNonceCache) Reset(ctx context.Context, signer SignerKey, to uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[signer.cacheKey()] = to
	return nil
}
