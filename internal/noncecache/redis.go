package noncecache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAPI is the subset of *redis.Client this package needs.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisNonceCache backs NonceCache with Redis INCR, the durable shared
// atomic-increment counter spec.md §4.3 calls for.
type RedisNonceCache struct {
	client redisAPI
}

// NewRedisNonceCache wraps a redis.Client.
func NewRedisNonceCache(client *redis.Client) *RedisNonceCache {
	return &RedisNonceCache{client: client}
}

func (c *RedisNonceCache) Get(ctx context.Context, signer SignerKey) (uint64, error) {
	v, err := c.client.Get(ctx, signer.cacheKey()).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get nonce: %w", err)
	}
	return v, nil
}

func (c *RedisNonceCache) IncrementAndGet(ctx context.Context, signer SignerKey) (uint64, error) {
	v, err := c.client.Incr(ctx, signer.cacheKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr nonce: %w", err)
	}
	return uint64(v), nil
}

func (c *RedisNonceCache) Reset(ctx context.Context, signer SignerKey, to uint64) error {
	if err := c.client.Set(ctx, signer.cacheKey(), to, 0).Err(); err != nil {
		return fmt.Errorf("redis reset nonce: %w", err)
	}
	return nil
}
