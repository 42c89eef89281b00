package cache

import (
	"context"
	"errors"
	"time"
)

// LayeredCache reads through process memory (L1) to Redis (L2). A Redis read
// failure is treated as a miss so detection keeps working while Redis is
// down; locks always go to Redis so they hold across instances.
type LayeredCache struct {
	mem   *MemoryCache
	redis *RedisCache
	l1TTL time.Duration
}

// NewLayeredCache bounds how stale the in-process copy may get with l1TTL.
func NewLayeredCache(mem *MemoryCache, redisCache *RedisCache, l1TTL time.Duration) *LayeredCache {
	return &LayeredCache{mem: mem, redis: redisCache, l1TTL: l1TTL}
}

func (lc *LayeredCache) l1(expiration time.Duration) time.Duration {
	if lc.l1TTL > 0 && (expiration <= 0 || lc.l1TTL < expiration) {
		return lc.l1TTL
	}
	return expiration
}

// Set writes Redis first; memory is only filled once Redis accepted the value.
func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := lc.redis.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	return lc.mem.Set(ctx, key, value, lc.l1(expiration))
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := lc.mem.Get(ctx, key, dest); err == nil {
		return nil
	}
	if err := lc.redis.Get(ctx, key, dest); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return err
		}
		return errors.Join(ErrCacheMiss, err)
	}
	_ = lc.mem.Set(ctx, key, dest, lc.l1(0))
	return nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.mem.Delete(ctx, keys...)
	return lc.redis.Delete(ctx, keys...)
}

func (lc *LayeredCache) DeleteByPattern(ctx context.Context, pattern string) error {
	_ = lc.mem.DeleteByPattern(ctx, pattern)
	return lc.redis.DeleteByPattern(ctx, pattern)
}

func (lc *LayeredCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return lc.redis.TryLock(ctx, key, ttl)
}

func (lc *LayeredCache) Unlock(ctx context.Context, key string) error {
	return lc.redis.Unlock(ctx, key)
}

// Close stops the memory layer. The Redis client is owned by the caller.
func (lc *LayeredCache) Close() error {
	return lc.mem.Close()
}
