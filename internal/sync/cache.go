package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Cache is the scope-cache backend contract: values are returned only
// before their expiry, a set with TTL <= 0 is a delete, and reads of
// missing or expired entries return ok=false.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	value    []byte
	deadline time.Time
}

// MemoryCache is an in-process LRU cache with TTL eviction. The LRU bounds
// memory; the per-entry deadline enforces expiry exactly.
type MemoryCache struct {
	lru *expirable.LRU[string, memoryEntry]
}

// NewMemoryCache creates a cache holding at most size entries expiring
// after ttl.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 4096
	}
	return &MemoryCache{lru: expirable.NewLRU[string, memoryEntry](size, nil, ttl)}
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, ok := c.lru.Get(key)
	if !ok || time.Now().After(e.deadline) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return c.Delete(ctx, key)
	}
	c.lru.Add(key, memoryEntry{value: value, deadline: time.Now().Add(ttl)})
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// RedisCache backs the scope cache with a shared redis, for multi-instance
// deployments where resolver results should be reused across servers.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache wraps an existing client.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return c.Delete(ctx, key)
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// ScopeResolver resolves the authorized scope mapping for a (partition,
// table, actor) triple through the handler, memoizing results for a
// bounded TTL. The cache is advisory: duplicate resolves are idempotent
// and staleness up to the TTL is acceptable.
type ScopeResolver struct {
	Cache Cache
	TTL   time.Duration
}

// NewScopeResolver builds a resolver over the given backend.
func NewScopeResolver(cache Cache, ttl time.Duration) *ScopeResolver {
	return &ScopeResolver{Cache: cache, TTL: ttl}
}

func scopeCacheKey(partition, table, actor string) string {
	return "syncd:scopes:" + partition + ":" + table + ":" + actor
}

// Resolve returns the actor's scope mapping for the handler's table.
func (r *ScopeResolver) Resolve(ctx context.Context, h Handler, auth Auth) (ScopeMap, error) {
	if r == nil || r.Cache == nil {
		return h.ResolveScopes(ctx, auth)
	}

	key := scopeCacheKey(auth.PartitionID, h.Table(), auth.ActorID)
	if raw, ok, err := r.Cache.Get(ctx, key); err == nil && ok {
		var m ScopeMap
		if err := json.Unmarshal(raw, &m); err == nil {
			return m, nil
		}
	} else if err != nil {
		slog.Warn("scope cache get failed", "key", key, "err", err)
	}

	m, err := h.ResolveScopes(ctx, auth)
	if err != nil {
		return nil, err
	}

	// Fire-and-forget: a failed cache write only costs a re-resolve.
	if raw, err := json.Marshal(m); err == nil {
		if err := r.Cache.Set(ctx, key, raw, r.TTL); err != nil {
			slog.Warn("scope cache set failed", "key", key, "err", err)
		}
	}
	return m, nil
}

// Invalidate drops the cached mapping for a triple, e.g. after a
// membership change.
func (r *ScopeResolver) Invalidate(ctx context.Context, partition, table, actor string) {
	if r == nil || r.Cache == nil {
		return
	}
	key := scopeCacheKey(partition, table, actor)
	if err := r.Cache.Delete(ctx, key); err != nil {
		slog.Warn("scope cache delete failed", "key", key, "err", err)
	}
}
