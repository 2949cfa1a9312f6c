package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores JSON-encoded values in Redis so several server
// processes share one result cache. Clear bumps a generation counter
// that is part of every key; stale generations expire through their TTL.
type RedisCache[K ~string, V any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

var _ Cache[string, int] = (*RedisCache[string, int])(nil)

// NewRedisCache connects to addr and verifies the connection.
func NewRedisCache[K ~string, V any](ctx context.Context, addr, prefix string, ttl time.Duration, logger *slog.Logger) (*RedisCache[K, V], error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis", "addr", addr, "prefix", prefix)
	return newRedisCache[K, V](client, prefix, ttl, logger), nil
}

func newRedisCache[K ~string, V any](client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisCache[K, V] {
	return &RedisCache[K, V]{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With("component", "redis_cache"),
	}
}

func (c *RedisCache[K, V]) generationKey() string {
	return c.prefix + ":gen"
}

func (c *RedisCache[K, V]) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *RedisCache[K, V]) entryKey(gen int64, key K) string {
	return fmt.Sprintf("%s:%d:%s", c.prefix, gen, string(key))
}

// Get treats every Redis or decoding failure as a miss.
func (c *RedisCache[K, V]) Get(ctx context.Context, key K) (V, bool) {
	var zero V
	gen, err := c.generation(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "Redis generation lookup failed", "error", err)
		return zero, false
	}

	raw, err := c.client.Get(ctx, c.entryKey(gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false
	}
	if err != nil {
		c.logger.WarnContext(ctx, "Redis get failed", "key", string(key), "error", err)
		return zero, false
	}

	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.WarnContext(ctx, "Discarding undecodable cache entry", "key", string(key), "error", err)
		return zero, false
	}
	return v, true
}

func (c *RedisCache[K, V]) Set(ctx context.Context, key K, value V) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.WarnContext(ctx, "Cache value not encodable", "key", string(key), "error", err)
		return
	}
	gen, err := c.generation(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "Redis generation lookup failed", "error", err)
		return
	}
	if err := c.client.Set(ctx, c.entryKey(gen, key), raw, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "Redis set failed", "key", string(key), "error", err)
	}
}

func (c *RedisCache[K, V]) Delete(ctx context.Context, key K) {
	gen, err := c.generation(ctx)
	if err != nil {
		return
	}
	if err := c.client.Del(ctx, c.entryKey(gen, key)).Err(); err != nil {
		c.logger.WarnContext(ctx, "Redis delete failed", "key", string(key), "error", err)
	}
}

func (c *RedisCache[K, V]) Clear(ctx context.Context) {
	if err := c.client.Incr(ctx, c.generationKey()).Err(); err != nil {
		c.logger.ErrorContext(ctx, "Redis cache clear failed", "error", err)
	}
}

// Size counts the entries of the current generation.
func (c *RedisCache[K, V]) Size() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	gen, err := c.generation(ctx)
	if err != nil {
		return 0
	}
	var (
		cursor uint64
		count  int
	)
	pattern := fmt.Sprintf("%s:%d:*", c.prefix, gen)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return count
		}
		count += len(keys)
		if next == 0 {
			return count
		}
		cursor = next
	}
}

// CleanExpired is a no-op; Redis expires entries itself.
func (c *RedisCache[K, V]) CleanExpired() int { return 0 }

func (c *RedisCache[K, V]) Close() error {
	return c.client.Close()
}
