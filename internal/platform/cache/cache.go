package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache is a thin wrapper over a Redis client used for read-through caching of
// expensive aggregate queries. A nil inner client disables caching entirely so
// callers never need to branch on availability.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
}

// New connects to Redis at the given URL and returns a Cache. If redisURL is
// empty or the connection cannot be established, a disabled Cache is returned
// and the service runs without caching.
func New(ctx context.Context, redisURL string, logger zerolog.Logger) *Cache {
	if redisURL == "" {
		return &Cache{logger: logger}
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid redis url, caching disabled")
		return &Cache{logger: logger}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		logger.Warn().Err(err).Msg("redis unreachable, caching disabled")
		return &Cache{logger: logger}
	}

	return &Cache{client: client, logger: logger}
}

// Enabled reports whether a Redis connection is available.
func (c *Cache) Enabled() bool {
	return c.client != nil
}

// Close releases the underlying Redis connection.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Get returns the cached bytes for key, or false on miss or when caching is
// disabled.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores data under key with the given TTL. Failures are logged and
// otherwise ignored.
func (c *Cache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if c.client == nil {
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// Delete removes specific cache keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if c.client == nil || len(keys) == 0 {
		return
	}
	c.client.Del(ctx, keys...)
}

// InvalidatePattern removes all keys matching a glob pattern.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) {
	if c.client == nil {
		return
	}
	keys, err := c.client.Keys(ctx, pattern).Result()
	if err == nil && len(keys) > 0 {
		c.client.Del(ctx, keys...)
	}
}

// Healthy reports whether the Redis connection answers a ping.
func (c *Cache) Healthy(ctx context.Context) bool {
	if c.client == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.client.Ping(pingCtx).Err() == nil
}

// StatsKey builds the per-tenant cache key for billing statistics.
func StatsKey(tenantID string) string {
	return fmt.Sprintf("billing:stats:%s", tenantID)
}

// InvalidateBillingCaches clears tenant billing caches. Called after any write
// that changes bill or payment totals.
func (c *Cache) InvalidateBillingCaches(ctx context.Context, tenantID string) {
	c.Delete(ctx, StatsKey(tenantID))
	c.InvalidatePattern(ctx, fmt.Sprintf("billing:list:%s:*", tenantID))
}
