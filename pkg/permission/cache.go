package permission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/formdepot/pkg/observability"
)

// DefaultCacheTTL bounds staleness for cached check results that were
// not explicitly invalidated (e.g. invalidation lost to a redis blip).
const DefaultCacheTTL = 5 * time.Minute

// Cache is a redis-backed cache of has-permission check results.
//
// Entries are invalidated per target on every recalculation, so the
// TTL is only a backstop. The cache is strictly optional: callers
// treat a nil *Cache as a miss on every lookup.
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
}

// NewCache connects to redis and returns a cache layer.
func NewCache(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewCacheFromClient(client, ttl), nil
}

// NewCacheFromClient wraps an existing client (used by tests).
func NewCacheFromClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// WithMetrics attaches hit/miss counters.
func (c *Cache) WithMetrics(m *observability.Metrics) *Cache {
	c.metrics = m
	return c
}

// Client exposes the underlying redis client for health checks.
func (c *Cache) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Close closes the redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func checkKey(target Target, subject int64, kind Kind) string {
	return fmt.Sprintf("perm:%s:%s:%d:%s", target.Kind, target.ID, subject, kind)
}

func targetPattern(target Target) string {
	return fmt.Sprintf("perm:%s:%s:*", target.Kind, target.ID)
}

// GetCheck returns a cached check result. ok is false on miss or when
// the cache is nil/unreachable.
func (c *Cache) GetCheck(ctx context.Context, target Target, subject int64, kind Kind) (allowed, ok bool) {
	if c == nil {
		return false, false
	}
	val, err := c.client.Get(ctx, checkKey(target, subject, kind)).Result()
	if err != nil {
		if c.metrics != nil {
			c.metrics.PermissionCacheMisses.Inc()
		}
		return false, false
	}
	if c.metrics != nil {
		c.metrics.PermissionCacheHits.Inc()
	}
	return val == "1", true
}

// SetCheck records a check result. Failures are ignored; the cache is
// best effort.
func (c *Cache) SetCheck(ctx context.Context, target Target, subject int64, kind Kind, allowed bool) {
	if c == nil {
		return
	}
	val := "0"
	if allowed {
		val = "1"
	}
	c.client.Set(ctx, checkKey(target, subject, kind), val, c.ttl)
}

// InvalidateTarget drops every cached result for a target.
func (c *Cache) InvalidateTarget(ctx context.Context, target Target) error {
	if c == nil {
		return nil
	}
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, targetPattern(target), 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan permission cache: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to invalidate permission cache: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// String renders the configured TTL, useful in startup logs.
func (c *Cache) String() string {
	if c == nil {
		return "permission cache disabled"
	}
	return "permission cache ttl=" + strconv.FormatInt(int64(c.ttl/time.Second), 10) + "s"
}
