package cleanup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"seeit/internal/infra"
)

// Cache remembers cleaned room images so a retried placement does not pay
// for a second billable cleanup call. Misses and Redis failures are
// equivalent: the caller just cleans again.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger infra.Logger
}

// NewCache wraps the given Redis client. A nil client yields a cache that
// always misses, which keeps local setups without Redis working.
func NewCache(client *redis.Client, ttl time.Duration, logger infra.Logger) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func cacheKey(imageKey string) string {
	return "cleanup:cleaned:" + imageKey
}

// Get returns the cached cleaned image for the storage key, if present.
func (c *Cache) Get(ctx context.Context, imageKey string) ([]byte, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, cacheKey(imageKey)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn().Err(err).Str("image_key", imageKey).Msg("cleanup: cache read failed")
		}
		return nil, false
	}
	return data, true
}

// Set stores a cleaned image. Failures are logged and swallowed; the cache
// is an optimization, never a correctness dependency.
func (c *Cache) Set(ctx context.Context, imageKey string, cleaned []byte) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(imageKey), cleaned, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("image_key", imageKey).Msg("cleanup: cache write failed")
	}
}
