package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/boardgov/go-routing-engine/internal/domain"
)

// RedisCounter shares rate-cap buckets across engine replicas. INCR is atomic
// on the server, so two concurrent notifications can never both observe a
// count under the cap when only one slot remains.
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter creates a Redis-backed rate counter.
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// Incr increments the (user, context, hour) counter and returns the new
// count. The first increment of a bucket sets its expiry; the bucket hour is
// embedded in the key, so the TTL only bounds key leakage.
func (c *RedisCounter) Incr(ctx context.Context, userID string, rctx domain.RoutingContext, now time.Time) (int64, error) {
	key := BucketKey(userID, rctx, now)
	count, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		c.rdb.Expire(ctx, key, time.Hour+time.Minute)
	}
	return count, nil
}

// WindowRemaining returns the time left in the current hour bucket.
func (c *RedisCounter) WindowRemaining(now time.Time) time.Duration {
	return WindowRemaining(now)
}
