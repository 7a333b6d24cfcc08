package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/boardgov/go-routing-engine/internal/domain"
)

const shardCount = 16

// BucketKey returns the counter key for (user, context) within the fixed UTC
// hour bucket containing now. The bucket hour is part of the key, so a new
// hour naturally starts a fresh counter.
func BucketKey(userID string, rctx domain.RoutingContext, now time.Time) string {
	return fmt.Sprintf("ratecap:%s:%s:%s", userID, rctx, now.UTC().Format("2006010215"))
}

// WindowRemaining returns the time left in the hour bucket containing now.
func WindowRemaining(now time.Time) time.Duration {
	utc := now.UTC()
	return utc.Truncate(time.Hour).Add(time.Hour).Sub(utc)
}

type bucket struct {
	count   int64
	expires time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]bucket
}

// MemoryCounter is a sharded in-process counter used when no Redis address is
// configured. Counts are per instance, which is correct for single-replica
// deployments; multi-replica deployments must use the Redis counter so the
// cap is shared.
type MemoryCounter struct {
	shards [shardCount]*shard
}

// NewMemoryCounter creates an in-process rate counter.
func NewMemoryCounter() *MemoryCounter {
	c := &MemoryCounter{}
	for i := range c.shards {
		c.shards[i] = &shard{buckets: make(map[string]bucket)}
	}
	return c
}

func (c *MemoryCounter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// sweepThreshold bounds per-shard map growth; expired buckets are pruned
// while the shard lock is already held.
const sweepThreshold = 1024

// Incr atomically increments the (user, context, hour) counter and returns
// the new count. Expired buckets are reset lazily on access.
func (c *MemoryCounter) Incr(_ context.Context, userID string, rctx domain.RoutingContext, now time.Time) (int64, error) {
	key := BucketKey(userID, rctx, now)
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buckets) > sweepThreshold {
		for k, v := range s.buckets {
			if now.After(v.expires) {
				delete(s.buckets, k)
			}
		}
	}

	b, ok := s.buckets[key]
	if !ok || now.After(b.expires) {
		b = bucket{expires: now.Add(WindowRemaining(now))}
	}
	b.count++
	s.buckets[key] = b
	return b.count, nil
}

// WindowRemaining returns the time left in the current hour bucket.
func (c *MemoryCounter) WindowRemaining(now time.Time) time.Duration {
	return WindowRemaining(now)
}
