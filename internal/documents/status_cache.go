package documents

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStatusCache caches poll snapshots with a short TTL.
type RedisStatusCache struct {
	client *redis.Client
}

// NewRedisStatusCache constructs the cache.
func NewRedisStatusCache(client *redis.Client) *RedisStatusCache {
	return &RedisStatusCache{client: client}
}

func statusKey(id uuid.UUID) string {
	return "procure:docstatus:" + id.String()
}

// GetStatus returns the cached snapshot payload, if any.
func (c *RedisStatusCache) GetStatus(ctx context.Context, id uuid.UUID) (string, bool) {
	if c == nil || c.client == nil {
		return "", false
	}
	val, err := c.client.Get(ctx, statusKey(id)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

// SetStatus stores a snapshot payload; an empty payload or zero TTL
// invalidates the entry.
func (c *RedisStatusCache) SetStatus(ctx context.Context, id uuid.UUID, payload string, ttl time.Duration) {
	if c == nil || c.client == nil {
		return
	}
	if payload == "" || ttl <= 0 {
		_ = c.client.Del(ctx, statusKey(id)).Err()
		return
	}
	_ = c.client.Set(ctx, statusKey(id), payload, ttl).Err()
}
