package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDeduperTTL bounds how long an applied event id is remembered. Client
// retries arrive within seconds of the original send, so a couple of minutes
// is plenty.
const DefaultDeduperTTL = 2 * time.Minute

// RedisDeduper records applied event identifiers in Redis so every instance
// sees the same replay marks.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
// A non-positive TTL falls back to DefaultDeduperTTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDeduperTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, eventID string) string {
	return fmt.Sprintf("event:%s:%s", userID, eventID)
}

// Add marks an event id as applied if it is not already marked. It returns
// true when the mark was newly set.
func (r *RedisDeduper) Add(ctx context.Context, userID, eventID string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, eventID), 1, r.ttl).Result()
}

// Remove clears a mark set by Add. Callers release the mark when the mutation
// did not commit, so a later retry gets a fresh attempt.
func (r *RedisDeduper) Remove(ctx context.Context, userID, eventID string) error {
	return r.client.Del(ctx, r.key(userID, eventID)).Err()
}
