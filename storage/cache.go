package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"boardsync-api/domain"
)

type snapshotBackend interface {
	FetchBoardSnapshot(ctx context.Context, projectID string) (domain.BoardSnapshot, error)
}

// Cache wraps a Storage instance with Redis-backed caching of board
// snapshots. Mutating callers evict through EvictBoard once their write has
// committed, so a cached snapshot is never older than the last accepted
// mutation.
type Cache struct {
	*Storage
	base  snapshotBackend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client and TTL.
func NewCache(base snapshotBackend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

// FetchBoardSnapshot serves the snapshot from Redis when present, falling
// back to the backing storage.
func (c *Cache) FetchBoardSnapshot(ctx context.Context, projectID string) (domain.BoardSnapshot, error) {
	if snap, ok := c.loadFromCache(ctx, projectID); ok {
		return snap, nil
	}

	snap, err := c.base.FetchBoardSnapshot(ctx, projectID)
	if err != nil {
		return domain.BoardSnapshot{}, err
	}

	c.store(ctx, projectID, snap)
	return snap, nil
}

// EvictBoard drops the cached snapshot for a project.
func (c *Cache) EvictBoard(ctx context.Context, projectID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, boardCacheKey(projectID)).Err()
}

func (c *Cache) loadFromCache(ctx context.Context, projectID string) (domain.BoardSnapshot, bool) {
	if c.redis == nil {
		return domain.BoardSnapshot{}, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(projectID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(projectID)).Err()
		}
		return domain.BoardSnapshot{}, false
	}
	var snap domain.BoardSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(projectID)).Err()
		return domain.BoardSnapshot{}, false
	}
	return snap, true
}

func (c *Cache) store(ctx context.Context, projectID string, snap domain.BoardSnapshot) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(projectID), data, c.ttl).Err()
}

func boardCacheKey(projectID string) string {
	return "board:" + projectID
}
