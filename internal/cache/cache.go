// Package cache tracks data item ids that are currently in flight through
// the insert consumer, so a redelivered queue message is not inserted twice.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/permanode/fulfillment/internal/database"
)

// InflightCache records ids for the duration of their processing window.
type InflightCache interface {
	// PutInFlight records id and reports whether it was newly added. A
	// false return means the id is already in flight elsewhere.
	PutInFlight(ctx context.Context, id string) (bool, error)
	// IsInFlight reports whether id is currently in flight.
	IsInFlight(ctx context.Context, id string) (bool, error)
	// Remove clears id after processing settles.
	Remove(ctx context.Context, id string) error
}

// LocalCache is a process-local in-flight cache. Entries expire after ttl
// as a backstop against leaked ids.
type LocalCache struct {
	c *gocache.Cache
}

// NewLocalCache creates a local cache with the given entry ttl.
func NewLocalCache(ttl time.Duration) *LocalCache {
	return &LocalCache{c: gocache.New(ttl, 2*ttl)}
}

func (l *LocalCache) PutInFlight(_ context.Context, id string) (bool, error) {
	err := l.c.Add(id, struct{}{}, gocache.DefaultExpiration)
	return err == nil, nil
}

func (l *LocalCache) IsInFlight(_ context.Context, id string) (bool, error) {
	_, ok := l.c.Get(id)
	return ok, nil
}

func (l *LocalCache) Remove(_ context.Context, id string) error {
	l.c.Delete(id)
	return nil
}

// RedisCache is a distributed in-flight cache shared across worker
// replicas.
type RedisCache struct {
	redis  *database.Redis
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed cache with the given entry ttl.
func NewRedisCache(redis *database.Redis, ttl time.Duration) *RedisCache {
	return &RedisCache{redis: redis, prefix: "inflight:", ttl: ttl}
}

func (r *RedisCache) PutInFlight(ctx context.Context, id string) (bool, error) {
	return r.redis.SetNX(ctx, r.prefix+id, 1, r.ttl)
}

func (r *RedisCache) IsInFlight(ctx context.Context, id string) (bool, error) {
	n, err := r.redis.Exists(ctx, r.prefix+id)
	return n > 0, err
}

func (r *RedisCache) Remove(ctx context.Context, id string) error {
	return r.redis.Delete(ctx, r.prefix+id)
}

var (
	_ InflightCache = (*LocalCache)(nil)
	_ InflightCache = (*RedisCache)(nil)
)
