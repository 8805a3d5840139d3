// Package dedup implements the near-request idempotency cache that
// backstops FULL_ASYNC remap loops (SPEC_FULL.md §6.5, §9 decision 3):
// before a near coordinator re-dispatches a remapped request, it checks
// whether a request with the same (future version, node) pair already
// completed, so a flapping topology cannot duplicate an already-applied
// write when its ack was lost and the client retries.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/redis/go-redis/v9"
)

// Cache records which (future version, node) pairs have already been
// applied, with a short TTL — it is a hint to avoid duplicate work, not
// a correctness-critical ledger.
type Cache interface {
	MarkApplied(ctx context.Context, futureVersion uint64, node model.NodeID) error
	WasApplied(ctx context.Context, futureVersion uint64, node model.NodeID) (bool, error)
	Close() error
}

// RedisCache is the default Cache, grounded on
// coordinator/internal/store/redis_idempotency_store.go's client setup
// and Get/Set/Ping/Close shape.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to addr/db and verifies the connection.
func NewRedisCache(ctx context.Context, addr string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("dedup: connect redis: %w", err)
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

func key(futureVersion uint64, node model.NodeID) string {
	return fmt.Sprintf("cachegrid:dedup:%d:%s", futureVersion, node)
}

func (c *RedisCache) MarkApplied(ctx context.Context, futureVersion uint64, node model.NodeID) error {
	return c.client.Set(ctx, key(futureVersion, node), "1", c.ttl).Err()
}

func (c *RedisCache) WasApplied(ctx context.Context, futureVersion uint64, node model.NodeID) (bool, error) {
	n, err := c.client.Exists(ctx, key(futureVersion, node)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: exists: %w", err)
	}
	return n > 0, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// NopCache is wired in when dedup.enabled is false: every check reports
// not-applied and nothing is recorded.
type NopCache struct{}

func NewNopCache() *NopCache { return &NopCache{} }

func (*NopCache) MarkApplied(ctx context.Context, futureVersion uint64, node model.NodeID) error {
	return nil
}

func (*NopCache) WasApplied(ctx context.Context, futureVersion uint64, node model.NodeID) (bool, error) {
	return false, nil
}

func (*NopCache) Close() error { return nil }
