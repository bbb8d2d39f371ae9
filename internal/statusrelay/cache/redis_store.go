//go:build nanoclaw_redis

// Package cache provides a Redis-backed statusrelay.WindowStore for
// deployments that run more than one router process against the same
// messenger session (e.g. behind a shared load balancer during a rolling
// deploy). It is opt-in via the nanoclaw_redis build tag: the core relay
// works correctly single-process without it.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements statusrelay.WindowStore with a Redis SET NX lock
// scoped to the debounce window.
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

// NewRedisStore dials addr and returns a ready RedisStore. prefix namespaces
// keys so multiple nanoclaw deployments can share one Redis instance.
func NewRedisStore(addr, prefix string) *RedisStore {
	return &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Prefix: prefix,
	}
}

// Acquire implements statusrelay.WindowStore.
func (s *RedisStore) Acquire(ctx context.Context, key string, window time.Duration) (bool, error) {
	full := fmt.Sprintf("%s:statuswindow:%s", s.Prefix, key)
	return s.Client.SetNX(ctx, full, 1, window).Result()
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.Client.Close()
}
