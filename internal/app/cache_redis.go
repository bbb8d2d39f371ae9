//go:build nanoclaw_redis

package app

import (
	"os"

	"github.com/hitsmaxft/nanoclaw/internal/statusrelay"
	"github.com/hitsmaxft/nanoclaw/internal/statusrelay/cache"
)

// wireWindowStore gives the status debounce window a shared Redis-backed
// store when NANOCLAW_REDIS_ADDR is set, so two router instances behind the
// same messenger session don't both win the same debounce window. A no-op
// when the env var is unset.
func wireWindowStore(relay *statusrelay.Relay) (closer func(), err error) {
	addr := os.Getenv("NANOCLAW_REDIS_ADDR")
	if addr == "" {
		return func() {}, nil
	}
	store := cache.NewRedisStore(addr, "nanoclaw")
	relay.Store = store
	return func() { store.Close() }, nil
}
