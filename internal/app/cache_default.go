//go:build !nanoclaw_redis

package app

import "github.com/hitsmaxft/nanoclaw/internal/statusrelay"

// wireWindowStore is a no-op in the default build: the debounce window is
// process-local by design, and a shared Redis-backed store is an opt-in
// extension (build with -tags nanoclaw_redis).
func wireWindowStore(*statusrelay.Relay) (closer func(), err error) {
	return func() {}, nil
}
