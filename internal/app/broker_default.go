//go:build !nanoclaw_amqp

package app

import "github.com/hitsmaxft/nanoclaw/internal/queue"

// wireBroker is a no-op in the default build: nanoclaw is single-process by
// design, and cross-process enqueue signaling is an opt-in extension (build
// with -tags nanoclaw_amqp).
func wireBroker(*queue.Queue) (closer func(), err error) {
	return func() {}, nil
}
