//go:build nanoclaw_amqp

package app

import (
	"context"
	"log/slog"
	"os"

	"github.com/hitsmaxft/nanoclaw/internal/queue"
	"github.com/hitsmaxft/nanoclaw/internal/queue/broker"
)

// wireBroker connects Queue to a RabbitMQ fanout exchange when
// NANOCLAW_AMQP_URL is set, so other instances sharing this deployment's
// workspace tree learn about new work without waiting on their own poll
// cycle. A no-op when the env var is unset.
func wireBroker(q *queue.Queue) (closer func(), err error) {
	url := os.Getenv("NANOCLAW_AMQP_URL")
	if url == "" {
		return func() {}, nil
	}
	b, err := broker.Dial(url)
	if err != nil {
		return nil, err
	}
	q.SetSignaler(b)
	go func() {
		if err := b.Notify(context.Background(), q.Enqueue); err != nil {
			slog.Warn("app: broker notify loop stopped", "error", err)
		}
	}()
	return func() { b.Close() }, nil
}
