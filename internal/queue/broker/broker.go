//go:build nanoclaw_amqp

// Package broker publishes queue.Queue's enqueue events onto a RabbitMQ
// fanout exchange so other router instances watching the same workspace
// directory (e.g. during a rolling deploy) notice new work without waiting
// for their own poll cycle. It is opt-in via the nanoclaw_amqp build tag:
// nanoclaw's core design is single-process/single-writer, so this is an
// additive extension point, not something the default build depends on.
package broker

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

const exchangeName = "nanoclaw.chat.dirty"

// Broker publishes chat IDs enqueued on this instance and, separately,
// delivers chat IDs published by other instances via Notify.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to a RabbitMQ broker at url and declares the fanout
// exchange used to announce enqueue events.
func Dial(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchangeName, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Broker{conn: conn, ch: ch}, nil
}

// Signal implements queue.Signaler: publish chatID to every other instance.
func (b *Broker) Signal(chatID string) {
	err := b.ch.PublishWithContext(context.Background(), exchangeName, "", false, false, amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte(chatID),
	})
	if err != nil {
		slog.Warn("broker: publish enqueue event failed", "chat", chatID, "error", err)
	}
}

// Notify consumes enqueue events published by other instances and calls fn
// for each chat ID, until ctx is cancelled.
func (b *Broker) Notify(ctx context.Context, fn func(chatID string)) error {
	q, err := b.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return err
	}
	if err := b.ch.QueueBind(q.Name, "", exchangeName, false, nil); err != nil {
		return err
	}
	msgs, err := b.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			fn(string(m.Body))
		}
	}
}

// Close releases the channel and connection.
func (b *Broker) Close() error {
	b.ch.Close()
	return b.conn.Close()
}
