// Package poll provides an in-memory messenger.Messenger used by tests and
// as the default transport when no platform messenger is configured.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/hitsmaxft/nanoclaw/internal/bus"
	"github.com/hitsmaxft/nanoclaw/internal/messenger"
)

// Channel is a fake Messenger fed by test code via Inject and recording
// every outbound call for assertions.
type Channel struct {
	interval time.Duration

	mu       sync.Mutex
	pending  []*bus.InboundMessage
	Sent     []string
	Statuses map[string]string
}

// New creates a poll channel with the given poll interval.
func New(interval time.Duration) *Channel {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Channel{interval: interval, Statuses: make(map[string]string)}
}

func (c *Channel) Name() string { return "poll" }

func (c *Channel) Connect(ctx context.Context) error { return nil }

// Inject queues an inbound message to be delivered on the next poll tick.
func (c *Channel) Inject(msg *bus.InboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, msg)
}

func (c *Channel) Send(ctx context.Context, chatID, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, chatID+": "+content)
	return nil
}

func (c *Channel) SendOrUpdateStatus(ctx context.Context, chatID, correlationID, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Statuses[statusKey(chatID, correlationID)] = content
	return nil
}

func (c *Channel) ClearStatus(ctx context.Context, chatID, correlationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Statuses, statusKey(chatID, correlationID))
	return nil
}

func statusKey(chatID, correlationID string) string { return chatID + "\x00" + correlationID }

func (c *Channel) RegisterCommands(ctx context.Context, cmds []messenger.Command) error {
	return nil
}

// StartListener drains any injected messages onto the bus every
// PollInterval, as the router's poll loop expects.
func (c *Channel) StartListener(ctx context.Context, b *bus.MessageBus) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, msg := range pending {
		b.PublishInbound(msg)
	}
	return nil
}

func (c *Channel) NeedsPolling() bool          { return true }
func (c *Channel) PollInterval() time.Duration { return c.interval }
