// Package bus provides the in-process message transport between messenger
// adapters and the router core.
package bus

import (
	"context"
	"sync"
	"time"
)

// InboundMessage represents a single message observed on a messaging
// platform, normalized for ingestion.
type InboundMessage struct {
	Platform        string         `json:"platform"`
	ChatID          string         `json:"chat_id"`
	ChatType        string         `json:"chat_type,omitempty"` // "private" or "group"
	SenderID        string         `json:"sender_id"`
	SenderName      string         `json:"sender_name,omitempty"`
	MessageID       string         `json:"message_id"`
	Content         string         `json:"content"`
	Media           []string       `json:"media,omitempty"`
	IsFromMe        bool           `json:"is_from_me"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// OutboundMessage represents a message or status update to deliver back to
// a chat on its origin platform.
type OutboundMessage struct {
	Platform     string `json:"platform"`
	ChatID       string `json:"chat_id"`
	Content      string `json:"content"`
	StatusUpdate bool   `json:"status_update,omitempty"`
	ClearStatus  bool   `json:"clear_status,omitempty"`
}

// MessageBus decouples messenger adapters from the router core. Inbound
// messages flow adapter -> router; outbound messages flow router -> adapter.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage
	subs     map[string][]func(*OutboundMessage)
	mu       sync.RWMutex
}

// NewMessageBus creates a new message bus with a bounded backlog.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan *InboundMessage, 256),
		outbound: make(chan *OutboundMessage, 256),
		subs:     make(map[string][]func(*OutboundMessage)),
	}
}

// PublishInbound enqueues a message observed by a messenger adapter.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.inbound <- msg
}

// ConsumeInbound blocks until a message is available or ctx is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound enqueues a message for delivery to a platform.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) {
	b.outbound <- msg
}

// Subscribe registers a callback invoked for every outbound message destined
// for the given platform name.
func (b *MessageBus) Subscribe(platform string, callback func(*OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[platform] = append(b.subs[platform], callback)
}

// DispatchOutbound drains the outbound queue, invoking subscribers. Intended
// to run as a goroutine for the lifetime of the process.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.mu.RLock()
			callbacks := b.subs[msg.Platform]
			b.mu.RUnlock()
			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int { return len(b.inbound) }

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int { return len(b.outbound) }
