// Package messenger defines the adapter boundary between a messaging
// platform and the router core, and hosts the concrete transports
// (whatsapp, slack, poll).
package messenger

import (
	"context"
	"time"

	"github.com/hitsmaxft/nanoclaw/internal/bus"
)

// Command describes one slash-style command a messenger should register
// with its platform (where the platform supports native command menus).
type Command struct {
	Name        string
	Description string
}

// Messenger is implemented by every concrete transport (WhatsApp, Slack,
// the in-process poll transport). The router calls StartListener once per
// PollInterval for transports where NeedsPolling is true; for push
// transports it calls StartListener once, and the transport blocks until ctx
// is done while streaming inbound messages into the bus on its own.
type Messenger interface {
	// Name identifies the platform, e.g. "whatsapp" or "slack".
	Name() string
	// Connect establishes the session (login, socket handshake, etc).
	Connect(ctx context.Context) error
	// Send delivers a plain message to a chat.
	Send(ctx context.Context, chatID, content string) error
	// SendOrUpdateStatus maintains at most one platform message per
	// (chatID, correlationID) pair, editing it in place on repeat calls
	// where the platform supports that; implementations that cannot edit
	// messages may post a fresh one each call instead.
	SendOrUpdateStatus(ctx context.Context, chatID, correlationID, content string) error
	// ClearStatus forgets the tracked status message for correlationID so
	// the next batch on this chat starts a fresh one.
	ClearStatus(ctx context.Context, chatID, correlationID string) error
	// RegisterCommands advertises the given commands to the platform, if
	// the platform supports a native command registry.
	RegisterCommands(ctx context.Context, cmds []Command) error
	// StartListener begins delivering inbound messages into the given bus.
	// Called repeatedly when NeedsPolling returns true, once otherwise.
	StartListener(ctx context.Context, b *bus.MessageBus) error
	// NeedsPolling reports whether the router must actively call
	// StartListener in a loop (poll transports) versus the transport
	// delivering messages asynchronously once Connect succeeds (push
	// transports, which are handed the bus through AttachBus before Connect).
	NeedsPolling() bool
	// PollInterval is consulted only when NeedsPolling is true.
	PollInterval() time.Duration
}
