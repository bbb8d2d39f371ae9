// Package ingest consumes the message bus. For every inbound message not
// sent by the bot itself it upserts the chat row and then advances the
// global router cursor; message content is stored, and the chat enqueued,
// only for registered chats, after the cursor has moved.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/hitsmaxft/nanoclaw/internal/bus"
	"github.com/hitsmaxft/nanoclaw/internal/queue"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

// CommandInterceptor is called for every inbound message on an unregistered
// chat, giving the batch/command layer a chance to handle /register before
// a workspace exists (and therefore before there is any stored message
// history or work queue entry to drive a normal batch). It returns true if
// the message was a command and has been fully handled.
type CommandInterceptor func(ctx context.Context, chatID, chatType, senderID, content string) (bool, error)

// Ingestor drains the bus, resolves the owning chat, records the message,
// and enqueues it onto the per-chat work queue for batch dispatch.
type Ingestor struct {
	Store      *store.Store
	Queue      *queue.Queue
	BotPrefix  string
	Intercept  CommandInterceptor
}

// New creates an Ingestor.
func New(st *store.Store, q *queue.Queue, botPrefix string) *Ingestor {
	return &Ingestor{Store: st, Queue: q, BotPrefix: botPrefix}
}

// Run blocks, consuming inbound messages from b until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context, b *bus.MessageBus) error {
	for {
		msg, err := b.ConsumeInbound(ctx)
		if err != nil {
			return err
		}
		if err := in.handle(ctx, msg); err != nil {
			slog.Error("ingest: failed to process inbound message", "platform", msg.Platform, "chat", msg.ChatID, "error", err)
			continue
		}
	}
}

func (in *Ingestor) handle(ctx context.Context, msg *bus.InboundMessage) error {
	if msg.IsFromMe {
		return nil
	}
	if in.BotPrefix != "" && len(msg.Content) >= len(in.BotPrefix) && msg.Content[:len(in.BotPrefix)] == in.BotPrefix {
		return nil
	}

	displayName := ""
	if msg.ChatType == "private" {
		displayName = msg.SenderName
	}
	if err := in.Store.UpsertChat(msg.ChatID, msg.Platform, msg.ChatType, displayName, msg.Timestamp); err != nil {
		return err
	}
	if err := in.Store.AdvanceGlobalCursor(msg.Timestamp); err != nil {
		return err
	}

	_, err := in.Store.WorkspaceByChatID(msg.ChatID)
	if errors.Is(err, sql.ErrNoRows) {
		if in.Intercept != nil {
			if _, err := in.Intercept(ctx, msg.ChatID, msg.ChatType, msg.SenderID, msg.Content); err != nil {
				return err
			}
		}
		// Unregistered chats are tracked at the chat level only; message
		// content is never persisted until /register creates a workspace.
		return nil
	}
	if err != nil {
		return err
	}

	if err := in.Store.InsertMessage(&store.Message{
		MessageID:  msg.MessageID,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		IsFromBot:  msg.IsFromMe,
		Timestamp:  msg.Timestamp,
	}); err != nil {
		return err
	}

	in.Queue.Enqueue(msg.ChatID)
	if err := in.Store.IncrCounter("messages_ingested", 1); err != nil {
		slog.Warn("ingest: IncrCounter failed", "error", err)
	}
	return nil
}
