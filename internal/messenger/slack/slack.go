// Package slack implements messenger.Messenger directly against the Slack
// API via slack-go, using Socket Mode so no public HTTP endpoint is needed.
package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/hitsmaxft/nanoclaw/internal/bus"
	"github.com/hitsmaxft/nanoclaw/internal/messenger"
)

// Config configures the Slack transport.
type Config struct {
	BotToken  string
	AppToken  string
	BotUserID string
	AllowFrom []string
}

// Channel is the Slack messenger.Messenger implementation.
type Channel struct {
	cfg    Config
	api    *slack.Client
	client *socketmode.Client
	bus    *bus.MessageBus

	mu          sync.Mutex
	statusTSByCorr map[string]string // chatID+correlationID -> timestamp of the posted status message, for edit-in-place
}

// New creates a Slack channel. Connect must be called before use.
func New(cfg Config) *Channel {
	return &Channel{cfg: cfg, statusTSByCorr: make(map[string]string)}
}

func statusKey(chatID, correlationID string) string { return chatID + "\x00" + correlationID }

func (c *Channel) Name() string { return "slack" }

// Connect authenticates and starts the Socket Mode event loop on a
// background goroutine; inbound events are published to the bus attached
// via AttachBus before Connect is called.
func (c *Channel) Connect(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.BotToken) == "" || strings.TrimSpace(c.cfg.AppToken) == "" {
		return fmt.Errorf("slack: bot token and app token are required")
	}
	api := slack.New(c.cfg.BotToken, slack.OptionAppLevelToken(c.cfg.AppToken))
	if _, err := api.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.api = api
	c.client = socketmode.New(api)

	go c.runEventLoop(ctx)
	return nil
}

func (c *Channel) runEventLoop(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-c.client.Events:
				if !ok {
					return
				}
				c.handleEvent(evt)
			}
		}
	}()
	_ = c.client.RunContext(ctx)
}

func (c *Channel) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			c.client.Ack(*evt.Request)
		}
		ev, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || ev.Type != slackevents.CallbackEvent {
			return
		}
		switch inner := ev.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			if inner == nil || inner.BotID != "" {
				return
			}
			c.forwardInbound(inner.User, inner.Channel, inner.TimeStamp, inner.Text)
		case *slackevents.AppMentionEvent:
			if inner == nil {
				return
			}
			c.forwardInbound(inner.User, inner.Channel, inner.TimeStamp, inner.Text)
		}
	case socketmode.EventTypeSlashCommand:
		if evt.Request != nil {
			c.client.Ack(*evt.Request, map[string]any{"response_type": "ephemeral", "text": "accepted"})
		}
		if cmd, ok := evt.Data.(slack.SlashCommand); ok {
			c.forwardInbound(cmd.UserID, cmd.ChannelID, cmd.TriggerID, cmd.Command+" "+cmd.Text)
		}
	}
}

func (c *Channel) forwardInbound(senderID, chatID, messageID, content string) {
	if c.bus == nil || !c.isAllowed(senderID) {
		return
	}
	chatType := "group"
	if strings.HasPrefix(chatID, "D") {
		chatType = "private"
	}
	c.bus.PublishInbound(&bus.InboundMessage{
		Platform:  c.Name(),
		ChatID:    chatID,
		ChatType:  chatType,
		SenderID:  senderID,
		MessageID: messageID,
		Content:   content,
		Timestamp: time.Now(),
	})
}

func (c *Channel) isAllowed(senderID string) bool {
	if len(c.cfg.AllowFrom) == 0 {
		return true
	}
	for _, allowed := range c.cfg.AllowFrom {
		if strings.EqualFold(allowed, senderID) {
			return true
		}
	}
	return false
}

// Send posts a plain message to a channel or DM.
func (c *Channel) Send(ctx context.Context, chatID, content string) error {
	_, _, err := c.api.PostMessageContext(ctx, chatID, slack.MsgOptionText(content, false))
	return err
}

// SendOrUpdateStatus posts a status message on first call for a
// (chatID, correlationID) pair, then edits that same message in place on
// subsequent calls.
func (c *Channel) SendOrUpdateStatus(ctx context.Context, chatID, correlationID, content string) error {
	key := statusKey(chatID, correlationID)
	c.mu.Lock()
	ts, posted := c.statusTSByCorr[key]
	c.mu.Unlock()

	if posted {
		_, _, _, err := c.api.UpdateMessageContext(ctx, chatID, ts, slack.MsgOptionText(content, false))
		if err != nil {
			// The platform rejected the edit (message too old or deleted):
			// fall through to posting a fresh one and continue from there.
			_, newTS, postErr := c.api.PostMessageContext(ctx, chatID, slack.MsgOptionText(content, false))
			if postErr != nil {
				return postErr
			}
			c.mu.Lock()
			c.statusTSByCorr[key] = newTS
			c.mu.Unlock()
			return nil
		}
		return nil
	}
	_, newTS, err := c.api.PostMessageContext(ctx, chatID, slack.MsgOptionText(content, false))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.statusTSByCorr[key] = newTS
	c.mu.Unlock()
	return nil
}

// ClearStatus deletes the tracked status message for correlationID, if any.
func (c *Channel) ClearStatus(ctx context.Context, chatID, correlationID string) error {
	key := statusKey(chatID, correlationID)
	c.mu.Lock()
	ts, posted := c.statusTSByCorr[key]
	delete(c.statusTSByCorr, key)
	c.mu.Unlock()
	if !posted {
		return nil
	}
	_, _, err := c.api.DeleteMessageContext(ctx, chatID, ts)
	return err
}

// RegisterCommands is a no-op: Slack slash commands are registered through
// the app manifest, not at runtime.
func (c *Channel) RegisterCommands(ctx context.Context, cmds []messenger.Command) error {
	return nil
}

// StartListener is called once for this push transport: it attaches b and
// blocks until ctx is done; inbound events arrive over Socket Mode once
// Connect succeeds.
func (c *Channel) StartListener(ctx context.Context, b *bus.MessageBus) error {
	c.bus = b
	<-ctx.Done()
	return ctx.Err()
}

func (c *Channel) NeedsPolling() bool          { return false }
func (c *Channel) PollInterval() time.Duration { return 0 }

// AttachBus wires the bus before Connect is called so early events are not
// dropped.
func (c *Channel) AttachBus(b *bus.MessageBus) { c.bus = b }
