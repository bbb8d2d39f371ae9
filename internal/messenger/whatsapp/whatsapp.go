// Package whatsapp implements messenger.Messenger on top of whatsmeow, a
// push transport: once Connect succeeds, inbound events stream in on their
// own goroutine and are published directly onto the bus.
package whatsapp

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/hitsmaxft/nanoclaw/internal/bus"
	"github.com/hitsmaxft/nanoclaw/internal/messenger"
)

// Config configures the WhatsApp transport.
type Config struct {
	SessionDBPath string
	QRCodePath    string // where to write the login QR code, if pairing is needed
	AllowFrom     []string
	DropUnknown   bool
}

// Channel is the WhatsApp messenger.Messenger implementation.
type Channel struct {
	cfg       Config
	client    *whatsmeow.Client
	container *sqlstore.Container
	bus       *bus.MessageBus

	mu            sync.Mutex
	statusByCorr  map[string]string // chatID+correlationID -> last status text posted
	backoffByChat map[string]time.Duration
}

// New creates a WhatsApp channel. Connect must be called before use.
func New(cfg Config) *Channel {
	if cfg.SessionDBPath == "" {
		cfg.SessionDBPath = defaultSessionPath()
	}
	return &Channel{
		cfg:           cfg,
		statusByCorr:  make(map[string]string),
		backoffByChat: make(map[string]time.Duration),
	}
}

func statusKey(chatID, correlationID string) string { return chatID + "\x00" + correlationID }

func (c *Channel) Name() string { return "whatsapp" }

// Connect opens the device store, logs in (QR pairing if needed), and wires
// the event handler that feeds the bus.
func (c *Channel) Connect(ctx context.Context) error {
	dbLog := waLog.Stdout("Database", "WARN", true)
	container, err := sqlstore.New(ctx, "sqlite", "file:"+c.cfg.SessionDBPath+"?_pragma=foreign_keys(1)", dbLog)
	if err != nil {
		return fmt.Errorf("whatsapp: open session store: %w", err)
	}
	c.container = container

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: get device: %w", err)
	}

	clientLog := waLog.Stdout("Client", "WARN", true)
	client := whatsmeow.NewClient(device, clientLog)
	client.AddEventHandler(c.handleEvent)
	c.client = client

	if client.Store.ID == nil {
		qrChan, _ := client.GetQRChannel(ctx)
		if err := client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
		for evt := range qrChan {
			if evt.Event != "code" {
				continue
			}
			if c.cfg.QRCodePath != "" {
				if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 256, c.cfg.QRCodePath); err != nil {
					return fmt.Errorf("whatsapp: write qr code: %w", err)
				}
			}
		}
		return nil
	}

	return client.Connect()
}

func (c *Channel) handleEvent(evt any) {
	msg, ok := evt.(*events.Message)
	if !ok || c.bus == nil {
		return
	}
	if msg.Info.IsFromMe {
		return
	}
	chatID := msg.Info.Chat.String()
	if !c.isAllowed(msg.Info.Sender.String()) {
		return
	}
	content := msg.Message.GetConversation()
	if content == "" && msg.Message.GetExtendedTextMessage() != nil {
		content = msg.Message.GetExtendedTextMessage().GetText()
	}
	chatType := "group"
	if msg.Info.Chat.Server == types.DefaultUserServer {
		chatType = "private"
	}
	c.bus.PublishInbound(&bus.InboundMessage{
		Platform:   c.Name(),
		ChatID:     chatID,
		ChatType:   chatType,
		SenderID:   msg.Info.Sender.String(),
		SenderName: msg.Info.PushName,
		MessageID:  msg.Info.ID,
		Content:    content,
		Timestamp:  msg.Info.Timestamp,
	})
}

func (c *Channel) isAllowed(senderID string) bool {
	if len(c.cfg.AllowFrom) == 0 {
		return !c.cfg.DropUnknown
	}
	for _, allowed := range c.cfg.AllowFrom {
		if strings.EqualFold(allowed, senderID) {
			return true
		}
	}
	return false
}

// maxSendAttempts bounds the retry loop in Send: whatsmeow's SendMessage can
// fail transiently (e.g. a brief disconnect), so a send is retried with
// doubling backoff before giving up.
const maxSendAttempts = 4

// Send delivers a plain-text message to a chat, retrying transient failures
// with a doubling per-chat backoff (see deliveryBackoff).
func (c *Channel) Send(ctx context.Context, chatID, content string) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("whatsapp: parse jid %q: %w", chatID, err)
	}
	msg := &waProto.Message{Conversation: proto.String(content)}

	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.deliveryBackoff(chatID)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, lastErr = c.client.SendMessage(ctx, jid, msg); lastErr == nil {
			c.resetBackoff(chatID)
			return nil
		}
	}
	return fmt.Errorf("whatsapp: send to %s after %d attempts: %w", chatID, maxSendAttempts, lastErr)
}

// SendOrUpdateStatus posts a status message. WhatsApp has no message-edit
// API available here, so each call sends a fresh status line; repeated
// identical statuses for the same correlation id are suppressed to avoid
// spamming the chat.
func (c *Channel) SendOrUpdateStatus(ctx context.Context, chatID, correlationID, content string) error {
	key := statusKey(chatID, correlationID)
	c.mu.Lock()
	last := c.statusByCorr[key]
	c.mu.Unlock()
	if last == content {
		return nil
	}
	if err := c.Send(ctx, chatID, content); err != nil {
		return err
	}
	c.mu.Lock()
	c.statusByCorr[key] = content
	c.mu.Unlock()
	return nil
}

// ClearStatus forgets the last status text for correlationID so the next
// status for that batch is resent rather than suppressed as a duplicate.
func (c *Channel) ClearStatus(ctx context.Context, chatID, correlationID string) error {
	c.mu.Lock()
	delete(c.statusByCorr, statusKey(chatID, correlationID))
	c.mu.Unlock()
	return nil
}

// RegisterCommands is a no-op: WhatsApp has no native command registry.
func (c *Channel) RegisterCommands(ctx context.Context, cmds []messenger.Command) error {
	return nil
}

// StartListener is called once for this push transport: it attaches b and
// blocks until ctx is done; inbound events arrive through the handler wired
// during Connect.
func (c *Channel) StartListener(ctx context.Context, b *bus.MessageBus) error {
	c.bus = b
	<-ctx.Done()
	return ctx.Err()
}

func (c *Channel) NeedsPolling() bool         { return false }
func (c *Channel) PollInterval() time.Duration { return 0 }

// AttachBus wires the bus before Connect is called so early events are not
// dropped.
func (c *Channel) AttachBus(b *bus.MessageBus) { c.bus = b }

// Stop disconnects the client and closes the session store.
func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.Disconnect()
	}
	if c.container != nil {
		return c.container.Close()
	}
	return nil
}

// deliveryBackoff returns the next retry delay for a chat, doubling up to a
// 5 minute ceiling, used when outbound delivery fails transiently.
func (c *Channel) deliveryBackoff(chatID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.backoffByChat[chatID]
	if d == 0 {
		d = time.Second
	} else {
		d *= 2
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	c.backoffByChat[chatID] = d
	return d
}

// resetBackoff clears chatID's backoff state after a successful send, so the
// next transient failure starts again at the 1 second floor.
func (c *Channel) resetBackoff(chatID string) {
	c.mu.Lock()
	delete(c.backoffByChat, chatID)
	c.mu.Unlock()
}

// defaultSessionPath is the fallback whatsmeow session store location used
// when messenger.whatsapp.sessionDbPath is left unset in config.
func defaultSessionPath() string {
	home, _ := os.UserHomeDir()
	return home + "/.nanoclaw/whatsapp.db"
}
