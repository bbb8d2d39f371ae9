// Package statusrelay debounces the agent dispatcher's STATUS: updates
// before they reach a messenger, so a chatty agent cannot flood a chat with
// one platform message per line of progress output.
package statusrelay

import (
	"context"
	"sync"
	"time"

	"github.com/hitsmaxft/nanoclaw/internal/messenger"
)

// WindowStore is an optional distributed backing for the debounce window's
// last-sent bookkeeping, letting multiple router processes sharing one
// messenger session agree on who gets to send next. Relay keeps correct,
// process-local behavior when Store is nil; Store only needs to add the
// cross-process guarantee.
type WindowStore interface {
	// Acquire reports whether the caller may send immediately for key. An
	// implementation enforces this as a short-lived distributed lock (e.g.
	// Redis SET NX PX) scoped to window.
	Acquire(ctx context.Context, key string, window time.Duration) (bool, error)
}

// Relay wraps a messenger.Messenger's SendOrUpdateStatus/ClearStatus pair
// with a per-(chatID, correlationID) debounce window: bursts of status lines
// collapse to at most one outbound edit per window, always carrying the
// latest text.
type Relay struct {
	Messenger messenger.Messenger
	Window    time.Duration
	Store     WindowStore

	mu      sync.Mutex
	tracked map[string]*pending
}

type pending struct {
	lastSent time.Time
	timer    *time.Timer
	latest   string
	first    bool
}

// New creates a Relay with the given debounce window. A zero window sends
// every update immediately.
func New(m messenger.Messenger, window time.Duration) *Relay {
	return &Relay{Messenger: m, Window: window, tracked: make(map[string]*pending)}
}

func key(chatID, correlationID string) string { return chatID + "\x00" + correlationID }

// Update schedules content to be sent or edited into the status message for
// (chatID, correlationID). first is recorded on the tracked entry but is not
// forwarded: the messenger decides between posting a new message and editing
// an existing one from its own per-(chatID, correlationID) state.
func (r *Relay) Update(ctx context.Context, chatID, correlationID, content string, first bool) error {
	if r.Window <= 0 {
		return r.Messenger.SendOrUpdateStatus(ctx, chatID, correlationID, content)
	}

	k := key(chatID, correlationID)
	r.mu.Lock()
	p, ok := r.tracked[k]
	if !ok {
		p = &pending{first: first}
		r.tracked[k] = p
	}
	p.latest = content
	if first {
		p.first = true
	}
	elapsed := time.Since(p.lastSent)
	if elapsed >= r.Window && p.timer == nil {
		if r.Store != nil {
			r.mu.Unlock()
			acquired, err := r.Store.Acquire(ctx, k, r.Window)
			if err == nil && !acquired {
				return nil // another process already owns this window
			}
			r.mu.Lock()
		}
		p.lastSent = time.Now()
		text := p.latest
		p.first = false
		r.mu.Unlock()
		return r.Messenger.SendOrUpdateStatus(ctx, chatID, correlationID, text)
	}
	if p.timer == nil {
		delay := r.Window - elapsed
		p.timer = time.AfterFunc(delay, func() { r.flush(ctx, chatID, correlationID) })
	}
	r.mu.Unlock()
	return nil
}

func (r *Relay) flush(ctx context.Context, chatID, correlationID string) {
	k := key(chatID, correlationID)
	r.mu.Lock()
	p, ok := r.tracked[k]
	if !ok {
		r.mu.Unlock()
		return
	}
	text := p.latest
	p.timer = nil
	p.lastSent = time.Now()
	r.mu.Unlock()

	_ = r.Messenger.SendOrUpdateStatus(ctx, chatID, correlationID, text)
}

// Clear forgets the tracked status for (chatID, correlationID) and asks the
// messenger to clear it from the platform. Safe to call even if no status
// was ever sent.
func (r *Relay) Clear(ctx context.Context, chatID, correlationID string) {
	k := key(chatID, correlationID)
	r.mu.Lock()
	if p, ok := r.tracked[k]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(r.tracked, k)
	}
	r.mu.Unlock()

	_ = r.Messenger.ClearStatus(ctx, chatID, correlationID)
}
