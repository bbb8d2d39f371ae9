// Package app wires every component into one running process (§4.10): it
// opens the store, constructs the messenger/queue/dispatcher/scheduler/IPC
// watcher, runs the startup recovery scan, and handles graceful shutdown.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hitsmaxft/nanoclaw/internal/batch"
	"github.com/hitsmaxft/nanoclaw/internal/bus"
	"github.com/hitsmaxft/nanoclaw/internal/config"
	"github.com/hitsmaxft/nanoclaw/internal/container"
	"github.com/hitsmaxft/nanoclaw/internal/dispatch"
	"github.com/hitsmaxft/nanoclaw/internal/ingest"
	"github.com/hitsmaxft/nanoclaw/internal/ipc"
	"github.com/hitsmaxft/nanoclaw/internal/messenger"
	"github.com/hitsmaxft/nanoclaw/internal/messenger/poll"
	"github.com/hitsmaxft/nanoclaw/internal/messenger/slack"
	"github.com/hitsmaxft/nanoclaw/internal/messenger/whatsapp"
	"github.com/hitsmaxft/nanoclaw/internal/queue"
	"github.com/hitsmaxft/nanoclaw/internal/scheduler"
	"github.com/hitsmaxft/nanoclaw/internal/statusrelay"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

// App holds every long-lived component for one router process.
type App struct {
	Config    *config.Config
	Store     *store.Store
	Bus       *bus.MessageBus
	Messenger messenger.Messenger
	Queue     *queue.Queue
	Builder   *batch.Builder
	Dispatch  *dispatch.Dispatcher
	Ingest    *ingest.Ingestor
	Scheduler *scheduler.Scheduler
	IPC       *ipc.Watcher

	closers []func()
}

// New constructs every component but starts nothing. Run drives the
// lifecycle described in §4.10.
func New(cfg *config.Config) (*App, error) {
	if err := verifyContainerSubsystem(cfg); err != nil {
		return nil, fmt.Errorf("app: container subsystem unavailable: %w", err)
	}

	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.WorkspaceDir, cfg.Paths.IPCRoot} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("app: create %s: %w", dir, err)
		}
	}

	st, err := store.Open(cfg.Paths.DataDir + "/nanoclaw.db")
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	m, err := buildMessenger(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: build messenger: %w", err)
	}

	b := bus.NewMessageBus()
	builder := batch.New(st, cfg, m)
	relay := statusrelay.New(m, cfg.Dispatch.StatusDebounce)
	rt := container.NewProcessRuntime(cfg.Paths.WorkspaceDir)

	var q *queue.Queue
	disp := dispatch.New(st, cfg, rt, m, relay, nil)
	if secret := cfg.Gateway.BridgeSecret; secret != "" {
		disp.BridgeSecret = []byte(secret)
	}
	q = queue.NewWithRetry(cfg.Queue.MaxConcurrentChats, func(ctx context.Context, chatID string) error {
		built, err := builder.Build(ctx, chatID)
		if err != nil {
			return err
		}
		if built == nil {
			return nil
		}
		return disp.Run(ctx, built)
	}, queue.RetryPolicy{
		BaseDelay:   cfg.Queue.RetryBaseDelay,
		MaxDelay:    cfg.Queue.RetryMaxDelay,
		MaxAttempts: cfg.Queue.RetryMaxAttempts,
	})
	disp.Queue = q

	var closers []func()
	brokerClose, err := wireBroker(q)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: wire broker: %w", err)
	}
	closers = append(closers, brokerClose)
	cacheClose, err := wireWindowStore(relay)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: wire window store: %w", err)
	}
	closers = append(closers, cacheClose)

	ing := ingest.New(st, q, cfg.Router.BotPrefix)
	ing.Intercept = builder.RegisterChat

	loc, err := time.LoadLocation(cfg.Router.Timezone)
	if err != nil {
		loc = time.UTC
	}
	sched := scheduler.New(st, q, cfg.Scheduler.TickInterval, cfg.Paths.DataDir+"/scheduler.lock")
	watcher := ipc.New(st, m, cfg.Paths.IPCRoot, cfg.IPC.PollInterval, loc, cfg.Router.AssistantName)

	return &App{
		Config:    cfg,
		Store:     st,
		Bus:       b,
		Messenger: m,
		Queue:     q,
		Builder:   builder,
		Dispatch:  disp,
		Ingest:    ing,
		Scheduler: sched,
		IPC:       watcher,
		closers:   closers,
	}, nil
}

func verifyContainerSubsystem(cfg *config.Config) error {
	if len(cfg.Dispatch.AgentCommand) == 0 {
		return fmt.Errorf("dispatch.agentCommand is not configured")
	}
	return nil
}

func buildMessenger(cfg *config.Config) (messenger.Messenger, error) {
	switch cfg.Messenger.Active {
	case "whatsapp":
		return whatsapp.New(whatsapp.Config{
			SessionDBPath: cfg.Messenger.WhatsApp.SessionDBPath,
			QRCodePath:    cfg.Messenger.WhatsApp.QRCodePath,
			AllowFrom:     cfg.Messenger.WhatsApp.AllowFrom,
			DropUnknown:   cfg.Messenger.WhatsApp.DropUnknown,
		}), nil
	case "slack":
		return slack.New(slack.Config{
			BotToken:  cfg.Messenger.Slack.BotToken,
			AppToken:  cfg.Messenger.Slack.AppToken,
			BotUserID: cfg.Messenger.Slack.BotUserID,
			AllowFrom: cfg.Messenger.Slack.AllowFrom,
		}), nil
	case "poll", "":
		return poll.New(cfg.Messenger.Poll.Interval), nil
	default:
		return nil, fmt.Errorf("unknown messenger transport %q", cfg.Messenger.Active)
	}
}

// Run drives the full lifecycle: connect, register commands, start the
// background components, run the recovery scan, greet the main workspace,
// and block until ctx is cancelled, then drain the queue within
// shutdownDeadline.
func (a *App) Run(ctx context.Context) error {
	if attachable, ok := a.Messenger.(interface {
		AttachBus(*bus.MessageBus)
	}); ok {
		attachable.AttachBus(a.Bus)
	}
	if err := a.Messenger.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect messenger: %w", err)
	}
	if err := a.Messenger.RegisterCommands(ctx, []messenger.Command{
		{Name: "help", Description: "Show available commands"},
		{Name: "new", Description: "Start a fresh agent session"},
		{Name: "register", Description: "Register this chat as a workspace"},
	}); err != nil {
		slog.Warn("app: register commands failed", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 8)
	run := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("queue", a.Queue.Run)
	run("ipc", a.IPC.Run)
	run("ingest", func(c context.Context) error { return a.Ingest.Run(c, a.Bus) })
	if a.Config.Scheduler.Enabled {
		run("scheduler", a.Scheduler.Run)
	}
	if a.Messenger.NeedsPolling() {
		go a.pollLoop(runCtx)
	} else {
		run("listener", func(c context.Context) error { return a.Messenger.StartListener(c, a.Bus) })
	}

	if err := a.recover(runCtx); err != nil {
		slog.Error("app: recovery scan failed", "error", err)
	}
	a.greetMain(runCtx)

	select {
	case <-ctx.Done():
	case err := <-errs:
		slog.Error("app: component failed", "error", err)
	}

	cancel()
	a.Queue.Shutdown(a.Config.Queue.ShutdownDeadline)
	for _, closeFn := range a.closers {
		closeFn()
	}
	return a.Store.Close()
}

func (a *App) pollLoop(ctx context.Context) {
	interval := a.Messenger.PollInterval()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Messenger.StartListener(ctx, a.Bus); err != nil {
				slog.Warn("app: poll listener failed", "error", err)
			}
		}
	}
}

// recover re-enqueues every registered chat with unprocessed messages past
// its cursor, covering the at-least-once restart case (§4.10, §5.3): a
// crash between ingestion and successful dispatch leaves work durably
// recorded but never marked done, and the next startup must not lose it.
func (a *App) recover(ctx context.Context) error {
	if !a.Config.Router.RecoveryOnStartup {
		return nil
	}
	workspaces, err := a.Store.AllWorkspaces()
	if err != nil {
		return fmt.Errorf("app: list workspaces: %w", err)
	}
	for _, ws := range workspaces {
		cursor, err := a.Store.ChatCursor(ws.ChatID)
		if err != nil {
			slog.Warn("app: recovery cursor lookup failed", "chat", ws.ChatID, "error", err)
			continue
		}
		pending, err := a.Store.GetMessagesSince(ws.ChatID, cursor, a.Config.Router.BotPrefix)
		if err != nil {
			slog.Warn("app: recovery message lookup failed", "chat", ws.ChatID, "error", err)
			continue
		}
		if len(pending) > 0 {
			slog.Info("app: recovering pending batch", "chat", ws.ChatID, "messages", len(pending))
			a.Queue.Enqueue(ws.ChatID)
		}
	}
	return nil
}

func (a *App) greetMain(ctx context.Context) {
	main, err := a.Store.MainWorkspace()
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err != nil {
		slog.Warn("app: main workspace lookup failed", "error", err)
		return
	}
	greeting := fmt.Sprintf("%s is online.", a.Config.Router.AssistantName)
	if err := a.Messenger.Send(ctx, main.ChatID, greeting); err != nil {
		slog.Warn("app: main workspace greeting failed", "error", err)
	}
}
