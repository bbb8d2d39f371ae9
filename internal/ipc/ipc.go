// Package ipc watches the on-disk IPC tree for agent-initiated side-effect
// requests (§4.8): outbound messages/status updates, task scheduling, task
// lifecycle control, group rediscovery, and new-workspace registration. The
// directory a record is found in is the trusted claim of origin; its JSON
// contents are never trusted beyond that.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hitsmaxft/nanoclaw/internal/messenger"
	"github.com/hitsmaxft/nanoclaw/internal/scheduler"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

// record is the union of every IPC record shape. Unused fields for a given
// Type are simply left zero.
type record struct {
	Type string `json:"type"`

	ChatJID string `json:"chat_jid,omitempty"`
	Text    string `json:"text,omitempty"`

	Prompt        string                `json:"prompt,omitempty"`
	ScheduleType  string                `json:"schedule_type,omitempty"`
	ScheduleValue string                `json:"schedule_value,omitempty"`
	TargetJID     string                `json:"target_jid,omitempty"`
	ContextMode   string                `json:"context_mode,omitempty"`
	ContainerCfg  *store.ContainerConfig `json:"container_config,omitempty"`

	TaskID string `json:"task_id,omitempty"`

	JID     string `json:"jid,omitempty"`
	Name    string `json:"name,omitempty"`
	Folder  string `json:"folder,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}

// Watcher drains the IPC directory tree and applies authorised records.
type Watcher struct {
	Store         *store.Store
	Messenger     messenger.Messenger
	Root          string
	PollInterval  time.Duration
	Location      *time.Location
	AssistantName string
}

// New creates a Watcher. loc is used to interpret cron schedule values; a
// nil loc defaults to UTC. assistantName prefixes every agent-originated
// "message" record the same way internal/dispatch prefixes its own replies.
func New(st *store.Store, m messenger.Messenger, root string, pollInterval time.Duration, loc *time.Location, assistantName string) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Watcher{Store: st, Messenger: m, Root: root, PollInterval: pollInterval, Location: loc, AssistantName: assistantName}
}

// Run watches Root for new *.json files and processes each one as it
// appears, falling back to a poll sweep on the same interval in case
// fsnotify misses an event (common on some overlay/bind-mount filesystems).
// Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := os.Stat(w.Root); os.IsNotExist(err) {
		if err := os.MkdirAll(w.Root, 0755); err != nil {
			return fmt.Errorf("ipc: create root: %w", err)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("ipc: fsnotify unavailable, falling back to pure polling", "error", err)
		return w.pollLoop(ctx)
	}
	defer fw.Close()

	if err := w.watchTree(fw); err != nil {
		slog.Warn("ipc: failed to watch tree, falling back to pure polling", "error", err)
		return w.pollLoop(ctx)
	}

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	w.sweep()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = fw.Add(ev.Name)
					continue
				}
				w.maybeProcess(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("ipc: watcher error", "error", err)
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	w.sweep()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watcher) watchTree(fw *fsnotify.Watcher) error {
	return filepath.WalkDir(w.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}

// sweep scans every workspace's messages/ and tasks/ directories for *.json
// files, in case a fsnotify event was missed.
func (w *Watcher) sweep() {
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		for _, sub := range []string{"messages", "tasks"} {
			dir := filepath.Join(w.Root, e.Name(), sub)
			files, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, f := range files {
				if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
					continue
				}
				w.maybeProcess(filepath.Join(dir, f.Name()))
			}
		}
	}
}

func (w *Watcher) maybeProcess(path string) {
	if filepath.Ext(path) != ".json" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return // already consumed by a racing event + sweep
	}
	w.process(path)
}

// originFolder derives the claiming workspace's folder name from a record's
// path: <root>/<folder>/{messages,tasks}/<file>.json.
func originFolder(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	segs := strings.Split(filepath.ToSlash(rel), "/")
	if len(segs) < 3 {
		return ""
	}
	return segs[0]
}

func (w *Watcher) process(path string) {
	origin := originFolder(w.Root, path)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		w.quarantine(path, origin, "", fmt.Sprintf("malformed json: %v", err))
		return
	}

	outcome, reason := w.apply(origin, &rec)
	switch outcome {
	case "applied":
		_ = os.Remove(path)
	case "rejected":
		w.quarantine(path, origin, rec.Type, reason)
	}
	_ = w.Store.RecordIPCAudit(origin, rec.Type, outcome, reason)
}

func (w *Watcher) quarantine(path, origin, recordType, reason string) {
	dir, err := ensureErrorsDir(w.Root)
	if err == nil {
		dest := filepath.Join(dir, fmt.Sprintf("%s-%s", origin, filepath.Base(path)))
		_ = os.Rename(path, dest)
	} else {
		_ = os.Remove(path)
	}
	_ = w.Store.RecordIPCAudit(origin, recordType, "quarantined", reason)
}

func ensureErrorsDir(root string) (string, error) {
	dir := filepath.Join(root, "errors")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// apply authorises and enacts one record, returning an audit outcome
// ("applied" or "rejected") and, for rejections, the reason.
func (w *Watcher) apply(origin string, rec *record) (string, string) {
	isMain, err := w.isMainFolder(origin)
	if err != nil {
		return "rejected", fmt.Sprintf("origin workspace lookup failed: %v", err)
	}

	switch rec.Type {
	case "message", "status":
		return w.applyOutbound(origin, isMain, rec)
	case "schedule_task":
		return w.applySchedule(origin, isMain, rec)
	case "pause_task", "resume_task", "cancel_task":
		return w.applyTaskControl(origin, isMain, rec)
	case "refresh_groups":
		return w.applyRefreshGroups(isMain)
	case "register_group":
		return w.applyRegisterGroup(isMain, rec)
	default:
		return "rejected", fmt.Sprintf("unknown record type %q", rec.Type)
	}
}

func (w *Watcher) isMainFolder(folder string) (bool, error) {
	main, err := w.Store.MainWorkspace()
	if err != nil {
		return false, nil // no main workspace yet; everything is non-main
	}
	return main.Folder == folder, nil
}

// targetAllowed enforces "main may target anything registered; a non-main
// workspace may only target its own chat."
func (w *Watcher) targetAllowed(origin string, isMain bool, targetChatID string) (bool, error) {
	if isMain {
		return true, nil
	}
	ws, err := w.Store.WorkspaceByChatID(targetChatID)
	if err != nil {
		return false, err
	}
	return ws.Folder == origin, nil
}

func (w *Watcher) applyOutbound(origin string, isMain bool, rec *record) (string, string) {
	if rec.ChatJID == "" || rec.Text == "" {
		return "rejected", "message/status record missing chat_jid or text"
	}
	allowed, err := w.targetAllowed(origin, isMain, rec.ChatJID)
	if err != nil {
		return "rejected", fmt.Sprintf("target lookup failed: %v", err)
	}
	if !allowed {
		return "rejected", "non-main workspace targeted a chat it does not own"
	}

	ctx := context.Background()
	if rec.Type == "status" {
		_ = w.Messenger.SendOrUpdateStatus(ctx, rec.ChatJID, "ipc:"+rec.ChatJID, "⏳ "+rec.Text)
	} else {
		text := rec.Text
		if w.AssistantName != "" {
			text = fmt.Sprintf("%s: %s", w.AssistantName, text)
		}
		_ = w.Messenger.Send(ctx, rec.ChatJID, text)
	}
	return "applied", ""
}

func (w *Watcher) applySchedule(origin string, isMain bool, rec *record) (string, string) {
	if rec.Prompt == "" || rec.ScheduleType == "" || rec.ScheduleValue == "" || rec.TargetJID == "" {
		return "rejected", "schedule_task record missing required fields"
	}
	allowed, err := w.targetAllowed(origin, isMain, rec.TargetJID)
	if err != nil {
		return "rejected", fmt.Sprintf("target lookup failed: %v", err)
	}
	if !allowed {
		return "rejected", "non-main workspace scheduled for a chat it does not own"
	}
	ws, err := w.Store.WorkspaceByChatID(rec.TargetJID)
	if err != nil {
		return "rejected", fmt.Sprintf("target workspace lookup failed: %v", err)
	}

	next, err := scheduler.FirstRun(rec.ScheduleType, rec.ScheduleValue, time.Now().In(w.Location))
	if err != nil {
		return "rejected", fmt.Sprintf("invalid schedule: %v", err)
	}

	contextMode := rec.ContextMode
	if contextMode == "" {
		contextMode = "isolated"
	}
	task := &store.ScheduledTask{
		Folder:        ws.Folder,
		ChatID:        rec.TargetJID,
		Prompt:        rec.Prompt,
		ScheduleKind:  rec.ScheduleType,
		ScheduleValue: rec.ScheduleValue,
		ContextMode:   contextMode,
		NextRun:       next,
	}
	if err := w.Store.CreateScheduledTask(task); err != nil {
		return "rejected", fmt.Sprintf("create task failed: %v", err)
	}
	return "applied", ""
}

func (w *Watcher) applyTaskControl(origin string, isMain bool, rec *record) (string, string) {
	if rec.TaskID == "" {
		return "rejected", "task control record missing task_id"
	}
	task, err := w.Store.TaskByID(rec.TaskID)
	if err != nil {
		return "rejected", fmt.Sprintf("task lookup failed: %v", err)
	}
	if !isMain && task.Folder != origin {
		return "rejected", "non-main workspace attempted to control a task it does not own"
	}

	status := map[string]string{"pause_task": "paused", "resume_task": "active", "cancel_task": "completed"}[rec.Type]
	if err := w.Store.SetTaskStatus(rec.TaskID, status); err != nil {
		return "rejected", fmt.Sprintf("set task status failed: %v", err)
	}
	return "applied", ""
}

func (w *Watcher) applyRefreshGroups(isMain bool) (string, string) {
	if !isMain {
		return "rejected", "refresh_groups is restricted to the main workspace"
	}
	main, err := w.Store.MainWorkspace()
	if err != nil {
		return "rejected", fmt.Sprintf("main workspace lookup failed: %v", err)
	}
	if err := w.Store.RecordDiscoveryRefresh(time.Now()); err != nil {
		return "rejected", fmt.Sprintf("record discovery refresh failed: %v", err)
	}
	_ = main // the dispatcher rewrites available_groups.json from store.AllChats on the main workspace's next run
	return "applied", ""
}

func (w *Watcher) applyRegisterGroup(isMain bool, rec *record) (string, string) {
	if !isMain {
		return "rejected", "register_group is restricted to the main workspace"
	}
	if rec.JID == "" || rec.Folder == "" {
		return "rejected", "register_group record missing jid or folder"
	}
	if _, err := w.Store.WorkspaceByChatID(rec.JID); err == nil {
		return "rejected", "chat is already registered"
	}
	ws := &store.Workspace{
		ChatID:          rec.JID,
		Folder:          rec.Folder,
		DisplayName:     rec.Name,
		TriggerPattern:  rec.Trigger,
		RequiresTrigger: rec.Trigger != "",
	}
	if rec.ContainerCfg != nil {
		ws.ContainerConfig = *rec.ContainerCfg
	}
	if err := w.Store.RegisterWorkspace(ws); err != nil {
		return "rejected", fmt.Sprintf("register workspace failed: %v", err)
	}
	return "applied", ""
}
