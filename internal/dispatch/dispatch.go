// Package dispatch implements the agent dispatcher (§4.6): it prepares a
// workspace's snapshot files, resolves mount policy, spawns the agent as a
// container.Runtime instance, streams its stdout/stderr, parses the
// structured payload, and applies the post-run session/cursor/reply logic.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hitsmaxft/nanoclaw/internal/batch"
	"github.com/hitsmaxft/nanoclaw/internal/config"
	"github.com/hitsmaxft/nanoclaw/internal/container"
	"github.com/hitsmaxft/nanoclaw/internal/ipc"
	"github.com/hitsmaxft/nanoclaw/internal/messenger"
	"github.com/hitsmaxft/nanoclaw/internal/queue"
	"github.com/hitsmaxft/nanoclaw/internal/statusrelay"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

const (
	markerStart = "---NANOCLAW_OUTPUT_START---"
	markerEnd   = "---NANOCLAW_OUTPUT_END---"
	statusPrefix = "STATUS:"
	logPrefix    = "[agent-runner]"
)

// AgentInput is the single JSON document written to the agent's stdin.
type AgentInput struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId,omitempty"`
	GroupFolder     string `json:"groupFolder"`
	ChatJID         string `json:"chatJid"`
	IsMain          bool   `json:"isMain"`
	IsScheduledTask bool   `json:"isScheduledTask,omitempty"`
}

// AgentResult is the agent's reported outcome.
type AgentResult struct {
	OutputType  string `json:"outputType"` // "message" or "log"
	UserMessage string `json:"userMessage,omitempty"`
	InternalLog string `json:"internalLog,omitempty"`
}

// AgentPayload is the structured block the agent writes between the two
// marker lines on stdout.
type AgentPayload struct {
	Status       string       `json:"status"` // "success" or "error"
	Result       *AgentResult `json:"result,omitempty"`
	NewSessionID string       `json:"newSessionId,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Dispatcher spawns and supervises one agent run per batch.
type Dispatcher struct {
	Store     *store.Store
	Config    *config.Config
	Runtime   container.Runtime
	Messenger messenger.Messenger
	Status    *statusrelay.Relay
	Queue     *queue.Queue

	// BridgeSecret signs the per-run capability token handed to the agent
	// for the optional cmd/nanoclaw-bridge HTTP endpoint. Nil disables the
	// bridge: no token is issued and the env var is omitted.
	BridgeSecret []byte
}

// New creates a Dispatcher.
func New(st *store.Store, cfg *config.Config, rt container.Runtime, m messenger.Messenger, sr *statusrelay.Relay, q *queue.Queue) *Dispatcher {
	return &Dispatcher{Store: st, Config: cfg, Runtime: rt, Messenger: m, Status: sr, Queue: q}
}

// Run executes one batch end to end. A nil return means the batch is done
// (successfully or with a result already delivered); a non-nil error tells
// the caller (C4) to retry with backoff.
func (d *Dispatcher) Run(ctx context.Context, b *batch.Batch) error {
	ws := b.Workspace
	defer d.Status.Clear(ctx, ws.ChatID, b.CorrelationID)

	if err := d.writeSnapshots(ws); err != nil {
		return fmt.Errorf("dispatch: write snapshots: %w", err)
	}

	sessionID, err := d.Store.GetSession(ws.Folder)
	if err != nil {
		return fmt.Errorf("dispatch: load session: %w", err)
	}

	input := AgentInput{
		Prompt:          b.Prompt,
		SessionID:       sessionID,
		GroupFolder:     ws.Folder,
		ChatJID:         ws.ChatID,
		IsMain:          ws.IsMainSession,
		IsScheduledTask: b.IsScheduledTask,
	}
	stdin, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("dispatch: marshal agent input: %w", err)
	}

	spec, err := d.buildSpec(ws, stdin)
	if err != nil {
		return fmt.Errorf("dispatch: build spec: %w", err)
	}

	timeout := time.Duration(ws.ContainerConfig.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = d.Config.Dispatch.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout bytes.Buffer
	firstStatus := true
	spec.OnStdout = func(line string) { stdout.WriteString(line); stdout.WriteByte('\n') }
	spec.OnStderr = func(line string) {
		if rest, ok := strings.CutPrefix(line, statusPrefix); ok {
			_ = d.Status.Update(ctx, ws.ChatID, b.CorrelationID, "⏳ "+strings.TrimSpace(rest), firstStatus)
			firstStatus = false
			return
		}
		slog.Info(logPrefix, "chat", ws.ChatID, "line", line)
	}

	handle, err := d.Runtime.Launch(runCtx, *spec)
	if err != nil {
		return fmt.Errorf("dispatch: launch: %w", err)
	}
	containerName := handle.ID()
	d.Queue.RegisterProcess(ws.ChatID, handle, containerName)

	waitErr := handle.Wait(runCtx)

	payload, parseErr := parsePayload(stdout.String())
	if parseErr != nil && waitErr == nil {
		return fmt.Errorf("dispatch: parse agent payload: %w", parseErr)
	}
	if parseErr != nil && waitErr != nil {
		// Crashed before emitting any payload: nothing to salvage.
		return fmt.Errorf("dispatch: agent exited without output: %w", waitErr)
	}

	if payload.NewSessionID != "" {
		if err := d.Store.SetSession(ws.Folder, payload.NewSessionID); err != nil {
			slog.Error("dispatch: persist session failed", "chat", ws.ChatID, "error", err)
		}
	}

	if payload.Status == "success" || (payload.Status == "error" && payload.Result != nil) {
		if payload.Result != nil && payload.Result.OutputType == "message" && payload.Result.UserMessage != "" {
			reply := fmt.Sprintf("%s: %s", d.Config.Router.AssistantName, payload.Result.UserMessage)
			if err := d.Messenger.Send(ctx, ws.ChatID, reply); err != nil {
				slog.Error("dispatch: send reply failed", "chat", ws.ChatID, "error", err)
			}
		}
		if err := d.Store.AdvanceChatCursor(ws.ChatID, b.LastTimestamp); err != nil {
			return fmt.Errorf("dispatch: advance cursor: %w", err)
		}
		return nil
	}

	return fmt.Errorf("dispatch: agent reported error: %s", payload.Error)
}

func parsePayload(stdout string) (*AgentPayload, error) {
	start := strings.Index(stdout, markerStart)
	end := strings.Index(stdout, markerEnd)
	if start < 0 || end < 0 || end < start {
		return nil, fmt.Errorf("missing output markers")
	}
	raw := stdout[start+len(markerStart) : end]
	var payload AgentPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &payload, nil
}

// writeSnapshots writes tasks.json (and, for main, available_groups.json)
// into the workspace directory for the agent to read.
func (d *Dispatcher) writeSnapshots(ws *store.Workspace) error {
	dir := config.WorkspacePath(d.Config.Paths.WorkspaceDir, ws.Folder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tasks, err := d.Store.TasksForFolder(ws.Folder)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "tasks.json"), tasks); err != nil {
		return err
	}

	if !ws.IsMainSession {
		return nil
	}
	chats, err := d.Store.AllChats()
	if err != nil {
		return err
	}
	type groupEntry struct {
		ChatID       string `json:"chatId"`
		Name         string `json:"name"`
		Registered   bool   `json:"registered"`
	}
	entries := make([]groupEntry, 0, len(chats))
	for _, c := range chats {
		_, err := d.Store.WorkspaceByChatID(c.ChatID)
		entries = append(entries, groupEntry{ChatID: c.ChatID, Name: c.DisplayName, Registered: err == nil})
	}
	return writeJSON(filepath.Join(dir, "available_groups.json"), entries)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// buildSpec resolves workspace mounts and produces the container.Spec for
// this run. The workspace's own folder is always mounted read-write;
// additional_mounts are honoured only if the host path is under an
// allow-listed root and matches no blocked-pattern glob; non-main
// workspaces always get additional mounts forced read-only.
func (d *Dispatcher) buildSpec(ws *store.Workspace, stdin []byte) (*container.Spec, error) {
	workDir := config.WorkspacePath(d.Config.Paths.WorkspaceDir, ws.Folder)

	allowRoots, err := config.LoadAllowListRoots(d.Config.Paths.AllowListFile)
	if err != nil {
		return nil, err
	}
	allowRoots = append(allowRoots, d.Config.Dispatch.MountAllowRoots...)

	env := []string{
		"NANOCLAW_WORKSPACE=" + workDir,
		"NANOCLAW_IPC_DIR=" + filepath.Join(d.Config.Paths.IPCRoot, ws.Folder),
	}
	if d.BridgeSecret != nil {
		token, err := ipc.IssueCapabilityToken(d.BridgeSecret, ws.Folder, ws.ChatID, 10*time.Minute)
		if err != nil {
			slog.Warn("dispatch: failed to issue bridge capability token", "chat", ws.ChatID, "error", err)
		} else {
			env = append(env, "NANOCLAW_CAPABILITY_TOKEN="+token)
		}
	}
	for _, m := range ws.ContainerConfig.AdditionalMounts {
		if !underAnyRoot(m.HostPath, allowRoots) {
			slog.Warn("dispatch: mount rejected, not under allow-list", "chat", ws.ChatID, "path", m.HostPath)
			continue
		}
		if matchesAnyBlockGlob(m.HostPath, d.Config.Dispatch.MountBlockGlobs) {
			slog.Warn("dispatch: mount rejected, matches blocked pattern", "chat", ws.ChatID, "path", m.HostPath)
			continue
		}
		readOnly := m.ReadOnly || !ws.IsMainSession
		env = append(env, fmt.Sprintf("NANOCLAW_MOUNT_%s=%s:%t", strings.ToUpper(m.Name), m.HostPath, readOnly))
	}

	name := fmt.Sprintf("nanoclaw-%d-%04x", time.Now().UnixNano(), rand.Intn(0x10000))
	return &container.Spec{
		WorkDir:     workDir,
		Command:     append([]string{}, d.Config.Dispatch.AgentCommand...),
		Env:         append(env, "NANOCLAW_CONTAINER_NAME="+name),
		MemoryLimit: ws.ContainerConfig.MemoryLimitBytes,
		CPULimit:    ws.ContainerConfig.CPUNice,
		Stdin:       stdin,
	}, nil
}

func underAnyRoot(path string, roots []string) bool {
	if len(roots) == 0 {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == absRoot || strings.HasPrefix(abs, absRoot+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func matchesAnyBlockGlob(path string, globs []string) bool {
	for _, g := range globs {
		needle := strings.Trim(strings.ReplaceAll(g, "**", ""), "/*")
		if needle != "" && strings.Contains(path, needle) {
			return true
		}
	}
	return false
}
