// Package store provides the sqlite-backed persistent state for chats,
// registered workspaces, messages, sessions, cursors, and scheduled tasks.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite connection and exposes entity-level operations.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at dbPath, applies
// the schema, and runs best-effort additive migrations.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	s := &Store{db: db}
	s.migrate()
	if err := s.bootstrapCursor(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate runs idempotent additive-column changes. Each statement is
// best-effort: sqlite has no "ADD COLUMN IF NOT EXISTS", and a failure here
// almost always means the column already exists.
func (s *Store) migrate() {
	stmts := []string{
		`ALTER TABLE workspaces ADD COLUMN container_config TEXT NOT NULL DEFAULT '{}'`,
		`ALTER TABLE scheduled_tasks ADD COLUMN context_mode TEXT NOT NULL DEFAULT 'isolated'`,
		`ALTER TABLE chats ADD COLUMN chat_type TEXT NOT NULL DEFAULT 'group'`,
	}
	for _, stmt := range stmts {
		_, _ = s.db.Exec(stmt)
	}
}

func (s *Store) bootstrapCursor() error {
	_, err := s.db.Exec(`INSERT INTO router_cursor (id, last_timestamp) VALUES (1, '') ON CONFLICT(id) DO NOTHING`)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Chats -----------------------------------------------------------------

// Chat mirrors a row in the chats table.
type Chat struct {
	ChatID          string
	Platform        string
	ChatType        string // "private" or "group"
	DisplayName     string
	LastMessageTime time.Time
}

// UpsertChat records first sighting or refreshes an existing chat. The
// display name is "coalesce(new, old)" and the activity timestamp is
// "max(new, old)", matching the upsert semantics chats require. chatType is
// recorded on first sighting only (a chat's type never legitimately
// changes after creation).
func (s *Store) UpsertChat(chatID, platform, chatType, displayName string, lastMessageTime time.Time) error {
	if chatType == "" {
		chatType = "group"
	}
	ts := lastMessageTime.UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`INSERT INTO chats (chat_id, platform, chat_type, display_name, last_message_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE chats.display_name END,
			last_message_time = CASE WHEN excluded.last_message_time > chats.last_message_time THEN excluded.last_message_time ELSE chats.last_message_time END`,
		chatID, platform, chatType, displayName, ts, nowISO())
	return err
}

// ChatByID returns a chat by id.
func (s *Store) ChatByID(chatID string) (*Chat, error) {
	row := s.db.QueryRow(`SELECT chat_id, platform, chat_type, display_name, last_message_time FROM chats WHERE chat_id = ?`, chatID)
	var c Chat
	var ts string
	if err := row.Scan(&c.ChatID, &c.Platform, &c.ChatType, &c.DisplayName, &ts); err != nil {
		return nil, err
	}
	c.LastMessageTime, _ = time.Parse(time.RFC3339Nano, ts)
	return &c, nil
}

// DiscoverySentinelChatID is the reserved chat id used to record the last
// time platform-wide chat discovery (IPC refresh_groups) ran, per the data
// model's "sentinel chat" convention.
const DiscoverySentinelChatID = "__discovery__"

// RecordDiscoveryRefresh stamps the sentinel chat's last_message_time with
// now, marking a completed platform-wide chat discovery pass.
func (s *Store) RecordDiscoveryRefresh(now time.Time) error {
	return s.UpsertChat(DiscoverySentinelChatID, "system", "system", "", now)
}

// LastDiscoveryRefresh returns the time of the last recorded discovery
// pass, or the zero time if discovery has never run.
func (s *Store) LastDiscoveryRefresh() (time.Time, error) {
	c, err := s.ChatByID(DiscoverySentinelChatID)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return c.LastMessageTime, nil
}

// AllChats returns every known chat, including unregistered ones, excluding
// the discovery sentinel.
func (s *Store) AllChats() ([]*Chat, error) {
	rows, err := s.db.Query(`SELECT chat_id, platform, chat_type, display_name, last_message_time FROM chats WHERE chat_id != ?`, DiscoverySentinelChatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Chat
	for rows.Next() {
		var c Chat
		var ts string
		if err := rows.Scan(&c.ChatID, &c.Platform, &c.ChatType, &c.DisplayName, &ts); err != nil {
			return nil, err
		}
		c.LastMessageTime, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- Workspaces --------------------------------------------------------------

// ContainerConfig carries optional per-workspace container overrides.
type ContainerConfig struct {
	AdditionalMounts []MountConfig `json:"additionalMounts,omitempty"`
	TimeoutSeconds   int           `json:"timeoutSeconds,omitempty"`
	// MemoryLimitBytes caps the agent process's address space, applied as a
	// best-effort prlimit(1) hint by the process runtime. 0 means unbounded.
	MemoryLimitBytes int64 `json:"memoryLimitBytes,omitempty"`
	// CPUNice sets the agent process's scheduling niceness (nice(1) scale,
	// -20 highest priority to 19 lowest), applied as a best-effort hint by
	// the process runtime. 0 means the OS default.
	CPUNice int `json:"cpuNice,omitempty"`
}

// MountConfig describes one extra bind mount requested by a workspace.
type MountConfig struct {
	HostPath string `json:"hostPath"`
	Name     string `json:"name"`
	ReadOnly bool   `json:"readOnly"`
}

// Workspace mirrors a row in the workspaces table.
type Workspace struct {
	ChatID          string
	Folder          string
	DisplayName     string
	TriggerPattern  string
	RequiresTrigger bool
	IsMainSession   bool
	AllowedUsers    []string
	ContainerConfig ContainerConfig
	AddedAt         time.Time
}

// RegisterWorkspace creates a workspace for w.ChatID, first adding a bare
// chats row if the chat has never been seen (workspaces.chat_id references
// chats). Callers are responsible for enforcing the "at most one main
// session" invariant before calling this with IsMainSession set.
func (s *Store) RegisterWorkspace(w *Workspace) error {
	allowedJSON, _ := json.Marshal(w.AllowedUsers)
	cfgJSON, _ := json.Marshal(w.ContainerConfig)
	ts := nowISO()
	if _, err := s.db.Exec(`INSERT INTO chats (chat_id, platform, chat_type, display_name, created_at)
		VALUES (?, '', 'group', ?, ?) ON CONFLICT(chat_id) DO NOTHING`, w.ChatID, w.DisplayName, ts); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO workspaces
		(chat_id, folder, display_name, trigger_pattern, requires_trigger, is_main_session, allowed_users, container_config, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ChatID, w.Folder, w.DisplayName, w.TriggerPattern, boolToInt(w.RequiresTrigger),
		boolToInt(w.IsMainSession), string(allowedJSON), string(cfgJSON), ts)
	return err
}

func scanWorkspace(row interface{ Scan(...any) error }) (*Workspace, error) {
	var w Workspace
	var requiresTrigger, isMain int
	var allowedJSON, cfgJSON, addedAt string
	if err := row.Scan(&w.ChatID, &w.Folder, &w.DisplayName, &w.TriggerPattern, &requiresTrigger,
		&isMain, &allowedJSON, &cfgJSON, &addedAt); err != nil {
		return nil, err
	}
	w.RequiresTrigger = requiresTrigger != 0
	w.IsMainSession = isMain != 0
	_ = json.Unmarshal([]byte(allowedJSON), &w.AllowedUsers)
	_ = json.Unmarshal([]byte(cfgJSON), &w.ContainerConfig)
	w.AddedAt, _ = time.Parse(time.RFC3339Nano, addedAt)
	return &w, nil
}

const workspaceCols = `chat_id, folder, display_name, trigger_pattern, requires_trigger, is_main_session, allowed_users, container_config, added_at`

// WorkspaceByChatID returns the workspace for a chat, or sql.ErrNoRows if
// the chat is not registered.
func (s *Store) WorkspaceByChatID(chatID string) (*Workspace, error) {
	row := s.db.QueryRow(`SELECT `+workspaceCols+` FROM workspaces WHERE chat_id = ?`, chatID)
	return scanWorkspace(row)
}

// WorkspaceByFolder resolves a workspace by folder name, used to authorize
// IPC writes against the directory they were found in.
func (s *Store) WorkspaceByFolder(folder string) (*Workspace, error) {
	row := s.db.QueryRow(`SELECT `+workspaceCols+` FROM workspaces WHERE folder = ?`, folder)
	return scanWorkspace(row)
}

// MainWorkspace returns the single privileged workspace, or sql.ErrNoRows
// if none has been elected yet.
func (s *Store) MainWorkspace() (*Workspace, error) {
	row := s.db.QueryRow(`SELECT ` + workspaceCols + ` FROM workspaces WHERE is_main_session = 1 LIMIT 1`)
	return scanWorkspace(row)
}

// AllWorkspaces returns every registered workspace, used to build
// available_groups.json for the main workspace.
func (s *Store) AllWorkspaces() ([]*Workspace, error) {
	rows, err := s.db.Query(`SELECT ` + workspaceCols + ` FROM workspaces`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- Messages & cursors ------------------------------------------------------

// SchedulerSenderID marks messages synthesized by the scheduler (§4.9)
// rather than received from a platform. The batch builder recognises it to
// bypass the trigger gate: a scheduled task always fires regardless of
// whether its text happens to match the chat's trigger pattern.
const SchedulerSenderID = "scheduler"

// Message mirrors a row in the messages table.
type Message struct {
	MessageID  string
	ChatID     string
	SenderID   string
	SenderName string
	Content    string
	IsFromBot  bool
	Timestamp  time.Time
}

// InsertMessage inserts a message, silently ignoring a duplicate primary
// key so at-least-once redelivery is idempotent.
func (s *Store) InsertMessage(m *Message) error {
	_, err := s.db.Exec(`INSERT INTO messages (message_id, chat_id, sender_id, sender_name, content, is_from_bot, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(message_id, chat_id) DO NOTHING`,
		m.MessageID, m.ChatID, m.SenderID, m.SenderName, m.Content, boolToInt(m.IsFromBot),
		m.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

// InsertSchedulerMessage synthesizes a message from a fired scheduled task
// so it flows through the normal batch pipeline like any other message.
func (s *Store) InsertSchedulerMessage(chatID, taskID, prompt string, ts time.Time) error {
	return s.InsertMessage(&Message{
		MessageID:  "sched-" + taskID + "-" + ts.UTC().Format(time.RFC3339Nano),
		ChatID:     chatID,
		SenderID:   SchedulerSenderID,
		SenderName: "scheduler",
		Content:    prompt,
		Timestamp:  ts,
	})
}

// GetMessagesSince returns messages for chatID strictly after cursor,
// excluding the bot's own echoes (content prefixed with botPrefix), ordered
// oldest-first.
func (s *Store) GetMessagesSince(chatID string, cursor time.Time, botPrefix string) ([]*Message, error) {
	rows, err := s.db.Query(`SELECT message_id, chat_id, sender_id, sender_name, content, is_from_bot, timestamp
		FROM messages WHERE chat_id = ? AND timestamp > ? ORDER BY timestamp ASC`,
		chatID, cursor.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows, botPrefix)
}

// GetNewMessages returns messages across all registeredChatIDs strictly
// after cursor, excluding bot echoes, ordered oldest-first, along with the
// maximum timestamp observed (used to advance the global cursor).
func (s *Store) GetNewMessages(registeredChatIDs []string, cursor time.Time, botPrefix string) ([]*Message, time.Time, error) {
	if len(registeredChatIDs) == 0 {
		return nil, cursor, nil
	}
	placeholders := make([]string, len(registeredChatIDs))
	args := make([]any, 0, len(registeredChatIDs)+1)
	for i, id := range registeredChatIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, cursor.UTC().Format(time.RFC3339Nano))
	query := fmt.Sprintf(`SELECT message_id, chat_id, sender_id, sender_name, content, is_from_bot, timestamp
		FROM messages WHERE chat_id IN (%s) AND timestamp > ? ORDER BY timestamp ASC`, strings.Join(placeholders, ","))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, cursor, err
	}
	defer rows.Close()
	msgs, err := scanMessages(rows, botPrefix)
	if err != nil {
		return nil, cursor, err
	}
	maxTS := cursor
	for _, m := range msgs {
		if m.Timestamp.After(maxTS) {
			maxTS = m.Timestamp
		}
	}
	return msgs, maxTS, nil
}

func scanMessages(rows *sql.Rows, botPrefix string) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		var m Message
		var isFromBot int
		var ts string
		if err := rows.Scan(&m.MessageID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Content, &isFromBot, &ts); err != nil {
			return nil, err
		}
		m.IsFromBot = isFromBot != 0
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if botPrefix != "" && strings.HasPrefix(m.Content, botPrefix) {
			continue
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GlobalCursor returns the last_timestamp watermark used for at-least-once
// ingestion replay.
func (s *Store) GlobalCursor() (time.Time, error) {
	var ts string
	if err := s.db.QueryRow(`SELECT last_timestamp FROM router_cursor WHERE id = 1`).Scan(&ts); err != nil {
		return time.Time{}, err
	}
	if ts == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, ts)
}

// AdvanceGlobalCursor moves the watermark forward only, never backward.
func (s *Store) AdvanceGlobalCursor(ts time.Time) error {
	v := ts.UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`UPDATE router_cursor SET last_timestamp = ? WHERE id = 1 AND (last_timestamp = '' OR last_timestamp < ?)`, v, v)
	return err
}

// ChatCursor returns the per-chat last_agent_timestamp watermark.
func (s *Store) ChatCursor(chatID string) (time.Time, error) {
	var ts string
	err := s.db.QueryRow(`SELECT last_agent_timestamp FROM chat_cursor WHERE chat_id = ?`, chatID).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if ts == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, ts)
}

// AdvanceChatCursor moves the per-chat watermark forward only (upsert + MAX
// guard), used after a successful agent run or command handling.
func (s *Store) AdvanceChatCursor(chatID string, ts time.Time) error {
	v := ts.UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`INSERT INTO chat_cursor (chat_id, last_agent_timestamp) VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET last_agent_timestamp = excluded.last_agent_timestamp
		WHERE excluded.last_agent_timestamp > chat_cursor.last_agent_timestamp`, chatID, v)
	return err
}

// --- Sessions ----------------------------------------------------------------

// SetSession persists the opaque session handle returned by a successful
// agent run, replacing any prior handle for the folder.
func (s *Store) SetSession(folder, handle string) error {
	_, err := s.db.Exec(`INSERT INTO sessions (folder, handle, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(folder) DO UPDATE SET handle = excluded.handle, updated_at = excluded.updated_at`,
		folder, handle, nowISO())
	return err
}

// GetSession returns the session handle for folder, or "" if unset.
func (s *Store) GetSession(folder string) (string, error) {
	var handle string
	err := s.db.QueryRow(`SELECT handle FROM sessions WHERE folder = ?`, folder).Scan(&handle)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return handle, err
}

// ClearSession drops the stored session handle, used by the /new command.
func (s *Store) ClearSession(folder string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE folder = ?`, folder)
	return err
}

// --- Scheduled tasks ----------------------------------------------------------

// ScheduledTask mirrors a row in the scheduled_tasks table.
type ScheduledTask struct {
	ID            string
	Folder        string
	ChatID        string
	Prompt        string
	ScheduleKind  string // "cron", "interval", or "once"
	ScheduleValue string
	ContextMode   string // "group" or "isolated"
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	Status        string // "active", "paused", "completed"
}

// CreateScheduledTask registers a new task.
func (s *Store) CreateScheduledTask(t *ScheduledTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ContextMode == "" {
		t.ContextMode = "isolated"
	}
	if t.Status == "" {
		t.Status = "active"
	}
	var nextRun sql.NullString
	if t.NextRun != nil {
		nextRun = sql.NullString{String: t.NextRun.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err := s.db.Exec(`INSERT INTO scheduled_tasks
		(id, folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Folder, t.ChatID, t.Prompt, t.ScheduleKind, t.ScheduleValue, t.ContextMode, nextRun, t.Status, nowISO())
	return err
}

// GetDueTasks returns active tasks with next_run <= now, ordered by
// next_run ascending.
func (s *Store) GetDueTasks(now time.Time) ([]*ScheduledTask, error) {
	rows, err := s.db.Query(`SELECT id, folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status
		FROM scheduled_tasks WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run ASC`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TasksForFolder returns tasks for a folder (used to build tasks.json for an agent).
func (s *Store) TasksForFolder(folder string) ([]*ScheduledTask, error) {
	rows, err := s.db.Query(`SELECT id, folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status
		FROM scheduled_tasks WHERE folder = ? ORDER BY created_at ASC`, folder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*ScheduledTask, error) {
	var out []*ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		var nextRun, lastRun, lastResult sql.NullString
		if err := rows.Scan(&t.ID, &t.Folder, &t.ChatID, &t.Prompt, &t.ScheduleKind, &t.ScheduleValue,
			&t.ContextMode, &nextRun, &lastRun, &lastResult, &t.Status); err != nil {
			return nil, err
		}
		if nextRun.Valid {
			ts, _ := time.Parse(time.RFC3339Nano, nextRun.String)
			t.NextRun = &ts
		}
		if lastRun.Valid {
			ts, _ := time.Parse(time.RFC3339Nano, lastRun.String)
			t.LastRun = &ts
		}
		t.LastResult = lastResult.String
		out = append(out, &t)
	}
	return out, rows.Err()
}

// RecordTaskFire updates a task after one firing: next_run is recomputed by
// the caller (scheduler owns the cron/interval/once logic); any nil nextRun
// (a fired "once" task, or a schedule the caller could not evaluate) also
// flips status to completed.
func (s *Store) RecordTaskFire(taskID string, nextRun *time.Time, lastResult string) error {
	var nextRunVal sql.NullString
	if nextRun != nil {
		nextRunVal = sql.NullString{String: nextRun.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	status := "active"
	if nextRun == nil {
		status = "completed"
	}
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET next_run = ?, last_run = ?, last_result = ?, status = ?
		WHERE id = ? AND status = 'active'`, nextRunVal, nowISO(), lastResult, status, taskID)
	return err
}

// SetTaskStatus applies a pause/resume/cancel transition. status must be one
// of the documented task statuses (active, paused, completed); cancel_task
// maps onto completed, clearing next_run so the task stops firing without
// deleting its run history.
func (s *Store) SetTaskStatus(taskID, status string) error {
	if status == "completed" {
		_, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ?, next_run = NULL WHERE id = ?`, status, taskID)
		return err
	}
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, taskID)
	return err
}

// TaskByID returns a single task, used to authorize IPC pause/resume/cancel
// requests against the workspace that owns it.
func (s *Store) TaskByID(taskID string) (*ScheduledTask, error) {
	row := s.db.QueryRow(`SELECT id, folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status
		FROM scheduled_tasks WHERE id = ?`, taskID)
	var t ScheduledTask
	var nextRun, lastRun, lastResult sql.NullString
	if err := row.Scan(&t.ID, &t.Folder, &t.ChatID, &t.Prompt, &t.ScheduleKind, &t.ScheduleValue,
		&t.ContextMode, &nextRun, &lastRun, &lastResult, &t.Status); err != nil {
		return nil, err
	}
	if nextRun.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, nextRun.String)
		t.NextRun = &ts
	}
	if lastRun.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, lastRun.String)
		t.LastRun = &ts
	}
	t.LastResult = lastResult.String
	return &t, nil
}

// LogTaskRun records the outcome of one scheduled task execution. Run log
// ids are ULIDs rather than UUIDs: the log is append-only and queried in
// insertion order, and a ULID's lexical order matches that order without
// needing a separate sequence column.
func (s *Store) LogTaskRun(taskID string, runAt time.Time, durationMS int64, outcome, detail string) error {
	_, err := s.db.Exec(`INSERT INTO task_run_log (id, task_id, run_at, duration_ms, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?)`, ulid.Make().String(), taskID, runAt.UTC().Format(time.RFC3339Nano), durationMS, outcome, detail)
	return err
}

// --- IPC audit -----------------------------------------------------------------

// RecordIPCAudit persists the outcome of processing one IPC drop file.
func (s *Store) RecordIPCAudit(workspace, recordType, outcome, reason string) error {
	_, err := s.db.Exec(`INSERT INTO ipc_audit (id, workspace, record_type, outcome, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), workspace, recordType, outcome, reason, nowISO())
	return err
}

// --- Settings ------------------------------------------------------------------

// SetSetting upserts a small key/value process setting.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetSetting returns a setting value, or "" if unset.
func (s *Store) GetSetting(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// --- Metrics -------------------------------------------------------------------

// IncrCounter bumps a named metrics counter by delta (creating it at delta
// if unseen).
func (s *Store) IncrCounter(name string, delta int64) error {
	_, err := s.db.Exec(`INSERT INTO metrics_counters (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = value + excluded.value, updated_at = excluded.updated_at`,
		name, delta, nowISO())
	return err
}

// Counters returns a snapshot of all metrics counters.
func (s *Store) Counters() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT name, value FROM metrics_counters`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

// redactPath trims a filesystem path for log-safe display, keeping only the
// trailing two segments.
func redactPath(p string) string {
	parts := strings.Split(strings.TrimRight(p, "/"), "/")
	if len(parts) <= 2 {
		return p
	}
	return ".../" + strings.Join(parts[len(parts)-2:], "/")
}
