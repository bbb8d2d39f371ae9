package store

// Schema holds the full set of CREATE TABLE statements applied on every
// startup. Statements are idempotent; additive columns are migrated
// separately in service.go so existing installs never lose data.
const Schema = `
CREATE TABLE IF NOT EXISTS chats (
	chat_id           TEXT PRIMARY KEY,
	platform          TEXT NOT NULL,
	chat_type         TEXT NOT NULL DEFAULT 'group',
	display_name      TEXT,
	last_message_time TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workspaces (
	chat_id          TEXT PRIMARY KEY REFERENCES chats(chat_id),
	folder            TEXT NOT NULL UNIQUE,
	display_name      TEXT,
	trigger_pattern   TEXT NOT NULL DEFAULT '',
	requires_trigger  INTEGER NOT NULL DEFAULT 1,
	is_main_session   INTEGER NOT NULL DEFAULT 0,
	allowed_users     TEXT NOT NULL DEFAULT '[]',
	container_config  TEXT NOT NULL DEFAULT '{}',
	added_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workspaces_folder ON workspaces(folder);

CREATE TABLE IF NOT EXISTS messages (
	message_id   TEXT NOT NULL,
	chat_id      TEXT NOT NULL,
	sender_id    TEXT,
	sender_name  TEXT,
	content      TEXT,
	is_from_bot  INTEGER NOT NULL DEFAULT 0,
	timestamp    TEXT NOT NULL,
	PRIMARY KEY (message_id, chat_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, timestamp);

CREATE TABLE IF NOT EXISTS sessions (
	folder      TEXT PRIMARY KEY,
	handle      TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS router_cursor (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	last_timestamp TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chat_cursor (
	chat_id              TEXT PRIMARY KEY,
	last_agent_timestamp TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id             TEXT PRIMARY KEY,
	folder         TEXT NOT NULL,
	chat_id        TEXT NOT NULL,
	prompt         TEXT NOT NULL,
	schedule_kind  TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	context_mode   TEXT NOT NULL DEFAULT 'isolated',
	next_run       TEXT,
	last_run       TEXT,
	last_result    TEXT,
	status         TEXT NOT NULL DEFAULT 'active',
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_next_run ON scheduled_tasks(next_run);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_status ON scheduled_tasks(status);

CREATE TABLE IF NOT EXISTS task_run_log (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	run_at      TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	outcome     TEXT NOT NULL,
	detail      TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_run_log_task_run ON task_run_log(task_id, run_at);

CREATE TABLE IF NOT EXISTS ipc_audit (
	id          TEXT PRIMARY KEY,
	workspace   TEXT NOT NULL,
	record_type TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	reason      TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ipc_audit_workspace ON ipc_audit(workspace);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metrics_counters (
	name       TEXT PRIMARY KEY,
	value      INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);
`
