// Package config provides configuration types and loading for nanoclaw.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Router, Messenger, Dispatch, Queue, Scheduler,
// IPC, Gateway.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Router    RouterConfig    `json:"router"`
	Messenger MessengerConfig `json:"messenger"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Queue     QueueConfig     `json:"queue"`
	Scheduler SchedulerConfig `json:"scheduler"`
	IPC       IPCConfig       `json:"ipc"`
	Gateway   GatewayConfig   `json:"gateway"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir      string `json:"dataDir" envconfig:"DATA_DIR"`
	WorkspaceDir string `json:"workspaceDir" envconfig:"WORKSPACE_DIR"`
	IPCRoot      string `json:"ipcRoot" envconfig:"IPC_ROOT"`
	AllowListFile string `json:"allowListFile" envconfig:"ALLOW_LIST_FILE"`
}

// ---------------------------------------------------------------------------
// Router – identity and trigger policy shared across components
// ---------------------------------------------------------------------------

// RouterConfig contains the router's own identity and global policy.
type RouterConfig struct {
	AssistantName     string `json:"assistantName" envconfig:"ASSISTANT_NAME"`
	MainFolder        string `json:"mainFolder" envconfig:"MAIN_FOLDER"`
	TriggerPattern    string `json:"triggerPattern" envconfig:"TRIGGER_PATTERN"`
	BotPrefix         string `json:"botPrefix" envconfig:"BOT_PREFIX"`
	Timezone          string `json:"timezone" envconfig:"TIMEZONE"`
	RecoveryOnStartup bool   `json:"recoveryOnStartup" envconfig:"RECOVERY_ON_STARTUP"`
}

// ---------------------------------------------------------------------------
// Messenger – platform transports
// ---------------------------------------------------------------------------

// MessengerConfig selects and configures the active messenger transport.
type MessengerConfig struct {
	Active   string         `json:"active" envconfig:"ACTIVE"` // "whatsapp", "slack", or "poll"
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Slack    SlackConfig    `json:"slack"`
	Poll     PollConfig     `json:"poll"`
}

// WhatsAppConfig configures the WhatsApp transport.
type WhatsAppConfig struct {
	SessionDBPath string   `json:"sessionDbPath" envconfig:"WHATSAPP_SESSION_DB_PATH"`
	QRCodePath    string   `json:"qrCodePath" envconfig:"WHATSAPP_QR_CODE_PATH"`
	AllowFrom     []string `json:"allowFrom"`
	DropUnknown   bool     `json:"dropUnknown" envconfig:"WHATSAPP_DROP_UNKNOWN"`
}

// SlackConfig configures the Slack transport.
type SlackConfig struct {
	BotToken  string   `json:"botToken" envconfig:"SLACK_BOT_TOKEN"`
	AppToken  string   `json:"appToken" envconfig:"SLACK_APP_TOKEN"`
	BotUserID string   `json:"botUserId" envconfig:"SLACK_BOT_USER_ID"`
	AllowFrom []string `json:"allowFrom"`
}

// PollConfig configures the in-process poll transport, which is the messenger
// used when messenger.active is "poll" or empty.
type PollConfig struct {
	Interval time.Duration `json:"interval" envconfig:"POLL_INTERVAL"`
}

// ---------------------------------------------------------------------------
// Dispatch – agent container launch policy
// ---------------------------------------------------------------------------

// DispatchConfig controls how the agent dispatcher launches and bounds one
// batch's container run.
type DispatchConfig struct {
	AgentCommand      []string      `json:"agentCommand" envconfig:"AGENT_COMMAND"`
	DefaultTimeout    time.Duration `json:"defaultTimeout" envconfig:"DEFAULT_TIMEOUT"`
	MountAllowRoots   []string      `json:"mountAllowRoots"`
	MountBlockGlobs   []string      `json:"mountBlockGlobs"`
	StatusDebounce    time.Duration `json:"statusDebounce" envconfig:"STATUS_DEBOUNCE"`
}

// ---------------------------------------------------------------------------
// Queue – per-chat work queue tuning
// ---------------------------------------------------------------------------

// QueueConfig tunes the per-chat work queue's concurrency and retry policy.
type QueueConfig struct {
	MaxConcurrentChats int           `json:"maxConcurrentChats" envconfig:"MAX_CONCURRENT_CHATS"`
	RetryBaseDelay     time.Duration `json:"retryBaseDelay" envconfig:"RETRY_BASE_DELAY"`
	RetryMaxDelay      time.Duration `json:"retryMaxDelay" envconfig:"RETRY_MAX_DELAY"`
	RetryMaxAttempts   int           `json:"retryMaxAttempts" envconfig:"RETRY_MAX_ATTEMPTS"`
	ShutdownDeadline   time.Duration `json:"shutdownDeadline" envconfig:"SHUTDOWN_DEADLINE"`
}

// ---------------------------------------------------------------------------
// Scheduler – cron/interval/once task engine
// ---------------------------------------------------------------------------

// SchedulerConfig contains settings for the scheduled-task engine.
type SchedulerConfig struct {
	Enabled      bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
}

// ---------------------------------------------------------------------------
// IPC – agent-initiated side-effect channel
// ---------------------------------------------------------------------------

// IPCConfig controls the IPC watcher's polling cadence. Quarantine of
// rejected records is not configurable.
type IPCConfig struct {
	PollInterval time.Duration `json:"pollInterval" envconfig:"POLL_INTERVAL"`
}

// ---------------------------------------------------------------------------
// Gateway – optional operator-facing HTTP surface
// ---------------------------------------------------------------------------

// GatewayConfig contains settings for the IPC bridge endpoint
// (cmd/nanoclaw-bridge) that agents can reach over HTTP instead of (or in
// addition to) the filesystem tree. It serves /healthz and /ipc only; there
// is no status or metrics endpoint.
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" envconfig:"ENABLED"`
	Host         string `json:"host" envconfig:"HOST"`
	Port         int    `json:"port" envconfig:"PORT"`
	BridgeSecret string `json:"bridgeSecret" envconfig:"BRIDGE_SECRET"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:      "~/.nanoclaw",
			WorkspaceDir: "~/.nanoclaw/workspaces",
			IPCRoot:      "~/.nanoclaw/ipc",
		},
		Router: RouterConfig{
			AssistantName:     "Andy",
			MainFolder:        "main",
			TriggerPattern:    "@Andy",
			BotPrefix:         "[nanoclaw]",
			Timezone:          "UTC",
			RecoveryOnStartup: true,
		},
		Messenger: MessengerConfig{
			Active: "poll",
			Poll:   PollConfig{Interval: 500 * time.Millisecond},
		},
		Dispatch: DispatchConfig{
			AgentCommand:    []string{"nanoclaw-agent"},
			DefaultTimeout:  5 * time.Minute,
			MountBlockGlobs: []string{"**/.ssh/**", "**/.gnupg/**"},
			StatusDebounce:  2 * time.Second,
		},
		Queue: QueueConfig{
			MaxConcurrentChats: 8,
			RetryBaseDelay:     time.Second,
			RetryMaxDelay:      5 * time.Minute,
			RetryMaxAttempts:   6,
			ShutdownDeadline:   10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: 30 * time.Second,
		},
		IPC: IPCConfig{
			PollInterval: 500 * time.Millisecond,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
	}
}
