package config

// Config is the on-disk document (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Telegram TelegramConfig  `json:"telegram"`
	Storage  StorageConfig   `json:"storage"`
	Queue    QueueConfig     `json:"queue"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Monitor  MonitorConfig   `json:"monitor"`
	Bridge   BridgeConfig    `json:"bridge"`
	Invite   InviteConfig    `json:"invite"`
}

// TelegramConfig configures the bot used for operator alerts and the
// telegram log sink. Leave token empty to keep alerts in the log only.
type TelegramConfig struct {
	Token       string `json:"token"`
	AlertChat   int64  `json:"alert_chat"`
	AlertThread int    `json:"alert_thread,omitempty"`
	// Offline skips the getMe handshake at boot.
	Offline bool `json:"offline,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the audit/batch store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./inviter.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// QueueConfig controls the job broker and the worker engine.
//
// Defaults (when fields are omitted/zero):
//   - driver: "sqlite" when storage.driver is sqlite, otherwise "memory"
//   - workers: 2
//   - poll_interval: "500ms"
//   - retry_max: 5 (infrastructure failures only)
//   - retry_base: "2s", retry_max_delay: "5m"
//   - max_delay: "24h" (cap for any re-delivery delay)
//   - lease: "10m"
type QueueConfig struct {
	Driver        string      `json:"driver"`
	Workers       int         `json:"workers"`
	PollInterval  string      `json:"poll_interval,omitempty"`
	RetryMax      int         `json:"retry_max,omitempty"`
	RetryBase     string      `json:"retry_base,omitempty"`
	RetryMaxDelay string      `json:"retry_max_delay,omitempty"`
	MaxDelay      string      `json:"max_delay,omitempty"`
	Lease         string      `json:"lease,omitempty"`
	HistorySize   int         `json:"history_size,omitempty"`
	Redis         RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// NotifierConfig controls the async alert pipeline.
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

// MonitorConfig controls the backlog monitor. Enabled is a pointer so an
// omitted value can default to true.
type MonitorConfig struct {
	Enabled         *bool `json:"enabled,omitempty"`
	IntervalSeconds int   `json:"interval_seconds,omitempty"`
	CheckOnEnqueue  bool  `json:"check_on_enqueue,omitempty"`
}

// BridgeConfig points at the messaging protocol sidecar.
type BridgeConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type InviteConfig struct {
	ChannelUsername string `json:"channel_username"`
	// FailureMessage is sent with the invite link when a direct invite is
	// refused for privacy reasons. "{{channel}}" is replaced by the channel.
	FailureMessage  string `json:"failure_message"`
	QueueThreshold  int    `json:"queue_threshold"`
	PauseMinSeconds int    `json:"pause_min_seconds"`
	PauseMaxSeconds int    `json:"pause_max_seconds"`

	DedupWindow  string `json:"dedup_window,omitempty"`
	MaxRetries   *int   `json:"max_retries,omitempty"`
	FloodMargin  string `json:"flood_margin,omitempty"`
	PeerFloodMin string `json:"peer_flood_min,omitempty"`
	PeerFloodMax string `json:"peer_flood_max,omitempty"`
	BulkStagger  string `json:"bulk_stagger,omitempty"`

	Accounts []AccountConfig `json:"accounts"`
}

type AccountConfig struct {
	Name          string `json:"name"`
	APIID         int    `json:"api_id"`
	APIHash       string `json:"api_hash"`
	SessionString string `json:"session_string"`
	Phone         string `json:"phone,omitempty"`
	IsActive      bool   `json:"is_active"`
	Comment       string `json:"comment,omitempty"`
}
