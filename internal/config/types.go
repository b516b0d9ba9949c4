package config

// Config is the on-disk configuration. JSON and YAML are both accepted; YAML
// is converted and decoded with the same strict JSON rules.
//
// All durations are Go duration strings ("100ms", "15s", "5m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Locale    LocaleConfig    `json:"locale"`
	Admin     AdminConfig     `json:"admin"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// LogChatID receives operator log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
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

// StorageConfig selects the store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/campaignbot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the auto-message loop.
//
// Defaults:
//   - enabled: true
//   - poll: "5m" (a Go duration, HH:MM, or a cron expression)
//   - retry_interval: "1m"
//   - match_window: "5m" (half-width of the eligibility window)
type SchedulerConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	Poll          string `json:"poll,omitempty"`
	RetryInterval string `json:"retry_interval,omitempty"`
	MatchWindow   string `json:"match_window,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// DispatchConfig controls the send path shared by auto messages and broadcasts.
//
// Defaults: delay "100ms", call_timeout "15s", rate_per_sec 25.
type DispatchConfig struct {
	Delay       string `json:"delay,omitempty"`
	CallTimeout string `json:"call_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

// BroadcastConfig defaults: delay "50ms", history_size 200, history_ttl "24h".
type BroadcastConfig struct {
	Delay       string `json:"delay,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	HistoryTTL  string `json:"history_ttl,omitempty"`
}

// LocaleConfig defaults: default_language "en", supported ["pt","hu","en"].
type LocaleConfig struct {
	DefaultLanguage string   `json:"default_language,omitempty"`
	Supported       []string `json:"supported,omitempty"`
}

// AdminConfig controls the operator HTTP API.
//
// Security note: bind to localhost unless a token is set.
type AdminConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"`  // default "127.0.0.1:8080"
	Token       string `json:"token,omitempty"` // bearer token (never logged)
	Pprof       bool   `json:"pprof,omitempty"`
	ReadTimeout string `json:"read_timeout,omitempty"`
	// WriteTimeout defaults to 0 because a broadcast request stays open until
	// every recipient was attempted.
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// SchedulerEnabled treats an omitted flag as enabled.
func (c SchedulerConfig) SchedulerEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
