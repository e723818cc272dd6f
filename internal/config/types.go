package config

// Config is the on-disk configuration (JSON or YAML).
//
// String values of the form ${VAR} are replaced from the environment after
// decoding, so secrets can live in .env instead of the file.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	X           XConfig           `json:"x"`
	Relay       RelayConfig       `json:"relay"`
	Storage     StorageConfig     `json:"storage"`
	Logging     LoggingConfig     `json:"logging"`
	Notifier    *NotifierConfig   `json:"notifier,omitempty"`
	DebugServer DebugServerConfig `json:"debug_server,omitempty"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// Source channel. Either the numeric id (-100...) or the public
	// username (with or without @). Posts from any other chat are ignored.
	ChannelID       int64  `json:"channel_id,omitempty"`
	ChannelUsername string `json:"channel_username,omitempty"`

	// AdminChatID receives approval requests and publish notices.
	// Defaults to the first owner's private chat.
	AdminChatID int64 `json:"admin_chat_id,omitempty"`

	// GroupLog is an optional "chat_id" or "chat_id:thread_id" for log lines.
	GroupLog string `json:"group_log,omitempty"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// XConfig holds the destination account credentials.
//
// The access token is refreshed through the OAuth2 token endpoint with the
// refresh token when it expires.
type XConfig struct {
	APIBase      string `json:"api_base,omitempty"` // default: https://api.x.com
	TokenURL     string `json:"token_url,omitempty"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// TokenFile persists rotated tokens across restarts. Empty keeps them in memory.
	TokenFile string `json:"token_file,omitempty"`

	RequestTimeout    string `json:"request_timeout,omitempty"`    // default 60s
	ProcessingTimeout string `json:"processing_timeout,omitempty"` // video processing wait, default 5m
	ChunkSizeKB       int    `json:"chunk_size_kb,omitempty"`      // default 4096
	UploadRatePerSec  int    `json:"upload_rate_per_sec,omitempty"`
}

// RelayConfig tunes the scheduling engine. All durations are Go duration strings.
//
// Defaults:
//   - group_idle: 1.5s
//   - approval_timeout: 2m
//   - tick_interval: 30s
//   - publish_timeout: 5m
//   - media_dir: ./media
//   - media_max_age: 72h
type RelayConfig struct {
	GroupIdle       string `json:"group_idle,omitempty"`
	ApprovalTimeout string `json:"approval_timeout,omitempty"`
	TickInterval    string `json:"tick_interval,omitempty"`
	PublishTimeout  string `json:"publish_timeout,omitempty"`
	DefaultCaption  string `json:"default_caption,omitempty"`

	MediaDir    string `json:"media_dir,omitempty"`
	MediaMaxAge string `json:"media_max_age,omitempty"`
	// MaxDownloadMB rejects larger files before download. 0 means 20 (Bot API limit).
	MaxDownloadMB int `json:"max_download_mb,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tgrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	// CompactSchedule is a cron expression, a duration or HH:MM.
	// Empty disables periodic compaction.
	CompactSchedule string `json:"compact_schedule,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier defaults to enabled.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// DebugServerConfig controls the optional HTTP server with /metrics,
// /healthz and pprof.
//
// Bind to localhost unless a token is set; a non-loopback address without a
// token requires allow_insecure.
type DebugServerConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile can stream.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
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

// SchedulerConfig controls housekeeping triggers.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	// MediaSweep removes downloaded files older than relay.media_max_age
	// that no live submission references. Same syntax as storage.compact_schedule.
	MediaSweep string `json:"media_sweep,omitempty"`
}
