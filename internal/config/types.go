package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m"). Secrets may be
// left empty in the file and supplied through the environment (see env.go).
type Config struct {
	Logging       LoggingConfig                 `json:"logging"`
	Storage       StorageConfig                 `json:"storage"`
	I18n          I18nConfig                    `json:"i18n"`
	Scheduler     SchedulerConfig               `json:"scheduler"`
	TaskEngine    TaskEngineConfig              `json:"task_engine"`
	Poll          PollConfig                    `json:"poll"`
	Jurisdictions map[string]JurisdictionConfig `json:"jurisdictions" validate:"dive,keys,required,len=2,endkeys"`
	Notifier      NotifierConfig                `json:"notifier"`
	Relay         RelayConfig                   `json:"relay"`
	Ops           OpsConfig                     `json:"ops"`
}

type LoggingConfig struct {
	Level   string        `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingAlerts forwards warnings and errors to a Telegram chat through the
// notifier's Telegram sender.
type LoggingAlerts struct {
	Enabled bool `json:"enabled"`
	// ChatID uses the same "<chat>[:<thread>]" form as tenant targets.
	ChatID     string `json:"chat_id" validate:"required_if=Enabled true"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=warn error"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./casewatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite file memory"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type I18nConfig struct {
	// Dir overlays the embedded locale bundles. Optional.
	Dir     string   `json:"dir,omitempty"`
	Default string   `json:"default,omitempty"`
	Locales []string `json:"locales,omitempty"`
}

// SchedulerConfig controls the trigger loop.
type SchedulerConfig struct {
	// Trigger is a duration ("30s") or a cron expression ("*/1 * * * *").
	Trigger     string `json:"trigger,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	DrainGrace  string `json:"drain_grace,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// TaskEngineConfig controls poll execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled; scheduler.poll_timeout applies)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty" validate:"gte=0,lte=1024"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
}

type PollConfig struct {
	// JitterMax bounds the random wait before each fetch. Omitted means 60s,
	// "0s" disables it.
	JitterMax *string     `json:"jitter_max,omitempty"`
	Retry     RetryConfig `json:"retry"`
}

// RetryConfig is an exponential backoff. Zero fields take the defaults
// (3 attempts, 1s base, x2, 30s cap, no jitter).
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty" validate:"gte=0,lte=20"`
	Base        string  `json:"base,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty" validate:"omitempty,gte=1"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Jitter      float64 `json:"jitter,omitempty" validate:"gte=0,lte=1"`
}

// JurisdictionConfig enables a jurisdiction plugin and sets its limits.
// Keys of Config.Jurisdictions are ISO codes ("CZ").
type JurisdictionConfig struct {
	Enabled       bool   `json:"enabled"`
	BaseURL       string `json:"base_url,omitempty" validate:"omitempty,url"`
	UserAgent     string `json:"user_agent,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	RatePerMinute int    `json:"rate_per_minute,omitempty" validate:"gte=0"`
	Burst         int    `json:"burst,omitempty" validate:"gte=0"`
	MaxConcurrent int    `json:"max_concurrent,omitempty" validate:"gte=0"`
}

type NotifierConfig struct {
	SendTimeout string      `json:"send_timeout,omitempty"`
	DedupWindow string      `json:"dedup_window,omitempty"`
	Retry       RetryConfig `json:"retry"`
	// Rates are per-channel token buckets keyed by channel name.
	Rates    map[string]RateConfig `json:"rates,omitempty" validate:"dive,keys,oneof=email telegram inapp,endkeys"`
	Email    EmailConfig           `json:"email"`
	Telegram TelegramConfig        `json:"telegram"`
}

type RateConfig struct {
	PerSec float64 `json:"per_sec" validate:"gte=0"`
	Burst  int     `json:"burst" validate:"gte=0"`
}

type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host" validate:"required_if=Enabled true"`
	Port     int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Username string `json:"username,omitempty"`
	// Password is normally supplied via CASEWATCH_SMTP_PASSWORD.
	Password           string `json:"password,omitempty"`
	From               string `json:"from" validate:"omitempty,email"`
	SSL                bool   `json:"ssl,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

type TelegramConfig struct {
	Enabled bool `json:"enabled"`
	// Token is normally supplied via CASEWATCH_TELEGRAM_TOKEN.
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// RelayConfig forwards selected bus events to Redis pub/sub for the live-push
// relay.
type RelayConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url" validate:"required_if=Enabled true"`
	// Password is normally supplied via CASEWATCH_REDIS_PASSWORD.
	Password string   `json:"password,omitempty"`
	Prefix   string   `json:"prefix,omitempty"`
	Types    []string `json:"types,omitempty"`
	PoolSize int      `json:"pool_size,omitempty" validate:"gte=0"`
}

// OpsConfig controls the operator HTTP server (health, metrics, pprof,
// scheduler snapshot, manual poll).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	// Token is a bearer token (do not log); CASEWATCH_OPS_TOKEN overrides it.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
