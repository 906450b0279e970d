package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "20s", "1h"); an empty string selects the default.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	GitHub      GitHubConfig      `json:"github"`
	Credentials CredentialsConfig `json:"credentials"`
	Queue       QueueConfig       `json:"queue"`
	Consumer    ConsumerConfig    `json:"consumer"`
	Poller      PollerConfig      `json:"poller"`
	Drain       DrainConfig       `json:"drain"`
	Stats       StatsConfig       `json:"stats"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	HTTP        HTTPConfig        `json:"http"`
	Logging     LoggingConfig     `json:"logging"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via RUNRELAY_TELEGRAM_TOKEN.
	Token      string  `json:"token"`
	APIURL     string  `json:"api_url,omitempty"`
	APITimeout string  `json:"api_timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type GitHubConfig struct {
	BaseURL     string  `json:"base_url,omitempty"`
	CallTimeout string  `json:"call_timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	UserAgent   string  `json:"user_agent,omitempty"`
	// DefaultCredential is used for work items without credential_ref.
	DefaultCredential string `json:"default_credential,omitempty"`
	// LowRateRemaining is the quota watermark that widens poll intervals.
	LowRateRemaining int `json:"low_rate_remaining,omitempty"`
}

// CredentialsConfig resolves credential references. Static entries win over
// the keyring; a static value "env:NAME" reads the environment variable NAME.
type CredentialsConfig struct {
	Static  map[string]string `json:"static,omitempty"`
	Keyring *KeyringConfig    `json:"keyring,omitempty"`
}

type KeyringConfig struct {
	Service  string   `json:"service"`
	Backends []string `json:"backends,omitempty"`
	FileDir  string   `json:"file_dir,omitempty"`
	// FilePassword unlocks the file backend; "env:NAME" is supported.
	FilePassword string `json:"file_password,omitempty"`
}

type QueueConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default) or memory
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxReceives int    `json:"max_receives,omitempty"`
}

type ConsumerConfig struct {
	BatchSize         int    `json:"batch_size,omitempty"`
	WaitTime          string `json:"wait_time,omitempty"`
	VisibilityTimeout string `json:"visibility_timeout,omitempty"`
	PollingWaitTime   string `json:"polling_wait_time,omitempty"`
	AuthErrorTimeout  string `json:"auth_error_timeout,omitempty"`
	HandleTimeout     string `json:"handle_timeout,omitempty"`
	ReleaseOnError    bool   `json:"release_on_error,omitempty"`
}

type PollerConfig struct {
	MaxDuration string `json:"max_duration,omitempty"`
	CallTimeout string `json:"call_timeout,omitempty"`
	ParkTimeout string `json:"park_timeout,omitempty"`
}

type DrainConfig struct {
	Grace string `json:"grace,omitempty"`
}

type StatsConfig struct {
	// Enabled is a pointer so an omitted block keeps statistics on.
	Enabled *bool `json:"enabled,omitempty"`
}

type MaintenanceConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	Retention string `json:"retention,omitempty"`
}

type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
	Chat    LogChatConfig `json:"chat"`
}

type LogFileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

// LogChatConfig forwards WARN+ log lines to an operator chat through the
// notification bot.
type LogChatConfig struct {
	Enabled    bool   `json:"enabled"`
	Chat       string `json:"chat,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StatsEnabled reports whether run statistics are recorded.
func (c *Config) StatsEnabled() bool {
	return c.Stats.Enabled == nil || *c.Stats.Enabled
}
