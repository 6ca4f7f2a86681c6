package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage selects the job store backend. If omitted, jobs live in
	// memory and do not survive a restart.
	Storage *StorageConfig `json:"storage,omitempty"`

	HTTP HTTPConfig `json:"http"`

	// Sweep controls the in-process continuation trigger.
	Sweep SweepConfig `json:"sweep"`

	Providers ProvidersConfig `json:"providers"`

	Dispatch DispatchConfig `json:"dispatch"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./dispatchd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type HTTPConfig struct {
	// Address is the listen address for the command interface,
	// e.g. "127.0.0.1:8340". Empty disables the server.
	Address string `json:"address"`
}

// SweepConfig controls the periodic continuation pass.
//
// Schedule accepts a cron spec ("*/5 * * * *"), "@every 30s", a bare Go
// duration ("45s"), or a daily HH:MM time.
type SweepConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	// Retention prunes finished jobs this long after completion.
	// Empty or "0s" keeps them forever.
	Retention string `json:"retention,omitempty"`
	// LeaseTTL bounds how long a crashed pass blocks its job. Go duration
	// string; empty uses the built-in default.
	LeaseTTL string `json:"lease_ttl,omitempty"`
}

// ProvidersConfig wires message channels to their transports. A channel
// with no provider section configured rejects jobs at creation.
type ProvidersConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	SMTP     *SMTPConfig     `json:"smtp,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// Timeout is a Go duration string for a single Bot API call.
	Timeout string `json:"timeout,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from"`
}

type DispatchConfig struct {
	// DefaultIntervalSeconds paces jobs created without an explicit
	// interval. 0 means no pacing.
	DefaultIntervalSeconds int `json:"default_interval_seconds"`
}
