package config

// Config is the full application configuration. Files may be JSON or YAML;
// both are decoded strictly so typos fail fast instead of silently defaulting.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
	Tracking TrackingConfig `json:"tracking,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// StatsURL is the MTProto stats sidecar endpoint. Empty disables
	// engagement metrics.
	StatsURL string `json:"stats_url,omitempty"`
	// HTTPTimeout is a Go duration string (e.g. "8s").
	HTTPTimeout string `json:"http_timeout,omitempty"`
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

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./telecast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// QueueConfig controls the durable job queue. When Redis is disabled or
// unreachable at startup, scheduling degrades to in-process timers.
type QueueConfig struct {
	Redis RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`

	AnalyticsWorkers    int `json:"analytics_workers,omitempty"`
	AnalyticsRatePerSec int `json:"analytics_rate_per_sec,omitempty"`
	// PollInterval is the delayed-job promotion tick (Go duration string).
	PollInterval string `json:"poll_interval,omitempty"`
}

type DispatchConfig struct {
	// SendInterval is the gap between consecutive sends (Go duration
	// string). Defaults to "2s"; lowering it risks flood bans.
	SendInterval string `json:"send_interval,omitempty"`
}

type TrackingConfig struct {
	// All Go duration strings.
	InitialDelay   string `json:"initial_delay,omitempty"`   // default "15m"
	RepollInterval string `json:"repoll_interval,omitempty"` // default "30m"
	Window         string `json:"window,omitempty"`          // default "48h"
}
