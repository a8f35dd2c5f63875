package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks a parsed config for values that would only fail later at
// runtime. It is also installed as the Watch validator so a bad edit never
// replaces a working config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	if cfg.Queue.Redis.Enabled && strings.TrimSpace(cfg.Queue.Redis.Addr) == "" {
		return errors.New("queue.redis.addr is required when redis is enabled")
	}

	durations := []struct {
		path string
		raw  string
	}{
		{"telegram.http_timeout", cfg.Telegram.HTTPTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"queue.redis.poll_interval", cfg.Queue.Redis.PollInterval},
		{"dispatch.send_interval", cfg.Dispatch.SendInterval},
		{"tracking.initial_delay", cfg.Tracking.InitialDelay},
		{"tracking.repoll_interval", cfg.Tracking.RepollInterval},
		{"tracking.window", cfg.Tracking.Window},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}
