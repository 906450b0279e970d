package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add("telegram.token: required (or set %s)", EnvTelegramToken)
	}
	if c.Telegram.RatePerSec < 0 {
		add("telegram.rate_per_sec: must be >= 0")
	}
	if c.GitHub.RatePerSec < 0 {
		add("github.rate_per_sec: must be >= 0")
	}
	if c.GitHub.LowRateRemaining < 0 {
		add("github.low_rate_remaining: must be >= 0")
	}

	for _, d := range c.durationFields() {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Queue.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	default:
		add("queue.driver: unknown driver %q (want sqlite or memory)", c.Queue.Driver)
	}
	if c.Queue.MaxReceives < 0 {
		add("queue.max_receives: must be >= 0")
	}

	if c.Consumer.BatchSize < 0 || c.Consumer.BatchSize > 10 {
		add("consumer.batch_size: must be between 1 and 10")
	}
	if d, err := ParseDurationField("consumer.wait_time", c.Consumer.WaitTime); err == nil && d > 20*time.Second {
		add("consumer.wait_time: must be <= 20s")
	}

	if k := c.Credentials.Keyring; k != nil && strings.TrimSpace(k.Service) == "" {
		add("credentials.keyring.service: required when keyring is configured")
	}

	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add("logging.file.path: required when file logging is enabled")
	}
	if c.Logging.Chat.Enabled && strings.TrimSpace(c.Logging.Chat.Chat) == "" {
		add("logging.chat.chat: required when chat logging is enabled")
	}
	for path, lvl := range map[string]string{"logging.level": c.Logging.Level, "logging.chat.min_level": c.Logging.Chat.MinLevel} {
		if !validLevel(lvl) {
			add("%s: unknown level %q", path, lvl)
		}
	}
	return errors.Join(errs...)
}

type durationField struct{ path, raw string }

func (c *Config) durationFields() []durationField {
	return []durationField{
		{"telegram.api_timeout", c.Telegram.APITimeout},
		{"github.call_timeout", c.GitHub.CallTimeout},
		{"queue.busy_timeout", c.Queue.BusyTimeout},
		{"consumer.wait_time", c.Consumer.WaitTime},
		{"consumer.visibility_timeout", c.Consumer.VisibilityTimeout},
		{"consumer.polling_wait_time", c.Consumer.PollingWaitTime},
		{"consumer.auth_error_timeout", c.Consumer.AuthErrorTimeout},
		{"consumer.handle_timeout", c.Consumer.HandleTimeout},
		{"poller.max_duration", c.Poller.MaxDuration},
		{"poller.call_timeout", c.Poller.CallTimeout},
		{"poller.park_timeout", c.Poller.ParkTimeout},
		{"drain.grace", c.Drain.Grace},
		{"maintenance.retention", c.Maintenance.Retention},
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
	}
}

func validLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
