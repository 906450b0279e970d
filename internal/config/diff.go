package config

import (
	"reflect"
	"strings"

	"runrelay/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists every top-level section that differs.
	Sections []string
	// RestartRequired lists the changed sections that only take effect after a
	// restart. Only logging is applied live.
	RestartRequired []string
	// Fields are safe to log; secrets are reported as "set" flags only.
	Fields []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	section := func(name string, changed bool, fields ...logx.Field) {
		if !changed {
			return
		}
		ch.Sections = append(ch.Sections, name)
		if name != "logging" {
			ch.RestartRequired = append(ch.RestartRequired, name)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	section("telegram", !reflect.DeepEqual(ot, nt),
		logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		logx.String("telegram.api_url", strings.TrimSpace(nt.APIURL)),
	)

	section("github", !reflect.DeepEqual(oldCfg.GitHub, newCfg.GitHub),
		logx.String("github.base_url", strings.TrimSpace(newCfg.GitHub.BaseURL)),
		logx.Int("github.low_rate_remaining", newCfg.GitHub.LowRateRemaining),
	)

	section("credentials", !reflect.DeepEqual(oldCfg.Credentials, newCfg.Credentials),
		logx.Int("credentials.static_count", len(newCfg.Credentials.Static)),
		logx.Bool("credentials.keyring", newCfg.Credentials.Keyring != nil),
	)

	section("queue", oldCfg.Queue != newCfg.Queue,
		logx.String("queue.driver", newCfg.Queue.Driver),
		logx.String("queue.path", newCfg.Queue.Path),
	)

	section("consumer", oldCfg.Consumer != newCfg.Consumer,
		logx.Int("consumer.batch_size", newCfg.Consumer.BatchSize),
		logx.String("consumer.wait_time", newCfg.Consumer.WaitTime),
	)

	section("poller", oldCfg.Poller != newCfg.Poller,
		logx.String("poller.max_duration", newCfg.Poller.MaxDuration),
	)

	section("drain", oldCfg.Drain != newCfg.Drain,
		logx.String("drain.grace", newCfg.Drain.Grace),
	)

	section("stats", oldCfg.StatsEnabled() != newCfg.StatsEnabled(),
		logx.Bool("stats.enabled", newCfg.StatsEnabled()),
	)

	section("maintenance", oldCfg.Maintenance != newCfg.Maintenance,
		logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
		logx.String("maintenance.schedule", newCfg.Maintenance.Schedule),
	)

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	section("http", oh != nh,
		logx.Bool("http.enabled", nh.Enabled),
		logx.String("http.addr", nh.Addr),
		logx.Bool("http.token_set", nh.Token != ""),
		logx.Bool("http.pprof", nh.Pprof),
	)

	section("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
	)

	return ch
}

// LogConfig converts the logging section for logx.
func (l LoggingConfig) LogConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
		},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}
