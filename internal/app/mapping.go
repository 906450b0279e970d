package app

import (
	"errors"
	"os"
	"strings"
	"time"

	"runrelay/internal/backoff"
	"runrelay/internal/config"
	"runrelay/internal/credential"
	"runrelay/internal/drain"
	"runrelay/internal/github"
	"runrelay/internal/maintenance"
	"runrelay/internal/observability/httpserver"
	"runrelay/internal/poller"
	"runrelay/internal/storage"
	"runrelay/internal/transport/telegram"
)

const defaultQueuePath = "data/runrelay.db"

// settings is the config file mapped onto component configs.
type settings struct {
	Telegram telegram.Config
	GitHub   github.Config
	// DefaultCredential is used for work items without a credential_ref.
	DefaultCredential string

	Static  credential.Static
	Keyring *credential.KeyringConfig

	Driver      string
	Storage     storage.Config
	MaxReceives int

	Consumer     consumerSettings
	Poller       poller.Config
	Drain        drain.Config
	Maintenance  maintenance.Config
	HTTP         httpserver.Config
	StatsEnabled bool
}

// consumerSettings holds the timing half of consumer.Options; the wiring
// half is filled in at Start.
type consumerSettings struct {
	BatchSize         int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	PollingWaitTime   time.Duration
	AuthErrorTimeout  time.Duration
	HandleTimeout     time.Duration
	ReleaseOnError    bool
}

// durationParser collects every bad duration instead of stopping at the first.
type durationParser struct{ errs []error }

func (p *durationParser) get(path, raw string, def time.Duration) time.Duration {
	d, err := config.ParseDurationOrDefault(path, raw, def)
	if err != nil {
		p.errs = append(p.errs, err)
		return def
	}
	return d
}

func mapSettings(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, errors.New("config is nil")
	}
	var dp durationParser
	var s settings

	s.Telegram = telegram.Config{
		Token:      strings.TrimSpace(cfg.Telegram.Token),
		APIURL:     strings.TrimSpace(cfg.Telegram.APIURL),
		APITimeout: dp.get("telegram.api_timeout", cfg.Telegram.APITimeout, 15*time.Second),
		RatePerSec: cfg.Telegram.RatePerSec,
	}
	if cfg.Logging.Chat.Enabled {
		s.Telegram.LogChat = strings.TrimSpace(cfg.Logging.Chat.Chat)
	}

	s.GitHub = github.Config{
		BaseURL:     strings.TrimSpace(cfg.GitHub.BaseURL),
		CallTimeout: dp.get("github.call_timeout", cfg.GitHub.CallTimeout, 20*time.Second),
		RatePerSec:  cfg.GitHub.RatePerSec,
		UserAgent:   strings.TrimSpace(cfg.GitHub.UserAgent),
	}
	if s.GitHub.UserAgent == "" {
		s.GitHub.UserAgent = "runrelay"
	}
	s.DefaultCredential = strings.TrimSpace(cfg.GitHub.DefaultCredential)

	s.Static = credential.Static(cfg.Credentials.Static)
	if k := cfg.Credentials.Keyring; k != nil {
		s.Keyring = &credential.KeyringConfig{
			Service:      k.Service,
			Backends:     k.Backends,
			FileDir:      k.FileDir,
			FilePassword: fromEnv(k.FilePassword),
		}
	}

	s.Driver = strings.ToLower(strings.TrimSpace(cfg.Queue.Driver))
	s.Storage = storage.Config{
		Path:        strings.TrimSpace(cfg.Queue.Path),
		BusyTimeout: dp.get("queue.busy_timeout", cfg.Queue.BusyTimeout, 5*time.Second),
	}
	if s.Storage.Path == "" {
		s.Storage.Path = defaultQueuePath
	}
	s.MaxReceives = cfg.Queue.MaxReceives

	s.Consumer = consumerSettings{
		BatchSize:         cfg.Consumer.BatchSize,
		WaitTime:          dp.get("consumer.wait_time", cfg.Consumer.WaitTime, 20*time.Second),
		VisibilityTimeout: dp.get("consumer.visibility_timeout", cfg.Consumer.VisibilityTimeout, 30*time.Second),
		PollingWaitTime:   dp.get("consumer.polling_wait_time", cfg.Consumer.PollingWaitTime, 0),
		AuthErrorTimeout:  dp.get("consumer.auth_error_timeout", cfg.Consumer.AuthErrorTimeout, 10*time.Second),
		HandleTimeout:     dp.get("consumer.handle_timeout", cfg.Consumer.HandleTimeout, 0),
		ReleaseOnError:    cfg.Consumer.ReleaseOnError,
	}
	if s.Consumer.BatchSize == 0 {
		s.Consumer.BatchSize = 10
	}

	policy := backoff.Default()
	if cfg.GitHub.LowRateRemaining > 0 {
		policy.LowRateRemaining = cfg.GitHub.LowRateRemaining
	}
	s.Poller = poller.Config{
		MaxDuration: dp.get("poller.max_duration", cfg.Poller.MaxDuration, time.Hour),
		CallTimeout: dp.get("poller.call_timeout", cfg.Poller.CallTimeout, 20*time.Second),
		ParkTimeout: dp.get("poller.park_timeout", cfg.Poller.ParkTimeout, time.Second),
		Policy:      policy,
	}

	s.Drain = drain.Config{Grace: dp.get("drain.grace", cfg.Drain.Grace, 2*time.Second)}

	s.Maintenance = maintenance.Config{
		Enabled:     cfg.Maintenance.Enabled,
		Schedule:    strings.TrimSpace(cfg.Maintenance.Schedule),
		Timezone:    strings.TrimSpace(cfg.Maintenance.Timezone),
		MaxReceives: cfg.Queue.MaxReceives,
		Retention:   dp.get("maintenance.retention", cfg.Maintenance.Retention, 0),
	}

	h := cfg.HTTP
	s.HTTP = httpserver.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         fromEnv(strings.TrimSpace(h.Token)),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		PprofPrefix:   h.PprofPrefix,
		ReadTimeout:   dp.get("http.read_timeout", h.ReadTimeout, 10*time.Second),
		WriteTimeout:  dp.get("http.write_timeout", h.WriteTimeout, 60*time.Second),
		IdleTimeout:   dp.get("http.idle_timeout", h.IdleTimeout, 60*time.Second),
	}

	s.StatsEnabled = cfg.StatsEnabled()

	if err := errors.Join(dp.errs...); err != nil {
		return settings{}, err
	}
	if err := s.Poller.Policy.Validate(); err != nil {
		return settings{}, err
	}
	return s, nil
}

// fromEnv expands "env:NAME" to the value of NAME.
func fromEnv(v string) string {
	if name, ok := strings.CutPrefix(v, "env:"); ok {
		return os.Getenv(name)
	}
	return v
}

func (s settings) resolver() (credential.Resolver, error) {
	chain := credential.Chain{s.Static}
	if s.Keyring != nil {
		k, err := credential.OpenKeyring(*s.Keyring)
		if err != nil {
			return nil, err
		}
		chain = append(chain, k)
	}
	return chain, nil
}
