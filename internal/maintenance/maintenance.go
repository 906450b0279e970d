// Package maintenance runs periodic queue housekeeping on a cron schedule:
// poison messages move to dead letters, old dead letters are pruned, and the
// queue depth and status source quota gauges are refreshed.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"runrelay/internal/metrics"
	"runrelay/pkg/logx"
)

// DeadLetters is the housekeeping side of a durable queue.
type DeadLetters interface {
	PurgeDead(ctx context.Context, maxReceives int) (int, error)
	PruneDeadLetters(ctx context.Context, retention time.Duration) (int, error)
	Depth(ctx context.Context) (visible, inFlight int, err error)
}

// RateSource reports the lowest known status source quota, or -1.
type RateSource interface {
	MinRateRemaining() int
}

type Config struct {
	Enabled bool
	// Schedule is a cron spec; seconds are optional. Empty means "@every 1m".
	Schedule string
	Timezone string
	// MaxReceives is how often a message may be received before it is
	// treated as poison; 0 disables the purge.
	MaxReceives int
	// Retention is how long dead letters are kept; 0 keeps them forever.
	Retention time.Duration
	// JobTimeout bounds one pass; 0 means 30s.
	JobTimeout time.Duration
}

type Service struct {
	cfg     Config
	queue   DeadLetters // nil for the memory driver
	rate    RateSource
	metrics *metrics.Metrics
	log     logx.Logger
	parser  cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, q DeadLetters, rate RateSource, m *metrics.Metrics, log logx.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	s := &Service{
		cfg:     cfg,
		queue:   q,
		rate:    rate,
		metrics: m,
		log:     log.With(logx.String("comp", "maintenance")),
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	if _, err := s.parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start schedules the housekeeping pass. It is a no-op when disabled or
// already started.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Debug("maintenance disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance timezone %q: %w", tz, err)
		}
		loc = l
	}

	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	runCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if err := s.RunOnce(runCtx); err != nil {
			s.log.Warn("maintenance pass failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started", logx.String("schedule", s.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

// Stop halts scheduling and waits for a running pass until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce performs one housekeeping pass.
func (s *Service) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	if s.rate != nil {
		s.metrics.RateRemaining(s.rate.MinRateRemaining())
	}
	if s.queue == nil {
		return nil
	}

	var errs []error
	if n, err := s.queue.PurgeDead(ctx, s.cfg.MaxReceives); err != nil {
		errs = append(errs, fmt.Errorf("purge dead: %w", err))
	} else if n > 0 {
		s.metrics.DeadLettered(n)
		s.log.Warn("moved poison messages to dead letters", logx.Int("count", n), logx.Int("max_receives", s.cfg.MaxReceives))
	}
	if n, err := s.queue.PruneDeadLetters(ctx, s.cfg.Retention); err != nil {
		errs = append(errs, fmt.Errorf("prune dead letters: %w", err))
	} else if n > 0 {
		s.log.Info("pruned dead letters", logx.Int("count", n))
	}
	visible, inFlight, err := s.queue.Depth(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("queue depth: %w", err))
	} else {
		s.metrics.QueueDepth(visible, inFlight)
	}
	return errors.Join(errs...)
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
