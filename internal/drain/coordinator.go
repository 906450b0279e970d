// Package drain turns a termination signal into an orderly handback of
// in-flight work: the consumer stops receiving, every active poller sends
// its work item back to the queue, and the process exits after a bounded
// grace period.
package drain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"runrelay/pkg/logx"
)

// StopReason says why a drain began.
type StopReason string

const (
	StopSIGTERM    StopReason = "sigterm"
	StopTrigger    StopReason = "trigger"
	StopAppStop    StopReason = "app_stop"
	StopFatalError StopReason = "fatal_error"
)

// Stopper is the consumer side: stop receiving, let dispatched handlers finish.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Drainer is the poller side: send every active work item back.
type Drainer interface {
	DrainAll(ctx context.Context) error
}

type Config struct {
	// Grace bounds the consumer stop and the poller drain together; 0 means 2s.
	Grace time.Duration
	// ExitTimeout bounds OnExit; 0 means 5s.
	ExitTimeout time.Duration
}

type Option func(*Coordinator)

func WithLogger(log logx.Logger) Option { return func(c *Coordinator) { c.log = log } }

// WithOnExit registers cleanup that runs after the drain, before Exit.
func WithOnExit(fn func(ctx context.Context) error) Option {
	return func(c *Coordinator) { c.onExit = fn }
}

// WithExit replaces os.Exit.
func WithExit(fn func(code int)) Option { return func(c *Coordinator) { c.exit = fn } }

// WithNotify replaces the service manager notification.
func WithNotify(fn func(state string) error) Option {
	return func(c *Coordinator) { c.notify = fn }
}

type Coordinator struct {
	cfg      Config
	consumer Stopper
	pollers  Drainer
	log      logx.Logger
	onExit   func(ctx context.Context) error
	exit     func(code int)
	notify   func(state string) error

	triggerOnce sync.Once
	trigger     chan struct{}

	drainOnce sync.Once
	drained   chan struct{}
	drainErr  error
}

func New(cfg Config, consumer Stopper, pollers Drainer, opts ...Option) *Coordinator {
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Second
	}
	if cfg.ExitTimeout <= 0 {
		cfg.ExitTimeout = 5 * time.Second
	}
	c := &Coordinator{
		cfg:      cfg,
		consumer: consumer,
		pollers:  pollers,
		exit:     os.Exit,
		notify:   sdNotify,
		trigger:  make(chan struct{}),
		drained:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logx.String("comp", "drain"))
	return c
}

// Trigger starts the drain as if SIGTERM had arrived.
func (c *Coordinator) Trigger() {
	c.triggerOnce.Do(func() { close(c.trigger) })
}

// Run waits for SIGTERM or Trigger, drains, and calls Exit(0). It returns
// ctx.Err() without draining if ctx ends first. Other signals are left to
// their default handling.
func (c *Coordinator) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	reason := StopTrigger
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sigCh:
		reason = StopSIGTERM
	case <-c.trigger:
	}

	err := c.Drain(context.WithoutCancel(ctx), reason)
	if err != nil {
		c.log.Warn("drain finished with errors", logx.Err(err))
	}
	c.exit(0)
	return err
}

// Drain runs the shutdown sequence once. Later calls wait for the first to
// finish and return its result.
func (c *Coordinator) Drain(ctx context.Context, reason StopReason) error {
	c.drainOnce.Do(func() {
		defer close(c.drained)
		c.drainErr = c.drain(ctx, reason)
	})
	select {
	case <-c.drained:
		return c.drainErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the drain sequence has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.drained }

func (c *Coordinator) drain(ctx context.Context, reason StopReason) error {
	start := time.Now()
	c.log.Info("drain started", logx.String("reason", string(reason)), logx.Duration("grace", c.cfg.Grace))

	gctx, cancel := context.WithTimeout(ctx, c.cfg.Grace)
	defer cancel()

	var errs []error
	if c.consumer != nil {
		if err := c.consumer.Stop(gctx); err != nil {
			errs = append(errs, fmt.Errorf("stop consumer: %w", err))
		}
	}
	if err := c.notify(daemon.SdNotifyStopping); err != nil {
		c.log.Debug("service manager notify failed", logx.Err(err))
	}
	if c.pollers != nil {
		if err := c.pollers.DrainAll(gctx); err != nil {
			errs = append(errs, fmt.Errorf("drain pollers: %w", err))
		}
	}
	if gctx.Err() != nil {
		c.log.Warn("grace period elapsed, in-flight work may be lost", logx.Duration("grace", c.cfg.Grace))
	}

	if c.onExit != nil {
		ectx, ecancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ExitTimeout)
		if err := c.onExit(ectx); err != nil {
			errs = append(errs, fmt.Errorf("on exit: %w", err))
		}
		ecancel()
	}
	c.log.Info("drain finished", logx.Duration("took", time.Since(start)))
	return errors.Join(errs...)
}

func sdNotify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}
