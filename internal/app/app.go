// Package app wires runrelay together: it maps the config file onto
// component configs, starts the consumer and its supporting services, and
// hands shutdown to the drain coordinator.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"runrelay/internal/config"
	"runrelay/internal/consumer"
	"runrelay/internal/drain"
	"runrelay/internal/eventbus"
	"runrelay/internal/github"
	"runrelay/internal/maintenance"
	"runrelay/internal/metrics"
	"runrelay/internal/observability/httpserver"
	"runrelay/internal/poller"
	"runrelay/internal/runtime/supervisor"
	"runrelay/internal/storage"
	"runrelay/internal/transport/telegram"
	"runrelay/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	set  settings

	base logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	mets *metrics.Metrics

	backend *storage.Backend
	sink    *telegram.Sink
	sources *github.Factory

	sup       *supervisor.Supervisor
	runCancel context.CancelFunc
	registry  *poller.Registry
	consumer  *consumer.Consumer
	maint     *maintenance.Service
	http      *httpserver.Service
	drain     *drain.Coordinator

	notify func(state string) error

	exitOnce sync.Once
	exitCode int
	exited   chan struct{}
}

// Option adjusts an App before Start.
type Option func(*App)

// WithNotify replaces the service manager notification.
func WithNotify(fn func(state string) error) Option { return func(a *App) { a.notify = fn } }

// New loads the config and opens the long-lived resources. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	set, err := mapSettings(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	sink, err := telegram.New(set.Telegram, bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	var chat logx.ChatSender
	if set.Telegram.LogChat != "" {
		chat = sink
	}
	logSvc, log := logx.New(cfg.Logging.LogConfig(), chat)
	cfgm.SetLogger(log)
	cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		_, err := mapSettings(next)
		return err
	})

	resolver, err := set.resolver()
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("credentials: %w", err)
	}

	backend, err := storage.OpenBackend(ctx, set.Driver, set.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	a := &App{
		cfgm:    cfgm,
		set:     set,
		base:    log,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		mets:    metrics.New(),
		backend: backend,
		sink:    sink,
		sources: github.NewFactory(set.GitHub, resolver, set.DefaultCredential),
		notify:  sdNotify,
		exited:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Start runs every component. The drain coordinator then owns shutdown on
// SIGTERM; Wait reports when the process should exit.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	root := a.base

	a.registry = poller.NewRegistry(a.sup.Context(), root)

	var stats poller.StatsRecorder
	if a.set.StatsEnabled {
		stats = a.backend.Stats
	}
	handler := &poller.Handler{
		Registry: a.registry,
		Sources: func(ctx context.Context, ref string) (poller.Source, error) {
			c, err := a.sources.For(ctx, ref)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Sink:    a.sink,
		Queue:   a.backend.Queue,
		Stats:   stats,
		Metrics: a.mets,
		Config:  a.set.Poller,
		Log:     root,
	}

	cs := a.set.Consumer
	cons, err := consumer.New(consumer.Options{
		Store:             a.backend.Queue,
		Handler:           handler.Handle,
		BatchSize:         cs.BatchSize,
		WaitTime:          cs.WaitTime,
		VisibilityTimeout: cs.VisibilityTimeout,
		PollingWaitTime:   cs.PollingWaitTime,
		AuthErrorTimeout:  cs.AuthErrorTimeout,
		HandleTimeout:     cs.HandleTimeout,
		ReleaseOnError:    cs.ReleaseOnError,
		Bus:               a.bus,
		Metrics:           a.mets,
		Log:               root,
	})
	if err != nil {
		return err
	}
	a.consumer = cons

	var dead maintenance.DeadLetters
	if dl, ok := a.backend.Queue.(maintenance.DeadLetters); ok {
		dead = dl
	}
	maint, err := maintenance.New(a.set.Maintenance, dead, a.sources, a.mets, root)
	if err != nil {
		return err
	}
	a.maint = maint
	a.http = httpserver.New(a.set.HTTP, a.mets.Handler(), a.Health, root)

	a.drain = drain.New(a.set.Drain, a.consumer, a.registry,
		drain.WithLogger(root),
		drain.WithNotify(a.notify),
		drain.WithOnExit(a.shutdown),
		drain.WithExit(a.exitWith),
	)

	if err := a.http.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("eventbus.log", a.logEvents)

	// The coordinator outlives the supervisor: its exit hook waits for it.
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	go func() {
		if err := a.drain.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("drain coordinator stopped", logx.Err(err))
		}
	}()

	a.consumer.Start(a.sup.Context())

	if err := a.notify(sdReady); err != nil {
		a.log.Debug("service manager notify failed", logx.Err(err))
	}
	a.startWatchdog()

	a.log.Info("runrelay started",
		logx.String("queue", a.backend.Driver),
		logx.Int("batch_size", cs.BatchSize),
		logx.Duration("max_duration", a.set.Poller.MaxDuration),
		logx.Bool("stats", a.set.StatsEnabled),
	)
	return nil
}

// Wait blocks until the drain coordinator (or Stop) has finished and returns
// the process exit code.
func (a *App) Wait() int {
	<-a.exited
	return a.exitCode
}

// Exited is closed once an exit code is available.
func (a *App) Exited() <-chan struct{} { return a.exited }

func (a *App) exitWith(code int) {
	a.exitOnce.Do(func() {
		a.exitCode = code
		close(a.exited)
	})
}

// Stop runs the same drain sequence as SIGTERM. A fatal reason exits 1.
func (a *App) Stop(ctx context.Context, reason drain.StopReason) error {
	if a.drain == nil {
		err := a.shutdown(ctx)
		a.exitWith(0)
		return err
	}
	err := a.drain.Drain(ctx, reason)
	code := 0
	if reason == drain.StopFatalError {
		code = 1
	}
	a.exitWith(code)
	return err
}

// shutdown releases everything the drain does not cover. Each step is bounded
// so one stuck component cannot hold the process.
func (a *App) shutdown(ctx context.Context) error {
	a.log.Info("stopping")
	if a.runCancel != nil {
		a.runCancel()
	}

	if a.maint != nil {
		a.step(ctx, "maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	}
	if a.http != nil {
		a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	}
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
			a.sup.Cancel()
			if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.backend.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs fn with an upper bound that never extends the caller's deadline.
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

// reloadLoop applies logging changes live and flags everything else as
// needing a restart.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			ch := config.Diff(last, next)
			last = next
			if ch.Empty() {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.logs.Apply(next.Logging.LogConfig())
			fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
			a.log.Info("config reloaded", fields...)
			if len(ch.RestartRequired) > 0 {
				a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(ch.RestartRequired, ",")))
			}
		}
	}
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			fields := []logx.Field{logx.String("type", e.Type)}
			if ev, ok := e.Data.(consumer.Event); ok {
				if ev.Envelope != nil {
					fields = append(fields, logx.String("msg", ev.Envelope.ID))
				}
				if ev.Err != nil {
					fields = append(fields, logx.Err(ev.Err))
				}
			}
			a.log.Debug("event", fields...)
		}
	}
}

// Health is served on /healthz.
type Health struct {
	Consumer      string              `json:"consumer"`
	Queue         string              `json:"queue"`
	ActivePollers int                 `json:"active_pollers"`
	Pollers       []string            `json:"pollers,omitempty"`
	RateRemaining int                 `json:"rate_remaining"`
	EventsDropped uint64              `json:"events_dropped"`
	Supervisor    supervisor.Snapshot `json:"supervisor"`
}

// Health reports component state. The process is healthy while the consumer
// is receiving.
func (a *App) Health(context.Context) (any, bool) {
	h := Health{
		Consumer:      "stopped",
		Queue:         a.backend.Driver,
		RateRemaining: a.sources.MinRateRemaining(),
		EventsDropped: eventbus.Dropped(a.bus),
	}
	if a.consumer != nil && a.consumer.Running() {
		h.Consumer = "running"
	}
	if a.registry != nil {
		h.ActivePollers = a.registry.Len()
		h.Pollers = a.registry.Keys()
	}
	if a.sup != nil {
		h.Supervisor = a.sup.Snapshot()
	}
	return h, h.Consumer == "running"
}
