// Package consumer receives work items from a queue.Store and hands them to
// a handler.
//
// A message is deleted once its handler returns nil. Handler failures,
// timeouts and store errors are reported as bus events and never stop the
// receive loop; only Stop does.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"runrelay/internal/eventbus"
	"runrelay/internal/metrics"
	"runrelay/internal/queue"
	"runrelay/pkg/logx"
)

// Handler takes responsibility for one message.
type Handler func(ctx context.Context, env queue.Envelope) error

// BatchHandler takes responsibility for a whole receive batch at once.
type BatchHandler func(ctx context.Context, envs []queue.Envelope) error

// Event types published on the bus.
const (
	EventStarted           = "consumer.started"
	EventStopped           = "consumer.stopped"
	EventEmpty             = "consumer.empty"
	EventMessageReceived   = "consumer.message_received"
	EventMessageProcessed  = "consumer.message_processed"
	EventResponseProcessed = "consumer.response_processed"
	EventError             = "consumer.error"
	EventTimeoutError      = "consumer.timeout_error"
	EventProcessingError   = "consumer.processing_error"
)

// Event is the Data of every consumer bus event.
type Event struct {
	Envelope  *queue.Envelope
	Envelopes []queue.Envelope
	Err       error
}

type Options struct {
	Store        queue.Store
	Handler      Handler
	BatchHandler BatchHandler

	// BatchSize is the most messages one receive returns, 1..10; 0 means 1.
	BatchSize int
	// WaitTime is the receive long-poll, 0..20s.
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	// PollingWaitTime is the pause between receive cycles.
	PollingWaitTime time.Duration
	// AuthErrorTimeout replaces PollingWaitTime after an authentication
	// failure; 0 means 10s.
	AuthErrorTimeout time.Duration
	// HandleTimeout bounds each handler call; 0 disables it.
	HandleTimeout time.Duration
	// ReleaseOnError makes a failed message visible again immediately.
	ReleaseOnError bool
	// StoreCallTimeout bounds delete and release calls; 0 means 10s.
	StoreCallTimeout time.Duration

	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Log     logx.Logger
}

func (o Options) validate() error {
	if o.Store == nil {
		return errors.New("consumer: store is required")
	}
	if (o.Handler == nil) == (o.BatchHandler == nil) {
		return errors.New("consumer: exactly one of handler or batch handler is required")
	}
	return o.receiveOptions().Validate()
}

func (o Options) receiveOptions() queue.ReceiveOptions {
	return queue.ReceiveOptions{
		MaxMessages:       o.BatchSize,
		WaitTime:          o.WaitTime,
		VisibilityTimeout: o.VisibilityTimeout,
	}
}

type Consumer struct {
	opts Options
	log  logx.Logger

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runDone   chan struct{}
}

func New(opts Options) (*Consumer, error) {
	if opts.BatchSize == 0 {
		opts.BatchSize = 1
	}
	if opts.AuthErrorTimeout <= 0 {
		opts.AuthErrorTimeout = 10 * time.Second
	}
	if opts.StoreCallTimeout <= 0 {
		opts.StoreCallTimeout = 10 * time.Second
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Consumer{opts: opts, log: opts.Log.With(logx.String("comp", "consumer"))}, nil
}

// Start begins the receive loop. It is a no-op while already running.
func (c *Consumer) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.runCancel = cancel
	c.runDone = make(chan struct{})
	done := c.runDone

	c.emit(EventStarted, Event{})
	c.log.Info("consumer started", logx.Int("batch_size", c.opts.BatchSize), logx.Duration("wait_time", c.opts.WaitTime))
	go func() {
		defer close(done)
		c.loop(rctx)
	}()
}

// Stop aborts any in-flight receive and suppresses further ones. Handlers
// already dispatched run to completion; Stop waits for them until ctx expires.
func (c *Consumer) Stop(ctx context.Context) error {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = false
	cancel, done := c.runCancel, c.runDone
	c.runCancel = nil
	c.runMu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.log.Warn("consumer stop timed out waiting for handlers", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (c *Consumer) Running() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

func (c *Consumer) loop(ctx context.Context) {
	defer func() {
		c.emit(EventStopped, Event{})
		c.log.Info("consumer stopped")
	}()
	for {
		wait := c.opts.PollingWaitTime
		if err := c.cycle(ctx); err != nil && queue.IsAuthError(err) {
			c.log.Warn("queue rejected credentials, backing off", logx.Duration("wait", c.opts.AuthErrorTimeout), logx.Err(err))
			wait = c.opts.AuthErrorTimeout
		}
		if ctx.Err() != nil {
			return
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

// cycle runs one receive and dispatches what it got. Only receive errors are
// returned; handler outcomes are reported as events.
func (c *Consumer) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("consumer cycle panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("consumer: panic: %v", r)
			c.emit(EventError, Event{Err: err})
		}
	}()

	envs, err := c.opts.Store.Receive(ctx, c.opts.receiveOptions())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		err = queue.Wrap("receive", "", false, err)
		c.emit(EventError, Event{Err: err})
		c.log.Warn("receive failed", logx.Err(err))
		return err
	}
	if len(envs) == 0 {
		c.emit(EventEmpty, Event{})
		return nil
	}

	// Handlers outlive Stop.
	hctx := context.WithoutCancel(ctx)
	if c.opts.BatchHandler != nil {
		c.processBatch(hctx, envs)
	} else {
		var wg sync.WaitGroup
		for i := range envs {
			wg.Add(1)
			go func(env queue.Envelope) {
				defer wg.Done()
				c.processMessage(hctx, env)
			}(envs[i])
		}
		wg.Wait()
	}
	c.emit(EventResponseProcessed, Event{Envelopes: envs})
	return nil
}

func (c *Consumer) processMessage(ctx context.Context, env queue.Envelope) {
	c.emit(EventMessageReceived, Event{Envelope: &env})
	err := c.execute(ctx, env.ID, func(hctx context.Context) error {
		return c.opts.Handler(hctx, env)
	})
	if err != nil {
		c.reportHandlerError(Event{Envelope: &env, Err: err})
		if c.opts.ReleaseOnError {
			c.release(ctx, env)
		}
		return
	}
	if err := c.delete(ctx, env); err != nil {
		return
	}
	c.emit(EventMessageProcessed, Event{Envelope: &env})
}

func (c *Consumer) processBatch(ctx context.Context, envs []queue.Envelope) {
	for i := range envs {
		c.emit(EventMessageReceived, Event{Envelope: &envs[i]})
	}
	err := c.execute(ctx, "", func(hctx context.Context) error {
		return c.opts.BatchHandler(hctx, envs)
	})
	if err != nil {
		c.reportHandlerError(Event{Envelopes: envs, Err: err})
		if c.opts.ReleaseOnError {
			for _, env := range envs {
				c.release(ctx, env)
			}
		}
		return
	}
	for i := range envs {
		if err := c.delete(ctx, envs[i]); err != nil {
			continue
		}
		c.emit(EventMessageProcessed, Event{Envelope: &envs[i]})
	}
}

// execute runs fn under the optional handle timeout, converting panics and
// failures into *ProcessingError and an expired timeout into *TimeoutError.
func (c *Consumer) execute(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	hctx := ctx
	if c.opts.HandleTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, c.opts.HandleTimeout)
		defer cancel()
	}

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("handler panicked", logx.String("msg", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- fn(hctx)
	}()

	var err error
	select {
	case err = <-result:
	case <-hctx.Done():
		// A handler that finished right at the deadline still counts.
		select {
		case err = <-result:
		default:
			return &TimeoutError{MessageID: id, Timeout: c.opts.HandleTimeout}
		}
	}
	if err == nil {
		return nil
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return err
	}
	return &ProcessingError{MessageID: id, Err: err}
}

func (c *Consumer) reportHandlerError(ev Event) {
	var te *TimeoutError
	if errors.As(ev.Err, &te) {
		c.emit(EventTimeoutError, ev)
		c.log.Warn("handler timed out", logx.Err(ev.Err))
		return
	}
	c.emit(EventProcessingError, ev)
	c.log.Warn("handler failed", logx.Err(ev.Err))
}

func (c *Consumer) delete(ctx context.Context, env queue.Envelope) error {
	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreCallTimeout)
	defer cancel()
	if err := c.opts.Store.Delete(sctx, env.Receipt); err != nil {
		err = queue.Wrap("delete", "", false, err)
		c.emit(EventError, Event{Envelope: &env, Err: err})
		c.log.Warn("delete failed", logx.String("msg", env.ID), logx.Err(err))
		return err
	}
	return nil
}

func (c *Consumer) release(ctx context.Context, env queue.Envelope) {
	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreCallTimeout)
	defer cancel()
	if err := queue.Release(sctx, c.opts.Store, env.Receipt); err != nil {
		err = queue.Wrap("change_visibility", "", false, err)
		c.emit(EventError, Event{Envelope: &env, Err: err})
		c.log.Warn("release failed", logx.String("msg", env.ID), logx.Err(err))
	}
}

func (c *Consumer) emit(eventType string, ev Event) {
	c.opts.Metrics.ConsumerEvent(eventType)
	c.opts.Bus.Publish(eventbus.Event{Type: eventType, Time: time.Now(), Data: ev})
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
