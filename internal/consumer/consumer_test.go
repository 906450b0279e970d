package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"runrelay/internal/eventbus"
	"runrelay/internal/queue"
	"runrelay/pkg/logx"
)

func baseOptions(store queue.Store, bus eventbus.Bus) Options {
	return Options{
		Store:             store,
		BatchSize:         10,
		WaitTime:          50 * time.Millisecond,
		VisibilityTimeout: time.Hour,
		Bus:               bus,
		Log:               logx.Nop(),
	}
}

// collect reads events until one of type until has been seen n times.
func collect(t *testing.T, ch <-chan eventbus.Event, until string, n int) []eventbus.Event {
	t.Helper()
	var out []eventbus.Event
	seen := 0
	timeout := time.After(3 * time.Second)
	for seen < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
			if ev.Type == until {
				seen++
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %d %s events, got %d", n, until, seen)
		}
	}
	return out
}

func count(events []eventbus.Event, eventType string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func find(events []eventbus.Event, eventType string) (eventbus.Event, bool) {
	for _, ev := range events {
		if ev.Type == eventType {
			return ev, true
		}
	}
	return eventbus.Event{}, false
}

func sendAll(t *testing.T, store queue.Store, bodies ...string) {
	t.Helper()
	for _, b := range bodies {
		if _, err := store.Send(context.Background(), []byte(b)); err != nil {
			t.Fatalf("Send(%q) error = %v", b, err)
		}
	}
}

func stop(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStore()
	h := func(context.Context, queue.Envelope) error { return nil }
	bh := func(context.Context, []queue.Envelope) error { return nil }

	tests := []struct {
		name string
		opts Options
	}{
		{name: "no store", opts: Options{Handler: h}},
		{name: "no handler", opts: Options{Store: store}},
		{name: "both handlers", opts: Options{Store: store, Handler: h, BatchHandler: bh}},
		{name: "batch too large", opts: Options{Store: store, Handler: h, BatchSize: 11}},
		{name: "wait too long", opts: Options{Store: store, Handler: h, WaitTime: 21 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.opts); err == nil {
				t.Fatalf("New() error = nil, want error")
			}
		})
	}

	if _, err := New(Options{Store: store, Handler: h}); err != nil {
		t.Fatalf("New() with defaults error = %v", err)
	}
}

func TestSingleModeIsolatesFailures(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStore()
	sendAll(t, store, "ok-1", "fail", "ok-2")
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	opts := baseOptions(store, bus)
	opts.Handler = func(_ context.Context, env queue.Envelope) error {
		if string(env.Body) == "fail" {
			return errors.New("boom")
		}
		return nil
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.Start(context.Background())
	events := collect(t, ch, EventResponseProcessed, 1)
	stop(t, c)

	if got := count(events, EventMessageReceived); got != 3 {
		t.Fatalf("message_received = %d, want 3", got)
	}
	if got := count(events, EventMessageProcessed); got != 2 {
		t.Fatalf("message_processed = %d, want 2", got)
	}
	ev, ok := find(events, EventProcessingError)
	if !ok {
		t.Fatalf("no processing_error event")
	}
	data := ev.Data.(Event)
	var pe *ProcessingError
	if !errors.As(data.Err, &pe) || string(data.Envelope.Body) != "fail" {
		t.Fatalf("processing_error = %+v, want ProcessingError for the failing message", data)
	}
	if store.Len() != 1 {
		t.Fatalf("store len = %d, want 1 (failed message kept)", store.Len())
	}
}

func TestReleaseOnErrorRetriesImmediately(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStore()
	sendAll(t, store, "flaky")
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	var calls atomic.Int32
	opts := baseOptions(store, bus)
	opts.ReleaseOnError = true
	opts.Handler = func(context.Context, queue.Envelope) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.Start(context.Background())
	collect(t, ch, EventMessageProcessed, 1)
	stop(t, c)

	if got := calls.Load(); got != 2 {
		t.Fatalf("handler calls = %d, want 2", got)
	}
	if store.Len() != 0 {
		t.Fatalf("store len = %d, want 0", store.Len())
	}
}

func TestHandlerTimeoutIsReported(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStore()
	sendAll(t, store, "slow")
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	opts := baseOptions(store, bus)
	opts.HandleTimeout = 20 * time.Millisecond
	opts.Handler = func(ctx context.Context, _ queue.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.Start(context.Background())
	events := collect(t, ch, EventTimeoutError, 1)
	stop(t, c)

	ev, _ := find(events, EventTimeoutError)
	var te *TimeoutError
	if !errors.As(ev.Data.(Event).Err, &te) || te.Timeout != opts.HandleTimeout {
		t.Fatalf("timeout_error = %+v, want TimeoutError(%s)", ev.Data, opts.HandleTimeout)
	}
	if count(events, EventMessageProcessed) != 0 {
		t.Fatalf("timed out message reported as processed")
	}
	if store.Len() != 1 {
		t.Fatalf("store len = %d, want 1", store.Len())
	}
}

func TestHandlerPanicBecomesProcessingError(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStore()
	sendAll(t, store, "x")
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	opts := baseOptions(store, bus)
	opts.Handler = func(context.Context, queue.Envelope) error { panic("bad payload") }
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.Start(context.Background())
	events := collect(t, ch, EventProcessingError, 1)
	stop(t, c)

	ev, _ := find(events, EventProcessingError)
	var pe *ProcessingError
	if !errors.As(ev.Data.(Event).Err, &pe) {
		t.Fatalf("processing_error err = %v, want *ProcessingError", ev.Data.(Event).Err)
	}
}

func TestBatchModeIsAllOrNothing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		fail      bool
		wantLen   int
		processed int
	}{
		{name: "success deletes batch", wantLen: 0, processed: 3},
		{name: "failure keeps batch", fail: true, wantLen: 3, processed: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := queue.NewMemoryStore()
			sendAll(t, store, "a", "b", "c")
			bus := eventbus.New()
			ch, unsub := bus.Subscribe(64)
			defer unsub()

			var mu sync.Mutex
			var sizes []int
			opts := baseOptions(store, bus)
			opts.BatchHandler = func(_ context.Context, envs []queue.Envelope) error {
				mu.Lock()
				sizes = append(sizes, len(envs))
				mu.Unlock()
				if tt.fail {
					return errors.New("batch failed")
				}
				return nil
			}
			c, err := New(opts)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			c.Start(context.Background())
			events := collect(t, ch, EventResponseProcessed, 1)
			stop(t, c)

			mu.Lock()
			defer mu.Unlock()
			if len(sizes) == 0 || sizes[0] != 3 {
				t.Fatalf("batch sizes = %v, want first batch of 3", sizes)
			}
			if got := count(events, EventMessageProcessed); got != tt.processed {
				t.Fatalf("message_processed = %d, want %d", got, tt.processed)
			}
			if store.Len() != tt.wantLen {
				t.Fatalf("store len = %d, want %d", store.Len(), tt.wantLen)
			}
		})
	}
}

func TestAuthErrorStretchesNextReceive(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStore()
	sendAll(t, store, "x")
	store.FailNext(1, &queue.StoreError{Op: "receive", Code: "AccessDenied", Err: errors.New("denied")})
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	opts := baseOptions(store, bus)
	opts.AuthErrorTimeout = 150 * time.Millisecond
	opts.Handler = func(context.Context, queue.Envelope) error { return nil }
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.Start(context.Background())
	events := collect(t, ch, EventMessageProcessed, 1)
	stop(t, c)

	errEv, ok := find(events, EventError)
	if !ok {
		t.Fatalf("no consumer.error event")
	}
	if !queue.IsAuthError(errEv.Data.(Event).Err) {
		t.Fatalf("error event err = %v, want auth error", errEv.Data.(Event).Err)
	}
	done, _ := find(events, EventMessageProcessed)
	if gap := done.Time.Sub(errEv.Time); gap < 140*time.Millisecond {
		t.Fatalf("next receive after %s, want at least the auth error timeout", gap)
	}
}

func TestStopAbortsLongPoll(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStore()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	opts := baseOptions(store, bus)
	opts.WaitTime = 20 * time.Second
	opts.Handler = func(context.Context, queue.Envelope) error { return nil }
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.Start(context.Background())
	c.Start(context.Background())
	if !c.Running() {
		t.Fatalf("Running() = false after Start")
	}

	start := time.Now()
	stop(t, c)
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Stop() took %s, want the receive aborted", d)
	}
	if c.Running() {
		t.Fatalf("Running() = true after Stop")
	}
	events := collect(t, ch, EventStopped, 1)
	if got := count(events, EventStarted); got != 1 {
		t.Fatalf("started events = %d, want 1", got)
	}
}
