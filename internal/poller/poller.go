// Package poller owns one admitted work item end to end: it polls the run,
// renders and publishes the notification, backs off, and repeats until the
// run completes, the time ceiling passes, or a drain sends the item back to
// the queue.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"runrelay/internal/backoff"
	"runrelay/internal/github"
	"runrelay/internal/metrics"
	"runrelay/internal/render"
	"runrelay/internal/transport"
	"runrelay/internal/workitem"
	"runrelay/pkg/logx"
)

// Source is the status source for one credential.
type Source interface {
	GetRun(ctx context.Context, owner, repo string, runID int64) (github.Run, error)
	ListJobs(ctx context.Context, owner, repo string, runID int64) ([]github.Job, error)
	GetCommit(ctx context.Context, owner, repo, sha string) (github.Commit, error)
	ListPullsForCommit(ctx context.Context, owner, repo, sha string) ([]github.PullRequest, error)
	RateRemaining() int
}

// Requeuer receives drained work items.
type Requeuer interface {
	Send(ctx context.Context, body []byte) (string, error)
}

// StatsRecorder is the run-statistics store.
type StatsRecorder interface {
	Record(ctx context.Context, owner, repo string, elapsed time.Duration) error
}

type Config struct {
	// MaxDuration is the polling ceiling; 0 means 1h.
	MaxDuration time.Duration
	// CallTimeout bounds each status source and sink call; 0 means 20s.
	CallTimeout time.Duration
	// ParkTimeout is how long Drain waits for the loop to stop on its own
	// before sending the item back itself; 0 means 1s.
	ParkTimeout time.Duration
	Policy      backoff.Policy
}

func (c Config) withDefaults() Config {
	if c.MaxDuration <= 0 {
		c.MaxDuration = time.Hour
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 20 * time.Second
	}
	if c.ParkTimeout <= 0 {
		c.ParkTimeout = time.Second
	}
	if len(c.Policy.Steps) == 0 && c.Policy.Final <= 0 {
		c.Policy = backoff.Default()
	}
	return c
}

type Deps struct {
	Source  Source
	Sink    transport.Sink
	Queue   Requeuer
	Stats   StatsRecorder // optional
	Metrics *metrics.Metrics
	Log     logx.Logger
}

// Outcome is how a poller ended.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeExceeded  Outcome = "exceeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeDrained   Outcome = "drained"
)

// terminal outcomes leave nothing to resend.
func (o Outcome) terminal() bool {
	return o == OutcomeCompleted || o == OutcomeExceeded || o == OutcomeFailed
}

// State is a snapshot of a poller's progress.
type State struct {
	StartTime    time.Time
	NextInterval time.Duration
	Running      bool
	Outcome      Outcome
	Polls        int
}

type Poller struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu      sync.Mutex
	item    workitem.WorkItem
	state   State
	cache   contextCache
	lastErr error

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	// publishing is a one-slot lock held across each sink call and by Drain
	// while it sends the item back.
	publishing chan struct{}

	requeued   atomic.Bool
	requeueErr error // guarded by mu
}

func New(item workitem.WorkItem, cfg Config, deps Deps) *Poller {
	return &Poller{
		cfg:        cfg.withDefaults(),
		deps:       deps,
		log:        deps.Log.With(logx.String("comp", "poller"), logx.String("key", item.Key())),
		item:       item,
		cache:      contextCache{},
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		publishing: make(chan struct{}, 1),
	}
}

// Key identifies the work item this poller serves.
func (p *Poller) Key() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.item.Key()
}

// Item returns the current work item, including any assigned message id.
func (p *Poller) Item() workitem.WorkItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.item
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed when Run returns.
func (p *Poller) Done() <-chan struct{} { return p.done }

// Run polls until the run completes, the ceiling passes, or ctx is cancelled.
// Cancelling ctx is a drain: the loop stops at its next check and sends the
// item back to the queue. In-flight calls are not interrupted by ctx.
func (p *Poller) Run(ctx context.Context) (err error) {
	defer close(p.done)
	p.deps.Metrics.PollerStarted()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("poller panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("poller %s: panic: %v", p.Key(), r)
			p.finish(OutcomeFailed)
		}
		p.deps.Metrics.PollerStopped(string(p.State().Outcome))
	}()

	if p.deps.Source == nil || p.deps.Sink == nil || p.deps.Queue == nil {
		p.finish(OutcomeFailed)
		return errMissingDeps
	}

	start := time.Now()
	p.mu.Lock()
	p.state.StartTime = start
	p.state.Running = true
	p.mu.Unlock()
	p.log.Info("poller started", logx.Bool("resumed", p.Item().Handle().Created()))

	snap := p.baseSnapshot()
	for {
		if p.stopping(ctx) {
			return p.drainExit(ctx)
		}

		next, settled, err := p.poll(ctx, snap)
		if err != nil {
			p.deps.Metrics.Poll(false)
			if !github.IsRetryable(err) {
				p.log.Error("status source failed, giving up", logx.Err(err))
				p.finish(OutcomeFailed)
				return err
			}
			p.log.Warn("status source failed, retrying", logx.Err(err))
		} else {
			p.deps.Metrics.Poll(true)
			snap = next
			snap.Elapsed = time.Since(start)
			// A failed publish ends the cycle; even a completed run is
			// published again next cycle.
			if err := p.publish(ctx, render.Render(snap)); err == nil && snap.Status == github.StatusCompleted {
				p.finish(OutcomeCompleted)
				p.recordStats(ctx, time.Since(start))
				p.log.Info("run completed", logx.String("conclusion", snap.Conclusion), logx.Duration("elapsed", time.Since(start)))
				return nil
			}
		}

		elapsed := time.Since(start)
		interval := p.cfg.Policy.Next(backoff.Input{
			Elapsed:         elapsed,
			SubtasksSettled: settled,
			RateRemaining:   p.deps.Source.RateRemaining(),
		})
		p.mu.Lock()
		p.state.NextInterval = interval
		p.mu.Unlock()

		if elapsed >= p.cfg.MaxDuration {
			snap.Elapsed = elapsed
			_ = p.publish(ctx, render.RenderTimeout(snap, p.cfg.MaxDuration))
			p.finish(OutcomeExceeded)
			p.log.Warn("exceeded maximum polling time", logx.Duration("max", p.cfg.MaxDuration))
			return nil
		}

		if !p.sleep(ctx, interval) {
			return p.drainExit(ctx)
		}
	}
}

// Drain stops the poller and sends its work item back to the queue so a
// later consumer resumes updating the same message. It is a no-op once the
// poller has finished or already sent the item back.
func (p *Poller) Drain(ctx context.Context) error {
	if p.State().Outcome.terminal() || p.requeued.Load() {
		return p.requeueResult()
	}
	p.stopOnce.Do(func() { close(p.stopCh) })

	t := time.NewTimer(p.cfg.ParkTimeout)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
		p.log.Warn("poller did not park in time, requeueing from drain")
	case <-ctx.Done():
	}
	if p.State().Outcome.terminal() {
		return nil
	}
	if !p.acquirePublish(ctx) {
		// The loop requeues once its publish returns.
		p.log.Warn("publish still in flight at drain deadline, leaving requeue to the loop")
		return fmt.Errorf("requeue %s: publish in flight: %w", p.Key(), ctx.Err())
	}
	defer p.releasePublish()
	if err := p.requeue(ctx); err != nil {
		return err
	}
	return p.requeueResult()
}

// acquirePublish waits for any in-flight sink call to return.
func (p *Poller) acquirePublish(ctx context.Context) bool {
	select {
	case p.publishing <- struct{}{}:
		return true
	default:
	}
	select {
	case p.publishing <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Poller) releasePublish() { <-p.publishing }

func (p *Poller) requeueResult() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requeueErr
}

func (p *Poller) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	case <-t.C:
		return true
	}
}

func (p *Poller) drainExit(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CallTimeout)
	defer cancel()
	err := p.requeue(rctx)
	p.mu.Lock()
	p.state.Running = false
	if p.state.Outcome == OutcomeNone {
		p.state.Outcome = OutcomeDrained
	}
	p.mu.Unlock()
	return err
}

// requeue sends the current item back once. Later calls return nil.
func (p *Poller) requeue(ctx context.Context) error {
	if !p.requeued.CompareAndSwap(false, true) {
		return nil
	}
	item := p.Item()
	body, err := item.Encode()
	if err == nil {
		_, err = p.deps.Queue.Send(ctx, body)
	}
	p.mu.Lock()
	p.state.Running = false
	p.state.Outcome = OutcomeDrained
	p.requeueErr = err
	p.mu.Unlock()

	if err != nil {
		p.deps.Metrics.Requeue(false)
		p.log.Error("requeue failed, work item lost", logx.Err(err), logx.String("payload", string(body)))
		return fmt.Errorf("requeue %s: %w", item.Key(), err)
	}
	p.deps.Metrics.Requeue(true)
	p.log.Info("work item requeued", logx.String("message_id", item.MessageID))
	return nil
}

func (p *Poller) finish(o Outcome) {
	p.mu.Lock()
	p.state.Running = false
	if !p.state.Outcome.terminal() && p.state.Outcome != OutcomeDrained {
		p.state.Outcome = o
	}
	p.mu.Unlock()
}

func (p *Poller) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CallTimeout)
}

// publish posts or updates the notification. The first successful create
// stores the returned handle on the item; later publishes update it.
// Nothing is published once the item has been sent back.
func (p *Poller) publish(ctx context.Context, c transport.Content) error {
	p.publishing <- struct{}{}
	defer p.releasePublish()
	if p.requeued.Load() {
		return errRequeued
	}

	cctx, cancel := p.callCtx(ctx)
	defer cancel()

	h := p.Item().Handle()
	got, err := p.deps.Sink.Publish(cctx, h, c)
	if err != nil {
		p.deps.Metrics.Publish("error")
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		p.log.Warn("publish failed, will retry next cycle", logx.Err(err), logx.Bool("remote", transport.IsRemoteApplicationError(err)))
		return err
	}
	if h.Created() {
		p.deps.Metrics.Publish("update")
		return nil
	}
	p.mu.Lock()
	p.item = p.item.WithHandle(got)
	p.mu.Unlock()
	p.deps.Metrics.Publish("create")
	p.log.Info("notification created", logx.String("handle", got.String()))
	return nil
}

func (p *Poller) recordStats(ctx context.Context, elapsed time.Duration) {
	if p.deps.Stats == nil {
		return
	}
	cctx, cancel := p.callCtx(ctx)
	defer cancel()
	item := p.Item()
	if err := p.deps.Stats.Record(cctx, item.Owner, item.Repo, elapsed); err != nil {
		p.log.Warn("run stats update failed", logx.Err(err))
	}
}

func (p *Poller) baseSnapshot() render.Snapshot {
	item := p.Item()
	return render.Snapshot{Owner: item.Owner, Repo: item.Repo, RunID: item.RunID}
}

// lastError is the most recent publish failure, if any.
func (p *Poller) lastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

var (
	errMissingDeps = errors.New("poller: source, sink and queue are required")
	errRequeued    = errors.New("poller: work item already requeued")
)
