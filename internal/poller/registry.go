package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"runrelay/internal/runtime/supervisor"
	"runrelay/pkg/logx"
)

var (
	// ErrDuplicate is returned when a poller for the same run is already active.
	ErrDuplicate = errors.New("poller: already active for this run")
	// ErrDraining is returned once DrainAll has begun.
	ErrDraining = errors.New("poller: registry is draining")
)

// Registry tracks the active pollers of one process. Its context is the
// shared drain signal: every poller it starts stops when it is cancelled.
type Registry struct {
	sup *supervisor.Supervisor
	log logx.Logger

	mu       sync.Mutex
	active   map[string]*Poller
	draining bool
}

func NewRegistry(parent context.Context, log logx.Logger) *Registry {
	return &Registry{
		sup:    supervisor.New(parent, supervisor.WithLogger(log)),
		log:    log.With(logx.String("comp", "poller.registry")),
		active: map[string]*Poller{},
	}
}

// Context is cancelled when DrainAll starts.
func (r *Registry) Context() context.Context { return r.sup.Context() }

// Start runs p in its own goroutine until it finishes or is drained.
func (r *Registry) Start(p *Poller) error {
	key := p.Key()
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return ErrDraining
	}
	if _, ok := r.active[key]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	r.active[key] = p
	r.mu.Unlock()

	r.sup.Go("poller", func(ctx context.Context) error {
		defer r.remove(key, p)
		return p.Run(ctx)
	})
	return nil
}

func (r *Registry) remove(key string, p *Poller) {
	r.mu.Lock()
	if r.active[key] == p {
		delete(r.active, key)
	}
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Keys lists active pollers in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.active))
	for k := range r.active {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// DrainAll raises the drain signal, then drains every active poller in
// parallel and waits for their goroutines until ctx expires. Pollers that
// fail to requeue are reported together.
func (r *Registry) DrainAll(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	pollers := make([]*Poller, 0, len(r.active))
	for _, p := range r.active {
		pollers = append(pollers, p)
	}
	r.mu.Unlock()

	r.sup.Cancel()
	r.log.Info("draining pollers", logx.Int("active", len(pollers)))

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, p := range pollers {
		g.Go(func() error {
			if err := p.Drain(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := r.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		r.log.Warn("pollers still running after drain deadline", logx.Int("active", r.Len()))
	}
	return errors.Join(errs...)
}
