package poller

import (
	"context"
	"errors"
	"fmt"

	"runrelay/internal/metrics"
	"runrelay/internal/queue"
	"runrelay/internal/transport"
	"runrelay/internal/workitem"
	"runrelay/pkg/logx"
)

// SourceFunc resolves the status source for a credential reference.
type SourceFunc func(ctx context.Context, credentialRef string) (Source, error)

// Handler admits queue messages: each valid work item gets a poller in the
// registry. It returns once the poller is started, not when it finishes, so
// the consumer deletes the message right away. A drained poller puts its item
// back on the queue itself.
type Handler struct {
	Registry *Registry
	Sources  SourceFunc
	Sink     transport.Sink
	Queue    Requeuer
	Stats    StatsRecorder
	Metrics  *metrics.Metrics
	Config   Config
	Log      logx.Logger
}

// Handle matches the consumer's single-message handler signature.
func (h *Handler) Handle(ctx context.Context, env queue.Envelope) error {
	log := h.Log.With(logx.String("comp", "handler"), logx.String("msg", env.ID))

	item, err := workitem.Parse(env.Body)
	if err != nil {
		h.Metrics.InvalidWorkItem()
		log.Warn("dropping invalid work item", logx.Err(err), logx.String("payload", string(env.Body)))
		return nil
	}

	src, err := h.Sources(ctx, item.CredentialRef)
	if err != nil {
		return fmt.Errorf("resolve status source for %s: %w", item.Key(), err)
	}

	p := New(item, h.Config, Deps{
		Source:  src,
		Sink:    h.Sink,
		Queue:   h.Queue,
		Stats:   h.Stats,
		Metrics: h.Metrics,
		Log:     h.Log,
	})
	switch err := h.Registry.Start(p); {
	case errors.Is(err, ErrDuplicate):
		log.Info("run already tracked, dropping duplicate", logx.String("key", item.Key()))
		return nil
	case err != nil:
		return err
	}
	log.Debug("work item admitted", logx.String("key", item.Key()), logx.Bool("resumed", item.Handle().Created()))
	return nil
}
