package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"runrelay/internal/config"
	"runrelay/internal/storage"
	"runrelay/internal/workitem"
	"runrelay/pkg/logx"
)

// Enqueue validates a work item and deposits it on the configured queue.
// It returns the queue message id.
func Enqueue(ctx context.Context, cfgPath string, body []byte, log logx.Logger) (string, error) {
	cfg, err := config.NewManager(cfgPath, log).Parse()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	set, err := mapSettings(cfg)
	if err != nil {
		return "", err
	}
	if set.Driver == "memory" {
		return "", errors.New("enqueue needs a durable queue; the memory driver lives inside the running process")
	}

	item, err := workitem.Parse(body)
	if err != nil {
		return "", err
	}
	if item.AdmittedAt.IsZero() {
		item.AdmittedAt = time.Now().UTC()
	}
	enc, err := item.Encode()
	if err != nil {
		return "", err
	}

	backend, err := storage.OpenBackend(ctx, set.Driver, set.Storage, log)
	if err != nil {
		return "", err
	}
	defer backend.Close()
	id, err := backend.Queue.Send(ctx, enc)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", item.Key(), err)
	}
	log.Info("work item enqueued", logx.String("key", item.Key()), logx.String("msg", id))
	return id, nil
}
