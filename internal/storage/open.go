package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"runrelay/internal/queue"
	"runrelay/pkg/logx"
)

// StatsStore is the run-statistics API used by pollers and health output.
type StatsStore interface {
	Record(ctx context.Context, owner, repo string, elapsed time.Duration) error
	Get(ctx context.Context, owner, repo string) (RunStat, bool, error)
}

// Backend is the work-item store and run statistics of one driver.
type Backend struct {
	Driver string
	Queue  queue.Store
	Stats  StatsStore
	// DB is nil for the memory driver.
	DB *DB
}

// Close releases the database, if any.
func (b *Backend) Close() error {
	if b == nil || b.DB == nil {
		return nil
	}
	return b.DB.Close()
}

// OpenBackend initializes the configured driver: "sqlite" (default) or
// "memory", which keeps nothing across restarts.
func OpenBackend(ctx context.Context, driver string, cfg Config, log logx.Logger) (*Backend, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory":
		log.Warn("memory queue driver: admitted work does not survive a restart")
		return &Backend{Driver: driver, Queue: queue.NewMemoryStore(), Stats: NewMemoryRunStats()}, nil
	case "", "sqlite", "sqlite3":
		db, err := Open(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return &Backend{Driver: "sqlite", Queue: db.Queue(), Stats: db.RunStats(), DB: db}, nil
	default:
		return nil, errors.New("unknown queue driver: " + driver)
	}
}
