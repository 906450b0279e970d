package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures the SQLite database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// RunStat is the accumulated statistics row for one repository.
type RunStat struct {
	Owner           string
	Repo            string
	Runs            int64
	TotalRuntimeSec int64
	UpdatedAt       time.Time
}

// runtimeSeconds rounds elapsed to whole seconds, never below zero.
func runtimeSeconds(elapsed time.Duration) int64 {
	if elapsed <= 0 {
		return 0
	}
	return int64(elapsed.Round(time.Second) / time.Second)
}
