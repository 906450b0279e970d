package storage

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// RunStats accumulates finished-run statistics per repository.
type RunStats struct {
	db *DB
}

// RunStats returns the statistics store in this database.
func (s *DB) RunStats() *RunStats { return &RunStats{db: s} }

// Record adds one run of the given length to (owner, repo).
func (r *RunStats) Record(ctx context.Context, owner, repo string, elapsed time.Duration) error {
	owner, repo = strings.TrimSpace(owner), strings.TrimSpace(repo)
	if owner == "" || repo == "" {
		return errors.New("run stats: owner and repo are required")
	}
	_, err := r.db.db.ExecContext(ctx,
		`INSERT INTO run_stats(owner, repo, runs, total_runtime_sec, updated_at) VALUES(?,?,1,?,?)
		 ON CONFLICT(owner, repo) DO UPDATE SET
		   runs = runs + 1,
		   total_runtime_sec = total_runtime_sec + excluded.total_runtime_sec,
		   updated_at = excluded.updated_at`,
		owner, repo, runtimeSeconds(elapsed), r.db.now().UnixMilli(),
	)
	return classify("stats.record", err)
}

// Get returns the row for (owner, repo); ok is false if none exists.
func (r *RunStats) Get(ctx context.Context, owner, repo string) (RunStat, bool, error) {
	var st RunStat
	var updated int64
	err := r.db.db.QueryRowContext(ctx,
		`SELECT owner, repo, runs, total_runtime_sec, updated_at FROM run_stats WHERE owner = ? AND repo = ?`,
		owner, repo,
	).Scan(&st.Owner, &st.Repo, &st.Runs, &st.TotalRuntimeSec, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return RunStat{}, false, nil
	}
	if err != nil {
		return RunStat{}, false, classify("stats.get", err)
	}
	st.UpdatedAt = time.UnixMilli(updated)
	return st, true, nil
}

// MemoryRunStats is the in-process statistics store used with the memory driver.
type MemoryRunStats struct {
	mu   sync.Mutex
	rows map[[2]string]*RunStat
}

func NewMemoryRunStats() *MemoryRunStats {
	return &MemoryRunStats{rows: map[[2]string]*RunStat{}}
}

func (m *MemoryRunStats) Record(_ context.Context, owner, repo string, elapsed time.Duration) error {
	owner, repo = strings.TrimSpace(owner), strings.TrimSpace(repo)
	if owner == "" || repo == "" {
		return errors.New("run stats: owner and repo are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]string{owner, repo}
	st := m.rows[k]
	if st == nil {
		st = &RunStat{Owner: owner, Repo: repo}
		m.rows[k] = st
	}
	st.Runs++
	st.TotalRuntimeSec += runtimeSeconds(elapsed)
	st.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryRunStats) Get(_ context.Context, owner, repo string) (RunStat, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[[2]string{owner, repo}]
	if !ok {
		return RunStat{}, false, nil
	}
	return *st, true, nil
}

// All returns every row sorted by owner and repo.
func (m *MemoryRunStats) All() []RunStat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunStat, 0, len(m.rows))
	for _, st := range m.rows {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Repo < out[j].Repo
	})
	return out
}
