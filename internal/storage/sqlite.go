package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"runrelay/internal/queue"
	"runrelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// DB is an open SQLite database shared by the queue and the stats store.
type DB struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

// Open creates (if needed) and migrates the database at cfg.Path.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer, and Receive relies on
	// transactions not interleaving inside this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, classify("open", err)
		}
	}

	s := &DB{db: db, log: log, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite opened", logx.String("path", path))
	return s, nil
}

func (s *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *DB) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

// classify turns driver errors into *queue.StoreError. Busy and locked
// databases are retryable; permission-class failures count as auth errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrReceiptNotFound) {
		return err
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return &queue.StoreError{Op: op, Err: err}
	}
	var code string
	retryable := false
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY:
		code, retryable = "SQLITE_BUSY", true
	case sqlite3.SQLITE_LOCKED:
		code, retryable = "SQLITE_LOCKED", true
	case sqlite3.SQLITE_READONLY:
		code = "SQLITE_READONLY"
	case sqlite3.SQLITE_CANTOPEN:
		code = "SQLITE_CANTOPEN"
	case sqlite3.SQLITE_PERM:
		code = "SQLITE_PERM"
	case sqlite3.SQLITE_AUTH:
		code = "SQLITE_AUTH"
	case sqlite3.SQLITE_IOERR:
		code, retryable = "SQLITE_IOERR", true
	default:
		code = fmt.Sprintf("SQLITE_%d", se.Code())
	}
	return &queue.StoreError{Op: op, Code: code, Retryable: retryable, Err: err}
}
