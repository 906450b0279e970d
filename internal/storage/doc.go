// Package storage is runrelay's SQLite persistence: the durable work-item
// queue and the per-repository run statistics.
//
// The driver is modernc.org/sqlite (pure Go), opened in WAL mode with a
// single writer connection. The schema lives in migrations.sql and is applied
// idempotently on open.
package storage
