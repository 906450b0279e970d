package storage

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"runrelay/internal/queue"
)

// pollEvery bounds how long a waiting Receive takes to notice a message sent
// by another process.
const pollEvery = 200 * time.Millisecond

// Queue is the SQLite-backed queue.Store.
type Queue struct {
	db *DB

	mu   sync.Mutex
	wake chan struct{}
}

var _ queue.Store = (*Queue)(nil)

// Queue returns the work-item queue stored in this database.
func (s *DB) Queue() *Queue {
	return &Queue{db: s, wake: make(chan struct{})}
}

func (q *Queue) signal() {
	q.mu.Lock()
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

func (q *Queue) waiter() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

func (q *Queue) Send(ctx context.Context, body []byte) (string, error) {
	id := uuid.NewString()
	now := q.db.now().UnixMilli()
	_, err := q.db.db.ExecContext(ctx,
		`INSERT INTO queue_messages(id, body, sent_at, visible_at) VALUES(?,?,?,?)`,
		id, body, now, now,
	)
	if err != nil {
		return "", classify("send", err)
	}
	q.signal()
	return id, nil
}

func (q *Queue) Receive(ctx context.Context, opts queue.ReceiveOptions) ([]queue.Envelope, error) {
	if err := opts.Validate(); err != nil {
		return nil, &queue.StoreError{Op: "receive", Code: "InvalidParameterValue", Err: err}
	}
	deadline := time.Now().Add(opts.WaitTime)
	for {
		wake := q.waiter()
		out, err := q.claim(ctx, opts)
		if err != nil || len(out) > 0 {
			return out, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		t := time.NewTimer(min(remaining, pollEvery))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// claim selects visible messages and hides them under fresh receipts.
func (q *Queue) claim(ctx context.Context, opts queue.ReceiveOptions) ([]queue.Envelope, error) {
	tx, err := q.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("receive", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := q.db.now()
	rows, err := tx.QueryContext(ctx,
		`SELECT id, body, sent_at, receive_count FROM queue_messages
		 WHERE visible_at <= ? ORDER BY seq LIMIT ?`,
		now.UnixMilli(), opts.MaxMessages,
	)
	if err != nil {
		return nil, classify("receive", err)
	}
	var out []queue.Envelope
	for rows.Next() {
		var env queue.Envelope
		var sentAt int64
		if err := rows.Scan(&env.ID, &env.Body, &sentAt, &env.ReceiveCount); err != nil {
			_ = rows.Close()
			return nil, classify("receive", err)
		}
		env.SentAt = time.UnixMilli(sentAt)
		out = append(out, env)
	}
	if err := rows.Close(); err != nil {
		return nil, classify("receive", err)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("receive", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	visibleAt := now.Add(opts.VisibilityTimeout).UnixMilli()
	for i := range out {
		out[i].Receipt = uuid.NewString()
		out[i].ReceiveCount++
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_messages SET receipt = ?, visible_at = ?, receive_count = ? WHERE id = ?`,
			out[i].Receipt, visibleAt, out[i].ReceiveCount, out[i].ID,
		); err != nil {
			return nil, classify("receive", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("receive", err)
	}
	return out, nil
}

func (q *Queue) Delete(ctx context.Context, receipt string) error {
	res, err := q.db.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE receipt = ?`, receipt)
	return q.affectedOne("delete", res, err)
}

func (q *Queue) ChangeVisibility(ctx context.Context, receipt string, timeout time.Duration) error {
	visibleAt := q.db.now().Add(timeout).UnixMilli()
	res, err := q.db.db.ExecContext(ctx, `UPDATE queue_messages SET visible_at = ? WHERE receipt = ?`, visibleAt, receipt)
	if err := q.affectedOne("change_visibility", res, err); err != nil {
		return err
	}
	if timeout <= 0 {
		q.signal()
	}
	return nil
}

func (q *Queue) affectedOne(op string, res sql.Result, err error) error {
	if err != nil {
		return classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return queue.ErrReceiptNotFound
	}
	return nil
}

// Depth returns how many messages are visible and how many are in flight.
func (q *Queue) Depth(ctx context.Context) (visible, inFlight int, err error) {
	now := q.db.now().UnixMilli()
	err = q.db.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN visible_at <= ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN visible_at >  ? THEN 1 ELSE 0 END), 0)
		 FROM queue_messages`, now, now,
	).Scan(&visible, &inFlight)
	return visible, inFlight, classify("depth", err)
}

// PurgeDead moves visible messages that were already received maxReceives
// times into dead_letters. It returns how many were moved.
func (q *Queue) PurgeDead(ctx context.Context, maxReceives int) (int, error) {
	if maxReceives <= 0 {
		return 0, nil
	}
	tx, err := q.db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("purge", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := q.db.now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters(id, body, sent_at, receive_count, dead_at)
		 SELECT id, body, sent_at, receive_count, ? FROM queue_messages
		 WHERE receive_count >= ? AND visible_at <= ?`,
		now, maxReceives, now,
	); err != nil {
		return 0, classify("purge", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE receive_count >= ? AND visible_at <= ?`,
		maxReceives, now,
	)
	if err != nil {
		return 0, classify("purge", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, classify("purge", err)
	}
	return int(n), nil
}

// PruneDeadLetters deletes dead letters older than retention.
func (q *Queue) PruneDeadLetters(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := q.db.now().Add(-retention).UnixMilli()
	res, err := q.db.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE dead_at < ?`, cutoff)
	if err != nil {
		return 0, classify("prune", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
