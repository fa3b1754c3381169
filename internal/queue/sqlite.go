package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"snipeflow/internal/domain"
)

// EnsureSchema creates the dispatch table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS dispatch_queue (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  shard_key TEXT NOT NULL,
  payload BLOB NOT NULL,
  execute_at INTEGER NOT NULL,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL CHECK(state IN ('ready','leased','dead')) DEFAULT 'ready',
  visible_at INTEGER NOT NULL,
  lease TEXT NOT NULL DEFAULT '',
  last_error TEXT NOT NULL DEFAULT '',
  enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_visible ON dispatch_queue(state, visible_at, seq);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteQueue struct {
	db   *sql.DB
	opts Options
}

// NewSQLite returns a Queue stored in the dispatch_queue table of db.
func NewSQLite(db *sql.DB, opts Options) Queue {
	return &sqliteQueue{db: db, opts: opts.withDefaults()}
}

func (q *sqliteQueue) Close() error { return nil }

func (q *sqliteQueue) Enqueue(ctx context.Context, msg domain.DispatchMessage) error {
	now := q.opts.Now().UnixNano()
	payload := []byte(msg.Payload)
	if payload == nil {
		payload = []byte{}
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO dispatch_queue (task_id,shard_key,payload,execute_at,attempt_count,state,visible_at,enqueued_at)
VALUES (?,?,?,?,?,'ready',?,?)
`, msg.TaskID, msg.ShardKey, payload, msg.ExecuteAt.UnixNano(), msg.AttemptCount, now, now)
	return err
}

// Dequeue leases the oldest visible message. Leases that outlive the
// visibility timeout become visible again.
func (q *sqliteQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	now := q.opts.Now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT seq,task_id,shard_key,payload,execute_at,attempt_count
FROM dispatch_queue
WHERE state IN ('ready','leased') AND visible_at <= ?
ORDER BY visible_at ASC, seq ASC
LIMIT 1
`, now.UnixNano())
	var (
		seq       int64
		msg       domain.DispatchMessage
		payload   []byte
		executeAt int64
	)
	err = row.Scan(&seq, &msg.TaskID, &msg.ShardKey, &payload, &executeAt, &msg.AttemptCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msg.Payload = payload
	msg.ExecuteAt = time.Unix(0, executeAt).UTC()

	leaseUntil := now.Add(q.opts.Visibility)
	lease := uuid.NewString()
	if _, err = tx.ExecContext(ctx, `UPDATE dispatch_queue SET state='leased', visible_at=?, lease=? WHERE seq=?`, leaseUntil.UnixNano(), lease, seq); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return &Delivery{
		Message: msg,
		ack: func(ctx context.Context) error {
			return leaseHeld(q.db.ExecContext(ctx, `DELETE FROM dispatch_queue WHERE seq=? AND state='leased' AND lease=?`, seq, lease))
		},
		retry: func(ctx context.Context, delay time.Duration, reason string) error {
			return leaseHeld(q.db.ExecContext(ctx, `
UPDATE dispatch_queue
SET state='ready', attempt_count=attempt_count+1, visible_at=?, lease='', last_error=?
WHERE seq=? AND state='leased' AND lease=?`, q.opts.Now().Add(delay).UnixNano(), reason, seq, lease))
		},
		dead: func(ctx context.Context, reason string) error {
			return leaseHeld(q.db.ExecContext(ctx, `
UPDATE dispatch_queue SET state='dead', lease='', last_error=?
WHERE seq=? AND state='leased' AND lease=?`, reason, seq, lease))
		},
	}, nil
}

// leaseHeld maps a settle that matched no row to ErrLeaseLost.
func leaseHeld(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *sqliteQueue) Recover(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE dispatch_queue SET state='ready', visible_at=?, lease='' WHERE state='leased'`, q.opts.Now().UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *sqliteQueue) Stats(ctx context.Context) (Stats, error) {
	now := q.opts.Now().UnixNano()
	var s Stats
	err := q.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN state='ready' AND visible_at <= ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN state='leased' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN state='ready' AND visible_at > ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN state='dead' THEN 1 ELSE 0 END), 0)
FROM dispatch_queue`, now, now).Scan(&s.Ready, &s.InFlight, &s.Delayed, &s.Dead)
	return s, err
}
