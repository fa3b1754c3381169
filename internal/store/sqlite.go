package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"snipeflow/internal/domain"
)

// OpenSQLite opens a single-writer SQLite database in WAL mode.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  shard_key TEXT NOT NULL,
  kind TEXT NOT NULL,
  payload BLOB NOT NULL,
  target_time INTEGER NOT NULL,
  lead_time INTEGER NOT NULL,
  execute_at INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('scheduled','dispatched','executing','succeeded','failed','cancelled')),
  attempt_count INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  result TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  dispatched_at INTEGER,
  started_at INTEGER,
  completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(shard_key, status, execute_at, created_at, id);
CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(status, completed_at);
CREATE TABLE IF NOT EXISTS shards (
  shard_key TEXT PRIMARY KEY,
  next_armed_at INTEGER
);
`
	_, err := db.Exec(schema)
	return err
}

const taskColumns = `id,shard_key,kind,payload,target_time,lead_time,execute_at,status,attempt_count,max_attempts,result,created_at,dispatched_at,started_at,completed_at`

type sqliteBackend struct{ db *sql.DB }

// NewSQLiteBackend returns a Backend over db. EnsureSchema must have run.
func NewSQLiteBackend(db *sql.DB) Backend { return &sqliteBackend{db: db} }

func (b *sqliteBackend) Shard(key string) Store { return &sqliteStore{db: b.db, shard: key} }

func (b *sqliteBackend) Close() error { return b.db.Close() }

func (b *sqliteBackend) ShardKeys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
SELECT DISTINCT shard_key FROM tasks WHERE status IN ('scheduled','dispatched','executing')
UNION
SELECT shard_key FROM shards WHERE next_armed_at IS NOT NULL
ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *sqliteBackend) Locate(ctx context.Context, id string) (string, error) {
	var key string
	err := b.db.QueryRowContext(ctx, `SELECT shard_key FROM tasks WHERE id=?`, id).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	return key, err
}

func (b *sqliteBackend) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `
DELETE FROM tasks
WHERE status IN ('succeeded','failed','cancelled') AND completed_at IS NOT NULL AND completed_at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type sqliteStore struct {
	db    *sql.DB
	shard string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                                domain.Task
		payload                          []byte
		target, lead, executeAt, created int64
		dispatched, started, completed   sql.NullInt64
		status                           string
	)
	err := row.Scan(&t.ID, &t.ShardKey, &t.Kind, &payload, &target, &lead, &executeAt, &status,
		&t.AttemptCount, &t.MaxAttempts, &t.Result, &created, &dispatched, &started, &completed)
	if err != nil {
		return domain.Task{}, err
	}
	t.Payload = payload
	t.TargetTime = fromNanos(target)
	t.LeadTime = time.Duration(lead)
	t.ExecuteAt = fromNanos(executeAt)
	t.Status = domain.Status(status)
	t.CreatedAt = fromNanos(created)
	if dispatched.Valid {
		ts := fromNanos(dispatched.Int64)
		t.DispatchedAt = &ts
	}
	if started.Valid {
		ts := fromNanos(started.Int64)
		t.StartedAt = &ts
	}
	if completed.Valid {
		ts := fromNanos(completed.Int64)
		t.CompletedAt = &ts
	}
	return t, nil
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func (s *sqliteStore) Put(ctx context.Context, t domain.Task) error {
	if t.ShardKey == "" {
		t.ShardKey = s.shard
	}
	if t.ShardKey != s.shard {
		return &domain.ValidationError{Field: "shard_key", Reason: "does not belong to shard " + s.shard}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT shard_key FROM tasks WHERE id=?`, t.ID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := checkInsert(t); err != nil {
			return err
		}
	case err != nil:
		return err
	case owner != s.shard:
		return &domain.ValidationError{Field: "id", Reason: "already used in shard " + owner}
	}

	if err := writeTask(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func writeTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	payload := []byte(t.Payload)
	if payload == nil {
		payload = []byte{}
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  kind=excluded.kind, payload=excluded.payload, target_time=excluded.target_time,
  lead_time=excluded.lead_time, execute_at=excluded.execute_at, status=excluded.status,
  attempt_count=excluded.attempt_count, max_attempts=excluded.max_attempts, result=excluded.result,
  dispatched_at=excluded.dispatched_at, started_at=excluded.started_at, completed_at=excluded.completed_at
`, t.ID, t.ShardKey, t.Kind, payload, t.TargetTime.UnixNano(), int64(t.LeadTime), t.ExecuteAt.UnixNano(),
		string(t.Status), t.AttemptCount, t.MaxAttempts, t.Result, t.CreatedAt.UnixNano(),
		nullNanos(t.DispatchedAt), nullNanos(t.StartedAt), nullNanos(t.CompletedAt))
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND shard_key=?`, id, s.shard)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return domain.ErrNotTerminal
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=? AND shard_key=?`, id, s.shard)
	return err
}

func (s *sqliteStore) Update(ctx context.Context, id string, fn func(*domain.Task) error) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND shard_key=?`, id, s.shard))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	if err := fn(&t); err != nil {
		return t, err
	}
	if err := writeTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (s *sqliteStore) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *sqliteStore) DueBefore(ctx context.Context, now time.Time) ([]domain.Task, error) {
	return s.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE shard_key=? AND status='scheduled' AND execute_at <= ?
ORDER BY execute_at ASC, created_at ASC, id ASC`, s.shard, now.UnixNano())
}

func (s *sqliteStore) NextDeadline(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT MIN(execute_at) FROM tasks WHERE shard_key=? AND status='scheduled'`, s.shard).Scan(&next)
	if err != nil || !next.Valid {
		return time.Time{}, false, err
	}
	return fromNanos(next.Int64), true, nil
}

func (s *sqliteStore) List(ctx context.Context, f ListFilter) ([]domain.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}
	if f.Status != "" {
		return s.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks WHERE shard_key=? AND status=?
ORDER BY execute_at ASC, created_at ASC, id ASC LIMIT ?`, s.shard, string(f.Status), limit)
	}
	return s.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks WHERE shard_key=?
ORDER BY execute_at ASC, created_at ASC, id ASC LIMIT ?`, s.shard, limit)
}

func (s *sqliteStore) Count(ctx context.Context, f ListFilter) (int, error) {
	var n int
	var err error
	if f.Status != "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE shard_key=? AND status=?`, s.shard, string(f.Status)).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE shard_key=?`, s.shard).Scan(&n)
	}
	return n, err
}

func (s *sqliteStore) Unfinished(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks WHERE shard_key=? AND status IN ('dispatched','executing')
ORDER BY execute_at ASC, created_at ASC, id ASC`, s.shard)
}

func (s *sqliteStore) ArmedAt(ctx context.Context) (time.Time, bool, error) {
	var at sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT next_armed_at FROM shards WHERE shard_key=?`, s.shard).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil || !at.Valid {
		return time.Time{}, false, err
	}
	return fromNanos(at.Int64), true, nil
}

func (s *sqliteStore) SetArmedAt(ctx context.Context, at time.Time, armed bool) error {
	var v sql.NullInt64
	if armed {
		v = sql.NullInt64{Int64: at.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO shards (shard_key, next_armed_at) VALUES (?, ?)
ON CONFLICT(shard_key) DO UPDATE SET next_armed_at=excluded.next_armed_at`, s.shard, v)
	return err
}
