package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"snipeflow/internal/domain"
)

var (
	// Bucket names
	bucketTasks      = []byte("tasks")
	bucketShards     = []byte("shards")
	bucketDueIndex   = []byte("due_index")
	bucketShardTasks = []byte("shard_tasks")
)

// BoltBackend implements Backend using bbolt. The due_index bucket keeps
// scheduled tasks sorted by (shard, execute_at, created_at, id) so the
// earliest deadline of a shard is the first key under its prefix.
type BoltBackend struct {
	db *bolt.DB
}

type shardRecord struct {
	NextArmedAt *time.Time `json:"next_armed_at,omitempty"`
}

// NewBoltBackend opens (or creates) the database file at path.
func NewBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketShards, bucketDueIndex, bucketShardTasks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

func (b *BoltBackend) Shard(key string) Store {
	return &boltStore{db: b.db, shard: key}
}

func (b *BoltBackend) ShardKeys(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	err := b.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t domain.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if !t.Status.Terminal() {
				seen[t.ShardKey] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketShards).ForEach(func(k, v []byte) error {
			var rec shardRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.NextArmedAt != nil {
				seen[string(k)] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *BoltBackend) Locate(ctx context.Context, id string) (string, error) {
	var key string
	err := b.db.View(func(tx *bolt.Tx) error {
		t, err := loadTask(tx, id)
		if err != nil {
			return err
		}
		key = t.ShardKey
		return nil
	})
	return key, err
}

func (b *BoltBackend) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := b.db.Update(func(tx *bolt.Tx) error {
		var victims []domain.Task
		err := tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t domain.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(before) {
				victims = append(victims, t)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, t := range victims {
			if err := tx.Bucket(bucketTasks).Delete([]byte(t.ID)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketShardTasks).Delete(shardTaskKey(t.ShardKey, t.ID)); err != nil {
				return err
			}
		}
		n = len(victims)
		return nil
	})
	return n, err
}

type boltStore struct {
	db    *bolt.DB
	shard string
}

func shardPrefix(shard string) []byte {
	return append([]byte(shard), 0)
}

func shardTaskKey(shard, id string) []byte {
	return append(shardPrefix(shard), id...)
}

// orderedNanos maps signed nanoseconds onto big-endian bytes that sort the same way.
func orderedNanos(t time.Time) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixNano())^(1<<63))
	return buf[:]
}

func dueKey(t domain.Task) []byte {
	k := shardPrefix(t.ShardKey)
	k = append(k, orderedNanos(t.ExecuteAt)...)
	k = append(k, orderedNanos(t.CreatedAt)...)
	return append(k, t.ID...)
}

func loadTask(tx *bolt.Tx, id string) (domain.Task, error) {
	data := tx.Bucket(bucketTasks).Get([]byte(id))
	if data == nil {
		return domain.Task{}, domain.ErrNotFound
	}
	var t domain.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// saveTask writes t and keeps the indexes in step with the previous version.
func saveTask(tx *bolt.Tx, prev *domain.Task, t domain.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	due := tx.Bucket(bucketDueIndex)
	if prev != nil && prev.Status == domain.StatusScheduled {
		if err := due.Delete(dueKey(*prev)); err != nil {
			return err
		}
	}
	if t.Status == domain.StatusScheduled {
		if err := due.Put(dueKey(t), []byte(t.ID)); err != nil {
			return err
		}
	}
	if err := tx.Bucket(bucketShardTasks).Put(shardTaskKey(t.ShardKey, t.ID), []byte{}); err != nil {
		return err
	}
	return tx.Bucket(bucketTasks).Put([]byte(t.ID), data)
}

func (s *boltStore) Put(ctx context.Context, t domain.Task) error {
	if t.ShardKey == "" {
		t.ShardKey = s.shard
	}
	if t.ShardKey != s.shard {
		return &domain.ValidationError{Field: "shard_key", Reason: "does not belong to shard " + s.shard}
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		prev, err := loadTask(tx, t.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if err := checkInsert(t); err != nil {
				return err
			}
			return saveTask(tx, nil, t)
		case err != nil:
			return err
		case prev.ShardKey != s.shard:
			return &domain.ValidationError{Field: "id", Reason: "already used in shard " + prev.ShardKey}
		}
		return saveTask(tx, &prev, t)
	})
}

func (s *boltStore) Get(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = s.load(tx, id)
		return err
	})
	return t, err
}

func (s *boltStore) load(tx *bolt.Tx, id string) (domain.Task, error) {
	t, err := loadTask(tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.ShardKey != s.shard {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *boltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		t, err := s.load(tx, id)
		if err != nil {
			return err
		}
		if !t.Status.Terminal() {
			return domain.ErrNotTerminal
		}
		if err := tx.Bucket(bucketShardTasks).Delete(shardTaskKey(s.shard, id)); err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

func (s *boltStore) Update(ctx context.Context, id string, fn func(*domain.Task) error) (domain.Task, error) {
	var out domain.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		prev, err := s.load(tx, id)
		if err != nil {
			return err
		}
		next := prev
		if err := fn(&next); err != nil {
			out = next
			return err
		}
		out = next
		return saveTask(tx, &prev, next)
	})
	return out, err
}

func (s *boltStore) DueBefore(ctx context.Context, now time.Time) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := shardPrefix(s.shard)
		limit := append(append([]byte{}, prefix...), orderedNanos(now)...)
		c := tx.Bucket(bucketDueIndex).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if bytes.Compare(k[:len(limit)], limit) > 0 {
				break
			}
			t, err := loadTask(tx, string(v))
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	return tasks, err
}

func (s *boltStore) NextDeadline(ctx context.Context) (time.Time, bool, error) {
	var (
		next  time.Time
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := shardPrefix(s.shard)
		k, v := tx.Bucket(bucketDueIndex).Cursor().Seek(prefix)
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}
		t, err := loadTask(tx, string(v))
		if err != nil {
			return err
		}
		next, found = t.ExecuteAt, true
		return nil
	})
	return next, found, err
}

func (s *boltStore) scan(filter func(domain.Task) bool) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := shardPrefix(s.shard)
		c := tx.Bucket(bucketShardTasks).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			t, err := loadTask(tx, string(k[len(prefix):]))
			if err != nil {
				return err
			}
			if filter(t) {
				tasks = append(tasks, t)
			}
		}
		return nil
	})
	sort.Slice(tasks, func(i, j int) bool { return domain.Less(tasks[i], tasks[j]) })
	return tasks, err
}

func (s *boltStore) List(ctx context.Context, f ListFilter) ([]domain.Task, error) {
	tasks, err := s.scan(func(t domain.Task) bool {
		return f.Status == "" || t.Status == f.Status
	})
	if err != nil {
		return nil, err
	}
	if f.Limit > 0 && len(tasks) > f.Limit {
		tasks = tasks[:f.Limit]
	}
	return tasks, nil
}

func (s *boltStore) Count(ctx context.Context, f ListFilter) (int, error) {
	tasks, err := s.scan(func(t domain.Task) bool {
		return f.Status == "" || t.Status == f.Status
	})
	return len(tasks), err
}

func (s *boltStore) Unfinished(ctx context.Context) ([]domain.Task, error) {
	return s.scan(func(t domain.Task) bool {
		return t.Status == domain.StatusDispatched || t.Status == domain.StatusExecuting
	})
}

func (s *boltStore) ArmedAt(ctx context.Context) (time.Time, bool, error) {
	var rec shardRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketShards).Get([]byte(s.shard))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil || rec.NextArmedAt == nil {
		return time.Time{}, false, err
	}
	return *rec.NextArmedAt, true, nil
}

func (s *boltStore) SetArmedAt(ctx context.Context, at time.Time, armed bool) error {
	var rec shardRecord
	if armed {
		rec.NextArmedAt = &at
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShards).Put([]byte(s.shard), data)
	})
}
