package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snipeflow/internal/domain"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupBackends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	db, err := OpenSQLite(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(db))

	bolt, err := NewBoltBackend(filepath.Join(dir, "tasks.bolt"))
	require.NoError(t, err)

	backends := map[string]Backend{
		"sqlite": NewSQLiteBackend(db),
		"bolt":   bolt,
	}
	t.Cleanup(func() {
		for _, b := range backends {
			b.Close()
		}
	})
	return backends
}

func newTask(id, shard string, executeIn time.Duration, created time.Time) domain.Task {
	target := base.Add(executeIn + 10*time.Second)
	return domain.Task{
		ID:          id,
		ShardKey:    shard,
		Kind:        domain.DefaultKind,
		Payload:     json.RawMessage(`{"max_bid":10}`),
		TargetTime:  target,
		LeadTime:    10 * time.Second,
		ExecuteAt:   target.Add(-10 * time.Second),
		Status:      domain.StatusScheduled,
		MaxAttempts: 3,
		CreatedAt:   created,
	}
}

func ids(tasks []domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	for name, b := range setupBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := b.Shard("auction-1")

			task := newTask("tsk_1", "auction-1", time.Minute, base)
			require.NoError(t, s.Put(ctx, task))

			got, err := s.Get(ctx, "tsk_1")
			require.NoError(t, err)
			assert.Equal(t, task.ID, got.ID)
			assert.Equal(t, task.ShardKey, got.ShardKey)
			assert.JSONEq(t, string(task.Payload), string(got.Payload))
			assert.True(t, task.ExecuteAt.Equal(got.ExecuteAt))
			assert.True(t, task.TargetTime.Equal(got.TargetTime))
			assert.Equal(t, task.LeadTime, got.LeadTime)
			assert.Equal(t, domain.StatusScheduled, got.Status)
			assert.Nil(t, got.DispatchedAt)

			shard, err := b.Locate(ctx, "tsk_1")
			require.NoError(t, err)
			assert.Equal(t, "auction-1", shard)
		})
	}
}

func TestStore_PutValidation(t *testing.T) {
	for name, b := range setupBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := b.Shard("auction-1")

			past := newTask("tsk_past", "auction-1", time.Minute, base)
			past.CreatedAt = past.ExecuteAt
			assert.True(t, domain.IsValidation(s.Put(ctx, past)))

			negative := newTask("tsk_neg", "auction-1", time.Minute, base)
			negative.LeadTime = -time.Second
			negative.ExecuteAt = negative.TargetTime.Add(time.Second)
			assert.True(t, domain.IsValidation(s.Put(ctx, negative)))

			noTarget := newTask("tsk_zero", "auction-1", time.Minute, base)
			noTarget.TargetTime = time.Time{}
			assert.True(t, domain.IsValidation(s.Put(ctx, noTarget)))

			wrongShard := newTask("tsk_other", "auction-2", time.Minute, base)
			assert.True(t, domain.IsValidation(s.Put(ctx, wrongShard)))

			_, err := s.Get(ctx, "tsk_past")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestStore_ReplaceSkipsInsertValidation(t *testing.T) {
	for name, b := range setupBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := b.Shard("auction-1")

			task := newTask("tsk_1", "auction-1", time.Minute, base)
			require.NoError(t, s.Put(ctx, task))

			// A replace long after the deadline is a state write, not an insertion.
			task.Status = domain.StatusSucceeded
			done := task.ExecuteAt.Add(time.Hour)
			task.CompletedAt = &done
			require.NoError(t, s.Put(ctx, task))

			got, err := s.Get(ctx, "tsk_1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusSucceeded, got.Status)
		})
	}
}

func TestStore_DueBeforeOrdering(t *testing.T) {
	for name, b := range setupBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := b.Shard("auction-1")

			require.NoError(t, s.Put(ctx, newTask("tsk_c", "auction-1", 30*time.Second, base)))
			require.NoError(t, s.Put(ctx, newTask("tsk_b", "auction-1", 30*time.Second, base)))
			require.NoError(t, s.Put(ctx, newTask("tsk_a", "auction-1", 30*time.Second, base.Add(time.Millisecond))))
			require.NoError(t, s.Put(ctx, newTask("tsk_first", "auction-1", 10*time.Second, base)))
			require.NoError(t, s.Put(ctx, newTask("tsk_late", "auction-1", time.Hour, base)))
			require.NoError(t, b.Shard("auction-2").Put(ctx, newTask("tsk_other", "auction-2", time.Second, base)))

			due, err := s.DueBefore(ctx, base.Add(30*time.Second))
			require.NoError(t, err)
			assert.Equal(t, []string{"tsk_first", "tsk_b", "tsk_c", "tsk_a"}, ids(due))

			none, err := s.DueBefore(ctx, base.Add(5*time.Second))
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_DueBeforeSkipsNonScheduled(t *testing.T) {
	for name, b := range setupBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := b.Shard("auction-1")

			require.NoError(t, s.Put(ctx, newTask("tsk_1", "auction-1", 10*time.Second, base)))
			require.NoError(t, s.Put(ctx, newTask("tsk_2", "auction-1", 20*time.Second, base)))

			_, err := s.Update(ctx, "tsk_1", func(t *domain.Task) error {
				t.Status = domain.StatusCancelled
				return nil
			})
			require.NoError(t, err)

			due, err := s.DueBefore(ctx, base.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, []string{"tsk_2"}, ids(due))

			next, ok, err := s.NextDeadline(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, next.Equal(base.Add(20*time.Second)))
		})
	}
}

func TestStore_NextDeadlineEmpty(t *testing.T) {
	for name, b := range setupBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := b.Shard("empty").NextDeadline(context.Background())
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_DeleteRequiresTerminal(t *testing.T) {
	for name, b := range setupBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := b.Shard("auction-1")

			require.NoError(t, s.Put(ctx, newTask("tsk_1", "auction-1", time.Minute, base)))
			assert.ErrorIs(t, s.Delete(ctx, "tsk_1"), domain.ErrNotTerminal)

			_, err := s.Update(ctx, "tsk_1", func(t *domain.Task) error {
				t.Status = domain.StatusCancelled
				return nil
			})
			require.NoError(t, err)
			require.NoError(t, s.Delete(ctx, "tsk_1"))

			_, err = s.Get(ctx, "tsk_1")
			assert.ErrorIs(t, err, domain.ErrNotFound)
			assert.ErrorIs(t, s.Delete(ctx, "tsk_1"), domain.ErrNotFound)
		})
	}
}

func TestStore_UpdateAbortLeavesRecord(t *testing.T) {
	for name, b := range setupBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := b.Shard("auction-1")
			require.NoError(t, s.Put(ctx, newTask("tsk_1", "auction-1", time.Minute, base)))

			_, err := s.Update(ctx, "tsk_1", func(t *domain.Task) error {
				t.Status = domain.StatusDispatched
				return domain.ErrRaceLost
			})
			assert.ErrorIs(t, err, domain.ErrRaceLost)

			got, err := s.Get(ctx, "tsk_1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusScheduled, got.Status)

			_, err = s.Update(ctx, "missing", func(*domain.Task) error { return nil })
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestStore_ArmedAtPointer(t *testing.T) {
	for name, b := range setupBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := b.Shard("auction-1")

			_, armed, err := s.ArmedAt(ctx)
			require.NoError(t, err)
			assert.False(t, armed)

			at := base.Add(90 * time.Second)
			require.NoError(t, s.SetArmedAt(ctx, at, true))
			got, armed, err := s.ArmedAt(ctx)
			require.NoError(t, err)
			assert.True(t, armed)
			assert.True(t, at.Equal(got))

			keys, err := b.ShardKeys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"auction-1"}, keys)

			require.NoError(t, s.SetArmedAt(ctx, time.Time{}, false))
			_, armed, err = s.ArmedAt(ctx)
			require.NoError(t, err)
			assert.False(t, armed)
		})
	}
}

func TestStore_ListAndUnfinished(t *testing.T) {
	for name, b := range setupBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := b.Shard("auction-1")

			require.NoError(t, s.Put(ctx, newTask("tsk_1", "auction-1", 10*time.Second, base)))
			require.NoError(t, s.Put(ctx, newTask("tsk_2", "auction-1", 20*time.Second, base)))
			require.NoError(t, s.Put(ctx, newTask("tsk_3", "auction-1", 30*time.Second, base)))

			started := base.Add(15 * time.Second)
			_, err := s.Update(ctx, "tsk_2", func(t *domain.Task) error {
				t.Status = domain.StatusExecuting
				t.StartedAt = &started
				return nil
			})
			require.NoError(t, err)

			got, err := s.Get(ctx, "tsk_2")
			require.NoError(t, err)
			require.NotNil(t, got.StartedAt)
			assert.True(t, got.StartedAt.Equal(started))

			all, err := s.List(ctx, ListFilter{})
			require.NoError(t, err)
			assert.Equal(t, []string{"tsk_1", "tsk_2", "tsk_3"}, ids(all))

			limited, err := s.List(ctx, ListFilter{Status: domain.StatusScheduled, Limit: 1})
			require.NoError(t, err)
			assert.Equal(t, []string{"tsk_1"}, ids(limited))

			unfinished, err := s.Unfinished(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"tsk_2"}, ids(unfinished))

			n, err := s.Count(ctx, ListFilter{Status: domain.StatusScheduled, Limit: 1})
			require.NoError(t, err)
			assert.Equal(t, 2, n, "count ignores the limit")
			n, err = s.Count(ctx, ListFilter{})
			require.NoError(t, err)
			assert.Equal(t, 3, n)
			n, err = b.Shard("auction-other").Count(ctx, ListFilter{})
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestBackend_PurgeTerminal(t *testing.T) {
	for name, b := range setupBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := b.Shard("auction-1")

			require.NoError(t, s.Put(ctx, newTask("tsk_old", "auction-1", 10*time.Second, base)))
			require.NoError(t, s.Put(ctx, newTask("tsk_new", "auction-1", 10*time.Second, base)))
			require.NoError(t, s.Put(ctx, newTask("tsk_live", "auction-1", 10*time.Second, base)))

			complete := func(id string, at time.Time) {
				_, err := s.Update(ctx, id, func(t *domain.Task) error {
					t.Status = domain.StatusSucceeded
					t.CompletedAt = &at
					return nil
				})
				require.NoError(t, err)
			}
			complete("tsk_old", base.Add(time.Hour))
			complete("tsk_new", base.Add(3*time.Hour))

			n, err := b.PurgeTerminal(ctx, base.Add(2*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			rest, err := s.List(ctx, ListFilter{})
			require.NoError(t, err)
			assert.Equal(t, []string{"tsk_live", "tsk_new"}, ids(rest))
		})
	}
}
