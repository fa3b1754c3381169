// Package store holds the durable per-shard task records and the shard wake
// pointer. Writes for a shard are expected to come from that shard's actor
// only; the backends still wrap every read-modify-write in a transaction.
package store

import (
	"context"
	"time"

	"snipeflow/internal/domain"
)

// Store is the task storage of a single shard.
type Store interface {
	// Put inserts or replaces a task. New records are validated against
	// their creation time.
	Put(ctx context.Context, t domain.Task) error
	Get(ctx context.Context, id string) (domain.Task, error)
	// Delete removes a terminal task.
	Delete(ctx context.Context, id string) error
	// Update applies fn to the stored task inside one transaction and
	// persists the result unless fn returns an error.
	Update(ctx context.Context, id string, fn func(*domain.Task) error) (domain.Task, error)

	// DueBefore returns scheduled tasks with execute_at <= now in
	// (execute_at, created_at, id) order.
	DueBefore(ctx context.Context, now time.Time) ([]domain.Task, error)
	// NextDeadline returns the smallest execute_at among scheduled tasks.
	NextDeadline(ctx context.Context) (time.Time, bool, error)
	List(ctx context.Context, f ListFilter) ([]domain.Task, error)
	// Count reports how many tasks match f, ignoring its limit.
	Count(ctx context.Context, f ListFilter) (int, error)
	// Unfinished returns tasks that left scheduled but never reached a terminal state.
	Unfinished(ctx context.Context) ([]domain.Task, error)

	ArmedAt(ctx context.Context) (time.Time, bool, error)
	SetArmedAt(ctx context.Context, at time.Time, armed bool) error
}

// Backend owns every shard's storage.
type Backend interface {
	Shard(key string) Store
	// ShardKeys lists shards with live tasks or an armed wake pointer.
	ShardKeys(ctx context.Context) ([]string, error)
	// Locate returns the shard key owning a task id.
	Locate(ctx context.Context, id string) (string, error)
	// PurgeTerminal deletes terminal tasks completed before the cutoff.
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
	Close() error
}

type ListFilter struct {
	Status domain.Status
	Limit  int
}

func checkInsert(t domain.Task) error {
	if t.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "is required"}
	}
	return t.Validate()
}
