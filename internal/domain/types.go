package domain

import (
	"encoding/json"
	"math"
	"time"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusDispatched Status = "dispatched"
	StatusExecuting  Status = "executing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusDispatched, StatusExecuting, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

const (
	DefaultKind        = "bid"
	DefaultMaxAttempts = 5
	DefaultLeadTime    = 5 * time.Second
)

// Stores keep instants as int64 unix nanoseconds.
var (
	minStorable = time.Unix(0, math.MinInt64)
	maxStorable = time.Unix(0, math.MaxInt64)
)

func storable(t time.Time) bool {
	return !t.Before(minStorable) && !t.After(maxStorable)
}

type Task struct {
	ID           string          `json:"id"`
	ShardKey     string          `json:"shard_key"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	TargetTime   time.Time       `json:"target_time"`
	LeadTime     time.Duration   `json:"lead_time"`
	ExecuteAt    time.Time       `json:"execute_at"`
	Status       Status          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	Result       string          `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
	// StartedAt is when the current execution attempt was claimed.
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks a task about to be inserted. The insertion time is CreatedAt.
func (t Task) Validate() error {
	if t.ShardKey == "" {
		return &ValidationError{Field: "shard_key", Reason: "is required"}
	}
	if t.TargetTime.IsZero() {
		return &ValidationError{Field: "target_time", Reason: "is required"}
	}
	if !storable(t.TargetTime) {
		return &ValidationError{Field: "target_time", Reason: "must be between years 1678 and 2262"}
	}
	if t.LeadTime <= 0 {
		return &ValidationError{Field: "lead_time", Reason: "must be positive"}
	}
	if !t.ExecuteAt.Equal(t.TargetTime.Add(-t.LeadTime)) {
		return &ValidationError{Field: "execute_at", Reason: "must equal target_time - lead_time"}
	}
	if !storable(t.ExecuteAt) {
		return &ValidationError{Field: "execute_at", Reason: "must be between years 1678 and 2262"}
	}
	if t.CreatedAt.IsZero() {
		return &ValidationError{Field: "created_at", Reason: "is required"}
	}
	if !storable(t.CreatedAt) {
		return &ValidationError{Field: "created_at", Reason: "must be between years 1678 and 2262"}
	}
	if !t.ExecuteAt.After(t.CreatedAt) {
		return &ValidationError{Field: "execute_at", Reason: "must be in the future"}
	}
	if !t.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(t.Status)}
	}
	return nil
}

// Less orders tasks by execute_at, then created_at, then id.
func Less(a, b Task) bool {
	if !a.ExecuteAt.Equal(b.ExecuteAt) {
		return a.ExecuteAt.Before(b.ExecuteAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// DispatchMessage is what the dispatch queue carries to the executor side.
type DispatchMessage struct {
	TaskID       string          `json:"task_id"`
	ShardKey     string          `json:"shard_key"`
	Payload      json.RawMessage `json:"payload"`
	AttemptCount int             `json:"attempt_count"`
	ExecuteAt    time.Time       `json:"execute_at"`
}

func NewDispatchMessage(t Task) DispatchMessage {
	return DispatchMessage{
		TaskID:       t.ID,
		ShardKey:     t.ShardKey,
		Payload:      t.Payload,
		AttemptCount: t.AttemptCount,
		ExecuteAt:    t.ExecuteAt,
	}
}

type CancelOutcome string

const (
	OutcomeCancelled         CancelOutcome = "cancelled"
	OutcomeAlreadyDispatched CancelOutcome = "already_dispatched"
	OutcomeNotFound          CancelOutcome = "not_found"
)
