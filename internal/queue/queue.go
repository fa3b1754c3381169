// Package queue is the at-least-once channel between a shard marking a task
// due and a worker executing it.
package queue

import (
	"context"
	"errors"
	"time"

	"snipeflow/internal/domain"
)

// ErrLeaseLost is returned when a delivery is settled after its lease
// expired and the message was leased again.
var ErrLeaseLost = errors.New("delivery lease lost")

// Queue is a durable dispatch queue. Implementations are safe for concurrent
// producers and consumers.
type Queue interface {
	Enqueue(ctx context.Context, msg domain.DispatchMessage) error
	// Dequeue returns the next visible message, or nil when none is ready.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Recover returns in-flight messages to the ready set.
	Recover(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

type Stats struct {
	Ready    int
	InFlight int
	Delayed  int
	Dead     int
}

// Delivery is one leased message. Exactly one of Ack, Retry or DeadLetter
// should be called; a delivery that is never settled is redelivered.
type Delivery struct {
	Message domain.DispatchMessage

	ack   func(ctx context.Context) error
	retry func(ctx context.Context, delay time.Duration, reason string) error
	dead  func(ctx context.Context, reason string) error
}

func (d *Delivery) Ack(ctx context.Context) error { return d.ack(ctx) }

// Retry redelivers the message after delay with its attempt count bumped.
func (d *Delivery) Retry(ctx context.Context, delay time.Duration, reason string) error {
	return d.retry(ctx, delay, reason)
}

func (d *Delivery) DeadLetter(ctx context.Context, reason string) error {
	return d.dead(ctx, reason)
}

type Options struct {
	// Visibility is how long a leased message stays hidden before redelivery.
	Visibility time.Duration
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Visibility <= 0 {
		o.Visibility = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
