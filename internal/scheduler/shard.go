package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"snipeflow/internal/metrics"
	"snipeflow/internal/store"
)

var ErrStopped = errors.New("scheduler stopped")

// errRetired is returned to callers that reached an actor after it retired.
var errRetired = errors.New("shard retired")

// shard is the actor owning one shard key. Every mutation of the shard's
// tasks and wake pointer runs on its goroutine.
type shard struct {
	key     string
	store   store.Store
	alarm   Alarm
	queue   Enqueuer
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
	mailbox chan func()
	wake    chan struct{}
	quit    <-chan struct{}
	done    chan struct{}
	// retire asks the router to forget this actor. It reports false when
	// work is already waiting.
	retire func(*shard) bool
	armed  bool
}

// signal posts a wake. Pending wakes coalesce into one.
func (s *shard) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *shard) run(ctx context.Context) {
	defer close(s.done)
	metrics.ActiveShards.Inc()
	defer metrics.ActiveShards.Dec()

	if err := s.recover(ctx); err != nil {
		s.logger.Error().Err(err).Msg("shard recovery failed")
	}

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-s.quit:
			return
		case op := <-s.mailbox:
			op()
		case <-s.wake:
			s.onWake(ctx)
		case <-idle.C:
			if !s.armed && s.retire(s) {
				s.alarm.Disarm()
				s.logger.Debug().Msg("idle shard retired")
				return
			}
		}
		idle.Reset(s.cfg.IdleTimeout)
	}
}

// do runs fn on the shard goroutine and waits for its result.
func (s *shard) do(ctx context.Context, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	op := func() { result <- fn(ctx) }

	select {
	case s.mailbox <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrStopped
	case <-s.done:
		return errRetired
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrStopped
	case <-s.done:
		// the op may have run just before the actor exited
		select {
		case err := <-result:
			return err
		default:
			return errRetired
		}
	}
}
