package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"snipeflow/internal/domain"
	"snipeflow/internal/metrics"
)

// errSkip aborts a store update without it being a failure.
var errSkip = errors.New("skip")

// schedule persists a new task and pulls the arm point forward if the task
// is sooner than the current one. A later task never pushes it back.
func (s *shard) schedule(ctx context.Context, t domain.Task) error {
	if err := s.store.Put(ctx, t); err != nil {
		return err
	}

	at, armed, err := s.store.ArmedAt(ctx)
	if err != nil {
		return fmt.Errorf("read wake pointer: %w", err)
	}
	if !armed || t.ExecuteAt.Before(at) {
		return s.arm(ctx, t.ExecuteAt, false)
	}
	return nil
}

func (s *shard) cancel(ctx context.Context, id string) (domain.CancelOutcome, error) {
	now := s.now()
	t, err := s.store.Update(ctx, id, func(t *domain.Task) error {
		switch t.Status {
		case domain.StatusScheduled:
			t.Status = domain.StatusCancelled
			t.Result = "cancelled"
			t.CompletedAt = &now
			return nil
		case domain.StatusCancelled:
			return errSkip
		default:
			return domain.ErrRaceLost
		}
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.OutcomeNotFound, nil
	case errors.Is(err, domain.ErrRaceLost):
		return domain.OutcomeAlreadyDispatched, nil
	case errors.Is(err, errSkip):
		return domain.OutcomeCancelled, nil
	case err != nil:
		return "", err
	}
	metrics.TasksCancelled.Inc()

	at, armed, err := s.store.ArmedAt(ctx)
	if err != nil {
		return domain.OutcomeCancelled, fmt.Errorf("read wake pointer: %w", err)
	}
	if armed && !t.ExecuteAt.After(at) {
		if err := s.rearm(ctx, false); err != nil {
			return domain.OutcomeCancelled, err
		}
	}
	return domain.OutcomeCancelled, nil
}

// onWake dispatches every due task and then rearms, whatever happened.
func (s *shard) onWake(ctx context.Context) {
	metrics.Wakes.Inc()
	now := s.now()

	failed := 0
	due, err := s.store.DueBefore(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("load due tasks")
		failed++
	}
	for _, t := range due {
		if err := s.dispatch(ctx, t, now); err != nil {
			failed++
			s.logger.Error().Err(err).Str("task_id", t.ID).Time("execute_at", t.ExecuteAt).Msg("dispatch failed, task stays scheduled")
		}
	}

	if err := s.rearm(ctx, failed > 0); err != nil {
		s.logger.Error().Err(err).Msg("rearm after wake")
	}
}

func (s *shard) dispatch(ctx context.Context, due domain.Task, now time.Time) error {
	id := due.ID
	t, err := s.store.Update(ctx, id, func(t *domain.Task) error {
		if t.Status != domain.StatusScheduled || t.ExecuteAt.After(now) {
			return errSkip
		}
		t.Status = domain.StatusDispatched
		t.DispatchedAt = &now
		return nil
	})
	if errors.Is(err, errSkip) || errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark %s dispatched: %w", id, err)
	}

	if err := s.enqueue(ctx, t); err != nil {
		metrics.EnqueueFailures.Inc()
		if _, rerr := s.store.Update(ctx, id, func(t *domain.Task) error {
			t.Status = domain.StatusScheduled
			t.DispatchedAt = nil
			return nil
		}); rerr != nil {
			return errors.Join(err, fmt.Errorf("revert %s: %w", id, rerr))
		}
		return err
	}

	metrics.TasksDispatched.Inc()
	metrics.DispatchLag.Observe(s.now().Sub(t.ExecuteAt).Seconds())
	s.logger.Info().Str("task_id", t.ID).Time("execute_at", t.ExecuteAt).Msg("task dispatched")
	return nil
}

// enqueue pushes a task's dispatch message, retrying inline.
func (s *shard) enqueue(ctx context.Context, t domain.Task) error {
	msg := domain.NewDispatchMessage(t)
	var err error
	for attempt := 0; ; attempt++ {
		if err = s.queue.Enqueue(ctx, msg); err == nil {
			return nil
		}
		if attempt >= s.cfg.EnqueueRetries {
			return &domain.EnqueueError{TaskID: t.ID, Err: err}
		}
		select {
		case <-ctx.Done():
			return &domain.EnqueueError{TaskID: t.ID, Err: ctx.Err()}
		case <-time.After(s.cfg.EnqueueRetryDelay):
		}
	}
}

// rearm points the alarm at the earliest scheduled task, or unarms.
func (s *shard) rearm(ctx context.Context, backoff bool) error {
	next, ok, err := s.store.NextDeadline(ctx)
	if err != nil {
		// keep a wake pending so the shard is retried
		s.alarm.Arm(s.now().Add(s.cfg.EnqueueRetryDelay))
		s.armed = true
		return fmt.Errorf("next deadline: %w", err)
	}
	if !ok {
		return s.disarm(ctx)
	}
	return s.arm(ctx, next, backoff)
}

// arm persists at as the logical arm point. With backoff set, a point that
// is already due fires the physical timer only after the retry delay.
func (s *shard) arm(ctx context.Context, at time.Time, backoff bool) error {
	if err := s.store.SetArmedAt(ctx, at, true); err != nil {
		return fmt.Errorf("persist wake pointer: %w", err)
	}
	fireAt := at
	if now := s.now(); backoff && !at.After(now) {
		fireAt = now.Add(s.cfg.EnqueueRetryDelay)
	}
	s.alarm.Arm(fireAt)
	s.armed = true
	s.logger.Debug().Time("next_armed_at", at).Time("fire_at", fireAt).Msg("shard armed")
	return nil
}

func (s *shard) disarm(ctx context.Context) error {
	s.alarm.Disarm()
	s.armed = false
	if err := s.store.SetArmedAt(ctx, time.Time{}, false); err != nil {
		return fmt.Errorf("clear wake pointer: %w", err)
	}
	s.logger.Debug().Msg("shard unarmed")
	return nil
}

// recover runs when the actor starts. Work that left scheduled but never
// finished is handed to the queue again, then the alarm is rebuilt from the
// store alone.
func (s *shard) recover(ctx context.Context) error {
	unfinished, err := s.store.Unfinished(ctx)
	if err != nil {
		return fmt.Errorf("load unfinished tasks: %w", err)
	}

	requeued := 0
	for _, t := range unfinished {
		id := t.ID
		if t.Status == domain.StatusExecuting {
			t, err = s.store.Update(ctx, id, func(t *domain.Task) error {
				t.Status = domain.StatusDispatched
				t.StartedAt = nil
				return nil
			})
			if err != nil {
				return fmt.Errorf("reset %s: %w", id, err)
			}
		}
		if err := s.enqueue(ctx, t); err != nil {
			s.logger.Error().Err(err).Str("task_id", id).Msg("requeue failed, task goes back to scheduled")
			if _, err := s.store.Update(ctx, id, func(t *domain.Task) error {
				t.Status = domain.StatusScheduled
				t.DispatchedAt = nil
				return nil
			}); err != nil {
				return fmt.Errorf("revert %s: %w", id, err)
			}
			continue
		}
		requeued++
	}
	if requeued > 0 {
		s.logger.Info().Int("requeued", requeued).Msg("requeued unfinished tasks")
	}

	return s.rearm(ctx, false)
}

// claim moves a dispatched task to executing and counts the attempt. An
// executing task whose attempt started more than ClaimTimeout ago was
// abandoned by its worker and is taken over. Deliveries for tasks in any
// other state are reported as not claimed.
func (s *shard) claim(ctx context.Context, id string) (domain.Task, bool, error) {
	now := s.now()
	takeover := false
	t, err := s.store.Update(ctx, id, func(t *domain.Task) error {
		switch t.Status {
		case domain.StatusDispatched:
		case domain.StatusExecuting:
			if !s.abandoned(*t, now) {
				return errSkip
			}
			takeover = true
		default:
			return errSkip
		}
		t.Status = domain.StatusExecuting
		t.AttemptCount++
		t.StartedAt = &now
		return nil
	})
	if errors.Is(err, errSkip) || errors.Is(err, domain.ErrNotFound) {
		return t, false, nil
	}
	if err != nil {
		return t, false, err
	}
	if takeover {
		s.logger.Warn().Str("task_id", id).Int("attempt", t.AttemptCount).Msg("took over abandoned attempt")
	}
	return t, true, nil
}

func (s *shard) abandoned(t domain.Task, now time.Time) bool {
	if s.cfg.ClaimTimeout <= 0 {
		return false
	}
	return t.StartedAt == nil || now.Sub(*t.StartedAt) >= s.cfg.ClaimTimeout
}

// settle applies an execution outcome to an executing task.
func (s *shard) settle(ctx context.Context, id string, status domain.Status, result string) (domain.Task, error) {
	now := s.now()
	return s.store.Update(ctx, id, func(t *domain.Task) error {
		if t.Status != domain.StatusExecuting {
			return fmt.Errorf("task %s is %s: %w", t.ID, t.Status, domain.ErrRaceLost)
		}
		t.Status = status
		t.Result = result
		if status.Terminal() {
			t.CompletedAt = &now
		} else {
			t.StartedAt = nil
		}
		return nil
	})
}
