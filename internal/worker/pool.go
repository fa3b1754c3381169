package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"snipeflow/internal/domain"
	"snipeflow/internal/log"
	"snipeflow/internal/metrics"
	"snipeflow/internal/queue"
)

// Handler performs the side effect of one task kind. It may be invoked more
// than once for the same task and must tolerate that.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) (string, error)
}

// Tracker owns task state. The pool claims a task before running it and
// reports the outcome afterwards.
type Tracker interface {
	Claim(ctx context.Context, msg domain.DispatchMessage) (domain.Task, bool, error)
	Complete(ctx context.Context, t domain.Task, result string) (domain.Task, error)
	Retry(ctx context.Context, t domain.Task, reason string) (domain.Task, error)
	Fail(ctx context.Context, t domain.Task, reason string) (domain.Task, error)
}

type Config struct {
	Size        int
	PollEvery   time.Duration
	ExecTimeout time.Duration
	Backoff     Backoff
}

type Pool struct {
	queue    queue.Queue
	tasks    Tracker
	handlers map[string]Handler
	cfg      Config
	sem      chan struct{}
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

func NewPool(q queue.Queue, tasks Tracker, handlers map[string]Handler, cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 8
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 250 * time.Millisecond
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	return &Pool{
		queue:    q,
		tasks:    tasks,
		handlers: handlers,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Size),
		stop:     make(chan struct{}),
		logger:   log.WithComponent("worker"),
	}
}

// Run polls the queue until ctx is done or Stop is called.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.cfg.PollEvery)
	defer t.Stop()

	p.logger.Info().Int("size", p.cfg.Size).Dur("poll", p.cfg.PollEvery).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			p.drain(ctx)
			p.reportDepth(ctx)
		}
	}
}

// Stop ends Run and waits for in-flight executions.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Pool) drain(ctx context.Context) {
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		// hold a slot before leasing so a lease never waits on a busy pool
		select {
		case p.sem <- struct{}{}:
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}

		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			<-p.sem
			p.logger.Error().Err(err).Msg("dequeue")
			return
		}
		if d == nil {
			<-p.sem
			return
		}

		p.wg.Add(1)
		go func(d *queue.Delivery) {
			defer func() { <-p.sem; p.wg.Done() }()
			if err := p.Process(ctx, d); err != nil {
				p.logger.Error().Err(err).Str("task_id", d.Message.TaskID).Msg("delivery not settled")
			}
		}(d)
	}
}

// Process handles one delivery: claim, execute, record the outcome, settle.
// A delivery is only acked or dead-lettered once the task's state no longer
// needs it; every other path hands it back to the queue.
func (p *Pool) Process(ctx context.Context, d *queue.Delivery) error {
	msg := d.Message
	logger := p.logger.With().Str("task_id", msg.TaskID).Str("shard_key", msg.ShardKey).Logger()

	t, claimed, err := p.tasks.Claim(ctx, msg)
	if err != nil {
		delay := p.cfg.Backoff.Next(msg.AttemptCount + 1)
		logger.Warn().Err(err).Dur("delay", delay).Msg("claim failed, delivery postponed")
		return d.Retry(ctx, delay, err.Error())
	}
	if !claimed && t.Status == domain.StatusExecuting {
		delay := p.cfg.Backoff.Next(msg.AttemptCount + 1)
		logger.Debug().Dur("delay", delay).Msg("task still executing, delivery postponed")
		return d.Retry(ctx, delay, "task still executing")
	}
	if !claimed {
		metrics.Executions.WithLabelValues(t.Kind, "skipped").Inc()
		logger.Debug().Str("status", string(t.Status)).Msg("delivery skipped")
		return d.Ack(ctx)
	}

	h, ok := p.handlers[t.Kind]
	if !ok {
		reason := fmt.Sprintf("no handler for kind %q", t.Kind)
		if _, err := p.tasks.Fail(ctx, t, reason); err != nil {
			return p.postpone(ctx, d, fmt.Errorf("record failure: %w", err))
		}
		metrics.Executions.WithLabelValues(t.Kind, "failed").Inc()
		logger.Error().Str("kind", t.Kind).Msg(reason)
		return d.DeadLetter(ctx, reason)
	}

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecTimeout)
	start := time.Now()
	result, err := h.Handle(execCtx, t.Payload)
	cancel()
	metrics.ExecutionDuration.WithLabelValues(t.Kind).Observe(time.Since(start).Seconds())

	if err == nil {
		if _, err := p.tasks.Complete(ctx, t, result); err != nil {
			return p.postpone(ctx, d, fmt.Errorf("record success: %w", err))
		}
		metrics.Executions.WithLabelValues(t.Kind, "succeeded").Inc()
		logger.Info().Int("attempt", t.AttemptCount).Str("result", result).Msg("task succeeded")
		return d.Ack(ctx)
	}

	execErr := &domain.ExecutionError{TaskID: t.ID, Attempt: t.AttemptCount, Err: err}
	if t.AttemptCount < t.MaxAttempts {
		delay := p.cfg.Backoff.Next(t.AttemptCount)
		if _, err := p.tasks.Retry(ctx, t, execErr.Error()); err != nil {
			return p.postpone(ctx, d, fmt.Errorf("record retry: %w", err))
		}
		metrics.Executions.WithLabelValues(t.Kind, "retried").Inc()
		logger.Warn().Err(err).Int("attempt", t.AttemptCount).Dur("delay", delay).Msg("task failed, will retry")
		return d.Retry(ctx, delay, execErr.Error())
	}

	if _, err := p.tasks.Fail(ctx, t, execErr.Error()); err != nil {
		return p.postpone(ctx, d, fmt.Errorf("record failure: %w", err))
	}
	metrics.Executions.WithLabelValues(t.Kind, "failed").Inc()
	logger.Error().Err(err).Int("attempt", t.AttemptCount).Msg("task failed permanently")
	return d.DeadLetter(ctx, execErr.Error())
}

// postpone hands a delivery back when the outcome could not be recorded. The
// redelivery finds the task executing and waits for the attempt to be taken
// over or settled.
func (p *Pool) postpone(ctx context.Context, d *queue.Delivery, cause error) error {
	delay := p.cfg.Backoff.Next(d.Message.AttemptCount + 1)
	if err := d.Retry(ctx, delay, cause.Error()); err != nil {
		return errors.Join(cause, fmt.Errorf("postpone delivery: %w", err))
	}
	return cause
}

func (p *Pool) reportDepth(ctx context.Context) {
	s, err := p.queue.Stats(ctx)
	if err != nil {
		p.logger.Debug().Err(err).Msg("queue stats")
		return
	}
	metrics.QueueDepth.WithLabelValues("ready").Set(float64(s.Ready))
	metrics.QueueDepth.WithLabelValues("in_flight").Set(float64(s.InFlight))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(s.Delayed))
	metrics.QueueDepth.WithLabelValues("dead").Set(float64(s.Dead))
}
