package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"snipeflow/internal/domain"
	"snipeflow/internal/log"
	"snipeflow/internal/metrics"
	"snipeflow/internal/store"
)

// Enqueuer is the producer side of the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg domain.DispatchMessage) error
}

type Config struct {
	// EnqueueRetries is how many times a failed enqueue is retried inline.
	EnqueueRetries    int
	EnqueueRetryDelay time.Duration
	// MaxLeadTime caps lead_time when positive.
	MaxLeadTime        time.Duration
	DefaultMaxAttempts int
	MailboxSize        int
	// ClaimTimeout is how long an attempt may stay executing before another
	// delivery may take it over. Negative disables takeover.
	ClaimTimeout time.Duration
	// IdleTimeout retires an unarmed shard actor with no traffic.
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.EnqueueRetries < 0 {
		c.EnqueueRetries = 0
	}
	if c.EnqueueRetryDelay <= 0 {
		c.EnqueueRetryDelay = 500 * time.Millisecond
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = domain.DefaultMaxAttempts
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
	if c.ClaimTimeout == 0 {
		c.ClaimTimeout = time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	return c
}

type Option func(*Service)

// WithClock replaces time.Now as the scheduler's notion of now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithAlarmFactory(f AlarmFactory) Option {
	return func(s *Service) { s.newAlarm = f }
}

// Service routes every operation to the actor of the task's shard, starting
// actors on first use.
type Service struct {
	backend  store.Backend
	queue    Enqueuer
	cfg      Config
	now      func() time.Time
	newAlarm AlarmFactory
	logger   zerolog.Logger

	mu     sync.Mutex
	shards map[string]*shard
	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewService(backend store.Backend, q Enqueuer, cfg Config, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		backend:  backend,
		queue:    q,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		newAlarm: NewTimerAlarm,
		logger:   log.WithComponent("scheduler"),
		shards:   make(map[string]*shard),
		ctx:      ctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// shard returns the actor for key, starting it if needed.
func (s *Service) shard(key string) (*shard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stop:
		return nil, ErrStopped
	default:
	}

	if sh, ok := s.shards[key]; ok {
		return sh, nil
	}
	sh := &shard{
		key:     key,
		store:   s.backend.Shard(key),
		queue:   s.queue,
		cfg:     s.cfg,
		now:     s.now,
		logger:  log.WithShard("scheduler", key),
		mailbox: make(chan func(), s.cfg.MailboxSize),
		wake:    make(chan struct{}, 1),
		quit:    s.stop,
		done:    make(chan struct{}),
		retire:  s.retire,
	}
	sh.alarm = s.newAlarm(key, sh.signal)
	s.shards[key] = sh

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sh.run(s.ctx)
	}()
	return sh, nil
}

func (s *Service) retire(sh *shard) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(sh.mailbox) > 0 || s.shards[sh.key] != sh {
		return false
	}
	delete(s.shards, sh.key)
	return true
}

// do runs fn on the actor for key. A call that races with the actor
// retiring is replayed on a fresh one.
func (s *Service) do(ctx context.Context, key string, fn func(context.Context, *shard) error) error {
	for {
		sh, err := s.shard(key)
		if err != nil {
			return err
		}
		err = sh.do(ctx, func(ctx context.Context) error { return fn(ctx, sh) })
		if !errors.Is(err, errRetired) {
			return err
		}
	}
}

func (s *Service) activeShards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shards)
}

type ScheduleRequest struct {
	ShardKey    string
	Kind        string
	Payload     json.RawMessage
	TargetTime  time.Time
	LeadTime    time.Duration
	MaxAttempts int
}

// Schedule registers a task to run at TargetTime - LeadTime.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (domain.Task, error) {
	if req.ShardKey == "" {
		return domain.Task{}, &domain.ValidationError{Field: "shard_key", Reason: "is required"}
	}
	if s.cfg.MaxLeadTime > 0 && req.LeadTime > s.cfg.MaxLeadTime {
		return domain.Task{}, &domain.ValidationError{Field: "lead_time", Reason: fmt.Sprintf("must not exceed %s", s.cfg.MaxLeadTime)}
	}

	t := domain.Task{
		ID:          "tsk_" + uuid.NewString(),
		ShardKey:    req.ShardKey,
		Kind:        req.Kind,
		Payload:     req.Payload,
		TargetTime:  req.TargetTime,
		LeadTime:    req.LeadTime,
		ExecuteAt:   req.TargetTime.Add(-req.LeadTime),
		Status:      domain.StatusScheduled,
		MaxAttempts: req.MaxAttempts,
		CreatedAt:   s.now(),
	}
	if t.Kind == "" {
		t.Kind = domain.DefaultKind
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = s.cfg.DefaultMaxAttempts
	}
	if len(t.Payload) == 0 {
		t.Payload = json.RawMessage(`{}`)
	}
	if err := t.Validate(); err != nil {
		return domain.Task{}, err
	}

	if err := s.do(ctx, t.ShardKey, func(ctx context.Context, sh *shard) error {
		return sh.schedule(ctx, t)
	}); err != nil {
		return domain.Task{}, err
	}

	metrics.TasksScheduled.WithLabelValues(t.Kind).Inc()
	s.logger.Info().
		Str("task_id", t.ID).
		Str("shard_key", t.ShardKey).
		Str("kind", t.Kind).
		Time("execute_at", t.ExecuteAt).
		Msg("task scheduled")
	return t, nil
}

// Cancel cancels a task that has not been dispatched yet.
func (s *Service) Cancel(ctx context.Context, id string) (domain.CancelOutcome, error) {
	key, err := s.backend.Locate(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.OutcomeNotFound, nil
	}
	if err != nil {
		return "", err
	}

	var outcome domain.CancelOutcome
	err = s.do(ctx, key, func(ctx context.Context, sh *shard) error {
		var err error
		outcome, err = sh.cancel(ctx, id)
		return err
	})
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("task_id", id).Str("shard_key", key).Str("outcome", string(outcome)).Msg("cancel requested")
	return outcome, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Task, error) {
	key, err := s.backend.Locate(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	return s.backend.Shard(key).Get(ctx, id)
}

func (s *Service) List(ctx context.Context, shardKey string, f store.ListFilter) ([]domain.Task, error) {
	return s.backend.Shard(shardKey).List(ctx, f)
}

// Count reports how many of the shard's tasks match f, ignoring its limit.
func (s *Service) Count(ctx context.Context, shardKey string, f store.ListFilter) (int, error) {
	return s.backend.Shard(shardKey).Count(ctx, f)
}

// ArmedAt reports the shard's persisted wake pointer.
func (s *Service) ArmedAt(ctx context.Context, shardKey string) (time.Time, bool, error) {
	return s.backend.Shard(shardKey).ArmedAt(ctx)
}

// Wake runs a wake cycle for the shard synchronously.
func (s *Service) Wake(ctx context.Context, shardKey string) error {
	return s.do(ctx, shardKey, func(ctx context.Context, sh *shard) error {
		sh.onWake(ctx)
		return nil
	})
}

// Claim marks the delivered task executing. It reports false when the
// executor must not run; the returned task carries the state that decided it.
func (s *Service) Claim(ctx context.Context, msg domain.DispatchMessage) (domain.Task, bool, error) {
	var (
		t       domain.Task
		claimed bool
	)
	err := s.do(ctx, msg.ShardKey, func(ctx context.Context, sh *shard) error {
		var err error
		t, claimed, err = sh.claim(ctx, msg.TaskID)
		return err
	})
	return t, claimed, err
}

// Complete records a successful execution.
func (s *Service) Complete(ctx context.Context, t domain.Task, result string) (domain.Task, error) {
	return s.settle(ctx, t, domain.StatusSucceeded, result)
}

// Retry hands an executing task back to dispatched ahead of a redelivery.
func (s *Service) Retry(ctx context.Context, t domain.Task, reason string) (domain.Task, error) {
	return s.settle(ctx, t, domain.StatusDispatched, reason)
}

// Fail records a permanent failure.
func (s *Service) Fail(ctx context.Context, t domain.Task, reason string) (domain.Task, error) {
	return s.settle(ctx, t, domain.StatusFailed, reason)
}

func (s *Service) settle(ctx context.Context, t domain.Task, status domain.Status, result string) (domain.Task, error) {
	var out domain.Task
	err := s.do(ctx, t.ShardKey, func(ctx context.Context, sh *shard) error {
		var err error
		out, err = sh.settle(ctx, t.ID, status, result)
		return err
	})
	return out, err
}

// Recover starts an actor for every shard holding durable work and waits
// for each to finish its startup recovery.
func (s *Service) Recover(ctx context.Context) error {
	keys, err := s.backend.ShardKeys(ctx)
	if err != nil {
		return fmt.Errorf("list shards: %w", err)
	}
	for _, key := range keys {
		if err := s.do(ctx, key, func(context.Context, *shard) error { return nil }); err != nil {
			return fmt.Errorf("recover shard %s: %w", key, err)
		}
	}
	s.logger.Info().Int("shards", len(keys)).Msg("scheduler recovered")
	return nil
}

// Stop halts every shard actor. Persisted wake pointers are left in place
// for the next start.
func (s *Service) Stop() {
	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		return
	default:
	}
	close(s.stop)
	for _, sh := range s.shards {
		sh.alarm.Disarm()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}
