package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snipeflow/internal/domain"
	"snipeflow/internal/queue"
	"snipeflow/internal/scheduler"
	"snipeflow/internal/store"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingHandler struct {
	calls  atomic.Int32
	result string
	err    error
	block  bool
}

func (h *countingHandler) Handle(ctx context.Context, _ json.RawMessage) (string, error) {
	h.calls.Add(1)
	if h.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return h.result, h.err
}

// memTracker mirrors the shard's claim rules over an in-memory map.
type memTracker struct {
	mu       sync.Mutex
	tasks    map[string]domain.Task
	claimErr error
}

func (m *memTracker) put(t domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks == nil {
		m.tasks = make(map[string]domain.Task)
	}
	m.tasks[t.ID] = t
}

func (m *memTracker) get(id string) domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

func (m *memTracker) Claim(_ context.Context, msg domain.DispatchMessage) (domain.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return domain.Task{}, false, m.claimErr
	}
	t, ok := m.tasks[msg.TaskID]
	if !ok || t.Status != domain.StatusDispatched {
		return t, false, nil
	}
	t.Status = domain.StatusExecuting
	t.AttemptCount++
	m.tasks[t.ID] = t
	return t, true, nil
}

func (m *memTracker) set(t domain.Task, status domain.Status, result string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.tasks[t.ID]
	if cur.Status != domain.StatusExecuting {
		return cur, domain.ErrRaceLost
	}
	cur.Status = status
	cur.Result = result
	m.tasks[t.ID] = cur
	return cur, nil
}

func (m *memTracker) Complete(_ context.Context, t domain.Task, result string) (domain.Task, error) {
	return m.set(t, domain.StatusSucceeded, result)
}

func (m *memTracker) Retry(_ context.Context, t domain.Task, reason string) (domain.Task, error) {
	return m.set(t, domain.StatusDispatched, reason)
}

func (m *memTracker) Fail(_ context.Context, t domain.Task, reason string) (domain.Task, error) {
	return m.set(t, domain.StatusFailed, reason)
}

func setupQueue(t *testing.T, clock *manualClock) queue.Queue {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.NewSQLite(db, queue.Options{Now: clock.Now})
}

func dispatchedTask(id, kind string, maxAttempts int) domain.Task {
	return domain.Task{
		ID:          id,
		ShardKey:    "auction-1",
		Kind:        kind,
		Payload:     json.RawMessage(`{"max_bid":12}`),
		ExecuteAt:   base,
		Status:      domain.StatusDispatched,
		MaxAttempts: maxAttempts,
	}
}

func deliver(t *testing.T, q queue.Queue, task domain.Task) *queue.Delivery {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, domain.NewDispatchMessage(task)))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func nextDelivery(t *testing.T, q queue.Queue) *queue.Delivery {
	t.Helper()
	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func stats(t *testing.T, q queue.Queue) queue.Stats {
	t.Helper()
	s, err := q.Stats(context.Background())
	require.NoError(t, err)
	return s
}

func TestPool_ProcessSuccess(t *testing.T) {
	clock := &manualClock{now: base}
	q := setupQueue(t, clock)
	tracker := &memTracker{}
	h := &countingHandler{result: "bid placed"}
	pool := NewPool(q, tracker, map[string]Handler{"bid": h}, Config{})

	task := dispatchedTask("tsk_1", "bid", 3)
	tracker.put(task)

	require.NoError(t, pool.Process(context.Background(), deliver(t, q, task)))

	assert.Equal(t, int32(1), h.calls.Load())
	got := tracker.get("tsk_1")
	assert.Equal(t, domain.StatusSucceeded, got.Status)
	assert.Equal(t, "bid placed", got.Result)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, queue.Stats{}, stats(t, q))
}

func TestPool_RetryThenDeadLetter(t *testing.T) {
	clock := &manualClock{now: base}
	q := setupQueue(t, clock)
	tracker := &memTracker{}
	h := &countingHandler{err: errors.New("marketplace unavailable")}
	pool := NewPool(q, tracker, map[string]Handler{"bid": h}, Config{Backoff: Backoff{Base: time.Second, Max: time.Minute}})

	task := dispatchedTask("tsk_1", "bid", 2)
	tracker.put(task)
	ctx := context.Background()

	require.NoError(t, pool.Process(ctx, deliver(t, q, task)))
	got := tracker.get("tsk_1")
	assert.Equal(t, domain.StatusDispatched, got.Status)
	assert.Contains(t, got.Result, "marketplace unavailable")
	assert.Equal(t, 1, stats(t, q).Delayed)

	clock.Advance(time.Second)
	require.NoError(t, pool.Process(ctx, nextDelivery(t, q)))

	assert.Equal(t, int32(2), h.calls.Load())
	got = tracker.get("tsk_1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, queue.Stats{Dead: 1}, stats(t, q))
}

func TestPool_UnknownKindFails(t *testing.T) {
	clock := &manualClock{now: base}
	q := setupQueue(t, clock)
	tracker := &memTracker{}
	h := &countingHandler{}
	pool := NewPool(q, tracker, map[string]Handler{"bid": h}, Config{})

	task := dispatchedTask("tsk_1", "carrier-pigeon", 5)
	tracker.put(task)

	require.NoError(t, pool.Process(context.Background(), deliver(t, q, task)))

	assert.Equal(t, int32(0), h.calls.Load())
	got := tracker.get("tsk_1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.Result, "carrier-pigeon")
	assert.Equal(t, queue.Stats{Dead: 1}, stats(t, q))
}

func TestPool_SkipsTasksNotDispatched(t *testing.T) {
	for _, status := range []domain.Status{domain.StatusSucceeded, domain.StatusFailed, domain.StatusCancelled, domain.StatusScheduled} {
		t.Run(string(status), func(t *testing.T) {
			clock := &manualClock{now: base}
			q := setupQueue(t, clock)
			tracker := &memTracker{}
			h := &countingHandler{}
			pool := NewPool(q, tracker, map[string]Handler{"bid": h}, Config{})

			task := dispatchedTask("tsk_1", "bid", 3)
			task.Status = status
			tracker.put(task)

			require.NoError(t, pool.Process(context.Background(), deliver(t, q, task)))
			assert.Equal(t, int32(0), h.calls.Load())
			assert.Equal(t, status, tracker.get("tsk_1").Status)
			assert.Equal(t, queue.Stats{}, stats(t, q), "skipped deliveries are acknowledged")
		})
	}
}

func TestPool_ExecutingTaskPostponesDelivery(t *testing.T) {
	clock := &manualClock{now: base}
	q := setupQueue(t, clock)
	tracker := &memTracker{}
	h := &countingHandler{}
	pool := NewPool(q, tracker, map[string]Handler{"bid": h}, Config{Backoff: Backoff{Base: time.Second, Max: time.Minute}})

	task := dispatchedTask("tsk_1", "bid", 3)
	task.Status = domain.StatusExecuting
	tracker.put(task)

	require.NoError(t, pool.Process(context.Background(), deliver(t, q, task)))
	assert.Equal(t, int32(0), h.calls.Load())
	assert.Equal(t, queue.Stats{Delayed: 1}, stats(t, q), "the message outlives the running attempt")

	clock.Advance(time.Second)
	d := nextDelivery(t, q)
	assert.Equal(t, 1, d.Message.AttemptCount)
}

func TestPool_ClaimErrorPostponesDelivery(t *testing.T) {
	clock := &manualClock{now: base}
	q := setupQueue(t, clock)
	tracker := &memTracker{claimErr: errors.New("database is locked")}
	h := &countingHandler{}
	pool := NewPool(q, tracker, map[string]Handler{"bid": h}, Config{})

	task := dispatchedTask("tsk_1", "bid", 3)
	tracker.put(task)

	require.NoError(t, pool.Process(context.Background(), deliver(t, q, task)))
	assert.Equal(t, int32(0), h.calls.Load())
	assert.Equal(t, 1, stats(t, q).Delayed)
}

func TestPool_ExecTimeoutIsRetried(t *testing.T) {
	clock := &manualClock{now: base}
	q := setupQueue(t, clock)
	tracker := &memTracker{}
	h := &countingHandler{block: true}
	pool := NewPool(q, tracker, map[string]Handler{"bid": h}, Config{ExecTimeout: 20 * time.Millisecond})

	task := dispatchedTask("tsk_1", "bid", 3)
	tracker.put(task)

	require.NoError(t, pool.Process(context.Background(), deliver(t, q, task)))
	got := tracker.get("tsk_1")
	assert.Equal(t, domain.StatusDispatched, got.Status)
	assert.Contains(t, got.Result, context.DeadlineExceeded.Error())
}

func TestPool_RunConsumesQueue(t *testing.T) {
	clock := &manualClock{now: base}
	q := setupQueue(t, clock)
	tracker := &memTracker{}
	h := &countingHandler{result: "ok"}
	pool := NewPool(q, tracker, map[string]Handler{"bid": h}, Config{Size: 2, PollEvery: 10 * time.Millisecond})

	for _, id := range []string{"tsk_1", "tsk_2", "tsk_3"} {
		task := dispatchedTask(id, "bid", 3)
		tracker.put(task)
		require.NoError(t, q.Enqueue(context.Background(), domain.NewDispatchMessage(task)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	assert.Eventually(t, func() bool {
		return tracker.get("tsk_1").Status == domain.StatusSucceeded &&
			tracker.get("tsk_2").Status == domain.StatusSucceeded &&
			tracker.get("tsk_3").Status == domain.StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)
	pool.Stop()
	assert.Equal(t, int32(3), h.calls.Load())
}

type nopAlarm struct{}

func (nopAlarm) Arm(time.Time) {}
func (nopAlarm) Disarm()       {}

// setupService wires a real scheduler and a sqlite queue on one database.
func setupService(t *testing.T, clock *manualClock) (*scheduler.Service, queue.Queue) {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "snipeflow.db"))
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))
	backend := store.NewSQLiteBackend(db)
	t.Cleanup(func() { backend.Close() })

	q := queue.NewSQLite(db, queue.Options{Now: clock.Now})
	svc := scheduler.NewService(backend, q, scheduler.Config{ClaimTimeout: time.Minute},
		scheduler.WithClock(clock.Now),
		scheduler.WithAlarmFactory(func(string, func()) scheduler.Alarm { return nopAlarm{} }))
	t.Cleanup(svc.Stop)
	return svc, q
}

// dispatchDue schedules a task and wakes its shard once it is due.
func dispatchDue(t *testing.T, svc *scheduler.Service, clock *manualClock) domain.Task {
	t.Helper()
	ctx := context.Background()
	task, err := svc.Schedule(ctx, scheduler.ScheduleRequest{
		ShardKey:   "auction-1",
		Payload:    json.RawMessage(`{"max_bid":12}`),
		TargetTime: clock.Now().Add(30 * time.Second),
		LeadTime:   10 * time.Second,
	})
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	require.NoError(t, svc.Wake(ctx, "auction-1"))
	return task
}

// flakyTracker fails the first n Complete calls.
type flakyTracker struct {
	*scheduler.Service
	failures atomic.Int32
}

func (f *flakyTracker) Complete(ctx context.Context, t domain.Task, result string) (domain.Task, error) {
	if f.failures.Add(-1) >= 0 {
		return domain.Task{}, errors.New("store briefly unavailable")
	}
	return f.Service.Complete(ctx, t, result)
}

func TestPool_RedeliveryOfSucceededTaskDoesNotExecute(t *testing.T) {
	clock := &manualClock{now: base}
	svc, q := setupService(t, clock)
	h := &countingHandler{result: "bid placed"}
	pool := NewPool(q, svc, map[string]Handler{"bid": h}, Config{})
	ctx := context.Background()
	task := dispatchDue(t, svc, clock)

	require.NoError(t, pool.Process(ctx, nextDelivery(t, q)))
	got, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, got.Status)

	// the same message arrives again
	require.NoError(t, q.Enqueue(ctx, domain.NewDispatchMessage(task)))
	require.NoError(t, pool.Process(ctx, nextDelivery(t, q)))

	assert.Equal(t, int32(1), h.calls.Load())
	got, err = svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestPool_UnrecordedSuccessIsNotLost(t *testing.T) {
	clock := &manualClock{now: base}
	svc, q := setupService(t, clock)
	tracker := &flakyTracker{Service: svc}
	tracker.failures.Store(1)
	h := &countingHandler{result: "bid placed"}
	pool := NewPool(q, tracker, map[string]Handler{"bid": h}, Config{Backoff: Backoff{Base: time.Second, Max: time.Minute}})
	ctx := context.Background()
	task := dispatchDue(t, svc, clock)

	err := pool.Process(ctx, nextDelivery(t, q))
	assert.ErrorContains(t, err, "record success")
	got, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuting, got.Status)
	assert.Equal(t, queue.Stats{Delayed: 1}, stats(t, q), "the delivery is handed back, not dropped")

	// redelivered while the attempt may still be settling
	clock.Advance(time.Second)
	require.NoError(t, pool.Process(ctx, nextDelivery(t, q)))
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, queue.Stats{Delayed: 1}, stats(t, q))

	// past the claim timeout the attempt is taken over
	clock.Advance(time.Minute)
	require.NoError(t, pool.Process(ctx, nextDelivery(t, q)))

	assert.Equal(t, int32(2), h.calls.Load())
	got, err = svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, queue.Stats{}, stats(t, q))
}

// retryDown cannot record retries.
type retryDown struct {
	*scheduler.Service
}

func (retryDown) Retry(context.Context, domain.Task, string) (domain.Task, error) {
	return domain.Task{}, errors.New("store briefly unavailable")
}

func TestPool_UnrecordedRetryKeepsTaskReachable(t *testing.T) {
	clock := &manualClock{now: base}
	svc, q := setupService(t, clock)
	h := &countingHandler{err: errors.New("marketplace unavailable")}
	cfg := Config{Backoff: Backoff{Base: time.Second, Max: time.Minute}}
	ctx := context.Background()
	task := dispatchDue(t, svc, clock)

	broken := NewPool(q, retryDown{Service: svc}, map[string]Handler{"bid": h}, cfg)
	err := broken.Process(ctx, nextDelivery(t, q))
	assert.ErrorContains(t, err, "record retry")
	assert.Equal(t, queue.Stats{Delayed: 1}, stats(t, q))

	clock.Advance(2 * time.Minute)
	pool := NewPool(q, svc, map[string]Handler{"bid": h}, cfg)
	require.NoError(t, pool.Process(ctx, nextDelivery(t, q)))

	assert.Equal(t, int32(2), h.calls.Load())
	got, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDispatched, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, queue.Stats{Delayed: 1}, stats(t, q))
}
