package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"snipeflow/internal/domain"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// BlockTimeout bounds how long Dequeue waits on an empty ready list.
	BlockTimeout time.Duration
}

type redisEnvelope struct {
	ID        string                 `json:"id"`
	Message   domain.DispatchMessage `json:"message"`
	LastError string                 `json:"last_error,omitempty"`
}

// RedisQueue keeps message ids in a ready list, moves them to a processing
// list while leased with the lease deadline tracked in a sorted set, parks
// retries in a delayed sorted set scored by visibility time, and keeps dead
// letters in their own list. Multi-key transitions run as Lua scripts.
type RedisQueue struct {
	client *redis.Client
	cfg    RedisConfig
	opts   Options
}

// promoteScript makes due retries and expired leases ready again.
var promoteScript = redis.NewScript(`
local n = 0
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[4], id)
  n = n + 1
end
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('LREM', KEYS[3], 1, id)
  redis.call('RPUSH', KEYS[4], id)
  n = n + 1
end
return n
`)

// The settle scripts take KEYS = leases, processing, msg, target and
// ARGV = id, lease deadline, ... and return 0 when the lease is gone.
const leaseCheck = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('LREM', KEYS[2], 1, ARGV[1])
`

var (
	ackScript = redis.NewScript(leaseCheck + `
redis.call('DEL', KEYS[3])
return 1
`)
	retryScript = redis.NewScript(leaseCheck + `
redis.call('SET', KEYS[3], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)
	deadScript = redis.NewScript(leaseCheck + `
redis.call('SET', KEYS[3], ARGV[3])
redis.call('RPUSH', KEYS[4], ARGV[1])
return 1
`)
)

func NewRedis(cfg RedisConfig, opts Options) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "snipeflow:"
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = time.Second
	}
	return &RedisQueue{client: client, cfg: cfg, opts: opts.withDefaults()}, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) key(name string) string { return q.cfg.Prefix + name }

func (q *RedisQueue) msgKey(id string) string { return q.cfg.Prefix + "msg:" + id }

func (q *RedisQueue) Enqueue(ctx context.Context, msg domain.DispatchMessage) error {
	env := redisEnvelope{ID: uuid.NewString(), Message: msg}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.msgKey(env.ID), data, 0)
	pipe.RPush(ctx, q.key("ready"), env.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	return nil
}

// promote moves due retries and expired leases to the ready list.
func (q *RedisQueue) promote(ctx context.Context) error {
	now := strconv.FormatInt(q.opts.Now().UnixMilli(), 10)
	keys := []string{q.key("delayed"), q.key("leases"), q.key("processing"), q.key("ready")}
	if err := promoteScript.Run(ctx, q.client, keys, now).Err(); err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	id, err := q.client.BLMove(ctx, q.key("ready"), q.key("processing"), "LEFT", "RIGHT", q.cfg.BlockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	lease := q.opts.Now().Add(q.opts.Visibility).UnixMilli()
	if err := q.client.ZAdd(ctx, q.key("leases"), redis.Z{Score: float64(lease), Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("lease %s: %w", id, err)
	}

	data, err := q.client.Get(ctx, q.msgKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// body vanished; drop the dangling id
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.key("processing"), 1, id)
		pipe.ZRem(ctx, q.key("leases"), id)
		_, _ = pipe.Exec(ctx)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}

	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal message %s: %w", id, err)
	}

	settle := func(ctx context.Context, script *redis.Script, target string, args ...any) error {
		keys := []string{q.key("leases"), q.key("processing"), q.msgKey(id), target}
		n, err := script.Run(ctx, q.client, keys, append([]any{id, lease}, args...)...).Int()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrLeaseLost
		}
		return nil
	}

	return &Delivery{
		Message: env.Message,
		ack: func(ctx context.Context) error {
			return settle(ctx, ackScript, q.key("ready"))
		},
		retry: func(ctx context.Context, delay time.Duration, reason string) error {
			next := env
			next.Message.AttemptCount++
			next.LastError = reason
			data, err := json.Marshal(next)
			if err != nil {
				return err
			}
			visibleAt := q.opts.Now().Add(delay).UnixMilli()
			return settle(ctx, retryScript, q.key("delayed"), data, visibleAt)
		},
		dead: func(ctx context.Context, reason string) error {
			next := env
			next.LastError = reason
			data, err := json.Marshal(next)
			if err != nil {
				return err
			}
			return settle(ctx, deadScript, q.key("dead"), data)
		},
	}, nil
}

func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.key("processing"), q.key("ready"), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, q.client.Del(ctx, q.key("leases")).Err()
		}
		if err != nil {
			return n, fmt.Errorf("recover: %w", err)
		}
		n++
	}
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.key("ready"))
	inFlight := pipe.LLen(ctx, q.key("processing"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	dead := pipe.LLen(ctx, q.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Ready:    int(ready.Val()),
		InFlight: int(inFlight.Val()),
		Delayed:  int(delayed.Val()),
		Dead:     int(dead.Val()),
	}, nil
}
