// Package config loads service settings from an optional YAML file and
// SNIPEFLOW_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retention RetentionConfig `yaml:"retention"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type StoreConfig struct {
	// Driver is sqlite or bolt.
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type QueueConfig struct {
	// Driver is sqlite or redis. The sqlite queue shares the store's
	// database file when the store is sqlite too.
	Driver     string        `yaml:"driver"`
	Path       string        `yaml:"path"`
	Visibility time.Duration `yaml:"visibility"`
	Redis      RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type SchedulerConfig struct {
	EnqueueRetries     int           `yaml:"enqueue_retries"`
	EnqueueRetryDelay  time.Duration `yaml:"enqueue_retry_delay"`
	MaxLeadTime        time.Duration `yaml:"max_lead_time"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts"`
}

type WorkerConfig struct {
	Size        int           `yaml:"size"`
	PollEvery   time.Duration `yaml:"poll_every"`
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

type RetentionConfig struct {
	// Schedule is a standard cron expression; empty disables the janitor.
	Schedule string        `yaml:"schedule"`
	Keep     time.Duration `yaml:"keep"`
}

type WebhookConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	RatePerSec int           `yaml:"rate_per_sec"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		Log:  LogConfig{Level: "info"},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "snipeflow.db",
		},
		Queue: QueueConfig{
			Driver:     "sqlite",
			Path:       "snipeflow-queue.db",
			Visibility: time.Minute,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "snipeflow:",
			},
		},
		Scheduler: SchedulerConfig{
			EnqueueRetries:     3,
			EnqueueRetryDelay:  500 * time.Millisecond,
			MaxLeadTime:        5 * time.Minute,
			DefaultMaxAttempts: 5,
		},
		Worker: WorkerConfig{
			Size:        8,
			PollEvery:   250 * time.Millisecond,
			ExecTimeout: 30 * time.Second,
			BackoffBase: time.Second,
			BackoffMax:  time.Minute,
		},
		Retention: RetentionConfig{
			Schedule: "@hourly",
			Keep:     7 * 24 * time.Hour,
		},
		Webhook: WebhookConfig{
			Timeout:    10 * time.Second,
			RatePerSec: 5,
		},
	}
}

// Load reads path (if set) over the defaults, applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTP.Addr = getEnv("SNIPEFLOW_HTTP_ADDR", c.HTTP.Addr)
	c.Log.Level = getEnv("SNIPEFLOW_LOG_LEVEL", c.Log.Level)
	c.Log.JSON = getEnvBool("SNIPEFLOW_LOG_JSON", c.Log.JSON)
	c.Store.Driver = getEnv("SNIPEFLOW_STORE_DRIVER", c.Store.Driver)
	c.Store.Path = getEnv("SNIPEFLOW_STORE_PATH", c.Store.Path)
	c.Queue.Driver = getEnv("SNIPEFLOW_QUEUE_DRIVER", c.Queue.Driver)
	c.Queue.Path = getEnv("SNIPEFLOW_QUEUE_PATH", c.Queue.Path)
	c.Queue.Redis.Addr = getEnv("SNIPEFLOW_REDIS_ADDR", c.Queue.Redis.Addr)
	c.Queue.Redis.Password = getEnv("SNIPEFLOW_REDIS_PASSWORD", c.Queue.Redis.Password)
	c.Queue.Redis.DB = getEnvInt("SNIPEFLOW_REDIS_DB", c.Queue.Redis.DB)
	c.Worker.Size = getEnvInt("SNIPEFLOW_WORKERS", c.Worker.Size)
	c.Retention.Schedule = getEnv("SNIPEFLOW_RETENTION_SCHEDULE", c.Retention.Schedule)
	c.Webhook.URL = getEnv("SNIPEFLOW_WEBHOOK_URL", c.Webhook.URL)

	var err error
	if c.Scheduler.MaxLeadTime, err = getEnvDuration("SNIPEFLOW_MAX_LEAD_TIME", c.Scheduler.MaxLeadTime); err != nil {
		return err
	}
	if c.Worker.ExecTimeout, err = getEnvDuration("SNIPEFLOW_EXEC_TIMEOUT", c.Worker.ExecTimeout); err != nil {
		return err
	}
	if c.Retention.Keep, err = getEnvDuration("SNIPEFLOW_RETENTION_KEEP", c.Retention.Keep); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Store.Driver {
	case "sqlite", "bolt":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want sqlite or bolt", c.Store.Driver))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	switch c.Queue.Driver {
	case "sqlite":
		if c.Store.Driver != "sqlite" && c.Queue.Path == "" {
			errs = append(errs, errors.New("queue.path is required unless the store is sqlite"))
		}
	case "redis":
		if c.Queue.Redis.Addr == "" {
			errs = append(errs, errors.New("queue.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.driver %q: want sqlite or redis", c.Queue.Driver))
	}
	if c.Scheduler.EnqueueRetries < 0 {
		errs = append(errs, errors.New("scheduler.enqueue_retries must not be negative"))
	}
	if c.Scheduler.MaxLeadTime < 0 {
		errs = append(errs, errors.New("scheduler.max_lead_time must not be negative"))
	}
	if c.Worker.Size <= 0 {
		errs = append(errs, errors.New("worker.size must be positive"))
	}
	if c.Worker.ExecTimeout <= 0 {
		errs = append(errs, errors.New("worker.exec_timeout must be positive"))
	} else if c.Worker.ExecTimeout >= c.Queue.Visibility {
		errs = append(errs, errors.New("worker.exec_timeout must be shorter than queue.visibility"))
	}
	if c.Worker.BackoffMax < c.Worker.BackoffBase {
		errs = append(errs, errors.New("worker.backoff_max must be at least worker.backoff_base"))
	}
	if c.Retention.Schedule != "" {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
		}
		if c.Retention.Keep <= 0 {
			errs = append(errs, errors.New("retention.keep must be positive"))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
