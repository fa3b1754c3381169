package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"snipeflow/internal/api"
	"snipeflow/internal/config"
	"snipeflow/internal/handlers/bid"
	"snipeflow/internal/handlers/webhook"
	"snipeflow/internal/log"
	"snipeflow/internal/queue"
	"snipeflow/internal/retention"
	"snipeflow/internal/scheduler"
	"snipeflow/internal/store"
	"snipeflow/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, worker pool and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		debug, _ := cmd.Flags().GetBool("debug")

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		return serve(cfg, debug)
	},
}

// openBackend opens the task store. The returned db is non-nil only for
// sqlite so the sqlite queue can share it.
func openBackend(cfg config.StoreConfig) (store.Backend, *sql.DB, error) {
	switch cfg.Driver {
	case "bolt":
		b, err := store.NewBoltBackend(cfg.Path)
		return b, nil, err
	default:
		db, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ensure store schema: %w", err)
		}
		return store.NewSQLiteBackend(db), db, nil
	}
}

func openQueue(cfg config.QueueConfig, shared *sql.DB) (queue.Queue, error) {
	opts := queue.Options{Visibility: cfg.Visibility}
	switch cfg.Driver {
	case "redis":
		return queue.NewRedis(queue.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, opts)
	default:
		db := shared
		if db == nil {
			var err error
			if db, err = store.OpenSQLite(cfg.Path); err != nil {
				return nil, err
			}
		}
		if err := queue.EnsureSchema(db); err != nil {
			return nil, fmt.Errorf("ensure queue schema: %w", err)
		}
		q := queue.NewSQLite(db, opts)
		if shared == nil {
			return closingQueue{Queue: q, db: db}, nil
		}
		return q, nil
	}
}

// closingQueue closes the queue's private database with the queue.
type closingQueue struct {
	queue.Queue
	db *sql.DB
}

func (q closingQueue) Close() error {
	return errors.Join(q.Queue.Close(), q.db.Close())
}

func serve(cfg config.Config, debug bool) error {
	logger := log.WithComponent("main")

	backend, db, err := openBackend(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	q, err := openQueue(cfg.Queue, db)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, err := q.Recover(ctx); err != nil {
		return fmt.Errorf("recover queue: %w", err)
	} else if n > 0 {
		logger.Info().Int("recovered", n).Msg("returned in-flight deliveries to the queue")
	}

	svc := scheduler.NewService(backend, q, scheduler.Config{
		EnqueueRetries:     cfg.Scheduler.EnqueueRetries,
		EnqueueRetryDelay:  cfg.Scheduler.EnqueueRetryDelay,
		MaxLeadTime:        cfg.Scheduler.MaxLeadTime,
		DefaultMaxAttempts: cfg.Scheduler.DefaultMaxAttempts,
		// an attempt outliving its lease has lost its worker
		ClaimTimeout: cfg.Queue.Visibility,
	})
	if err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("recover scheduler: %w", err)
	}
	defer svc.Stop()

	hook := webhook.New(webhook.Config{
		URL:        cfg.Webhook.URL,
		Timeout:    cfg.Webhook.Timeout,
		RatePerSec: cfg.Webhook.RatePerSec,
	})
	handlers := map[string]worker.Handler{
		"bid":     bid.New(),
		"webhook": hook,
	}
	pool := worker.NewPool(q, svc, handlers, worker.Config{
		Size:        cfg.Worker.Size,
		PollEvery:   cfg.Worker.PollEvery,
		ExecTimeout: cfg.Worker.ExecTimeout,
		Backoff:     worker.Backoff{Base: cfg.Worker.BackoffBase, Max: cfg.Worker.BackoffMax},
	})
	go pool.Run(ctx)
	defer pool.Stop()

	if cfg.Retention.Schedule != "" {
		janitor := retention.New(backend, cfg.Retention.Schedule, cfg.Retention.Keep)
		if err := janitor.Start(); err != nil {
			return err
		}
		defer janitor.Stop()
	}

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.NewServerWithDebug(svc, q, debug)}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	return nil
}
