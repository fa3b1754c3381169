// Package retention purges terminal tasks once they are older than the
// retention window.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"snipeflow/internal/log"
	"snipeflow/internal/metrics"
	"snipeflow/internal/store"
)

// Purger deletes terminal tasks completed before a cutoff.
type Purger interface {
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
}

type Janitor struct {
	purger   Purger
	schedule string
	keep     time.Duration
	now      func() time.Time
	cron     *cron.Cron
	logger   zerolog.Logger
}

var _ Purger = store.Backend(nil)

func New(p Purger, schedule string, keep time.Duration) *Janitor {
	return &Janitor{
		purger:   p,
		schedule: schedule,
		keep:     keep,
		now:      time.Now,
		cron:     cron.New(),
		logger:   log.WithComponent("retention"),
	}
}

// Start registers the sweep on the cron schedule and starts the cron runner.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, func() {
		if _, err := j.Sweep(context.Background()); err != nil {
			j.logger.Error().Err(err).Msg("retention sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()
	j.logger.Info().Str("schedule", j.schedule).Dur("keep", j.keep).Msg("retention janitor started")
	return nil
}

// Stop stops the cron runner and waits for a running sweep.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep deletes terminal tasks completed more than keep ago.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.keep)
	n, err := j.purger.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal tasks: %w", err)
	}
	metrics.TasksPurged.Add(float64(n))
	if n > 0 {
		j.logger.Info().Int("purged", n).Time("cutoff", cutoff).Msg("terminal tasks purged")
	}
	return n, nil
}
