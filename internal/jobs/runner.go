// Package jobs runs the engine's periodic background jobs: watchdog sweeps,
// schedule cache refreshes and swap reminders.
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagerbell/pagerbell/internal/queue"
)

// Job is one periodic unit of work
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner drives a job on a fixed interval, guarded by a cluster-wide named
// lock: when several instances run the same job, at most one executes per
// sweep and the rest skip silently.
type Runner struct {
	job      Job
	interval time.Duration
	locker   queue.Locker
	log      zerolog.Logger
}

// NewRunner creates a runner for one job
func NewRunner(job Job, interval time.Duration, locker queue.Locker, log zerolog.Logger) *Runner {
	return &Runner{job: job, interval: interval, locker: locker, log: log}
}

// RunOnce executes one guarded sweep. Returns false when another instance
// held the lock.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	acquired, err := r.locker.TryLock(ctx, "job:"+r.job.Name(), r.interval)
	if err != nil {
		return false, err
	}
	if !acquired {
		r.log.Debug().Str("job", r.job.Name()).Msg("job lock held elsewhere, skipping sweep")
		return false, nil
	}
	return true, r.job.Run(ctx)
}

// Start begins the periodic sweeps
func (r *Runner) Start(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error().Err(err).Str("job", r.job.Name()).Msg("periodic job failed")
			}
		case <-stop:
			r.log.Info().Str("job", r.job.Name()).Msg("periodic job stopped")
			return
		}
	}
}
