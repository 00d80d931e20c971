// Package schedule runs background jobs on cron schedules, including the
// periodic price refresh.
package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"pricesync/internal/cache"
	"pricesync/internal/refresh"
)

// Job is a named unit of scheduled work.
type Job interface {
	Run() error
	Name() string
}

// Scheduler manages background jobs.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job with a cron schedule, e.g. "@every 15m" or
// "*/30 9-17 * * MON-FRI".
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("Running job")
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("Job completed")
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("Job registered")
	return nil
}

// RefreshJob triggers a refresh of all active symbols. A cycle already in
// flight is skipped silently; the next tick will try again.
type RefreshJob struct {
	Coordinator *refresh.Coordinator
	Log         zerolog.Logger
}

func (j *RefreshJob) Name() string { return "price_refresh" }

func (j *RefreshJob) Run() error {
	_, err := j.Coordinator.RefreshPrices(context.Background())
	if errors.Is(err, refresh.ErrAlreadyRefreshing) {
		j.Log.Debug().Msg("Refresh already in flight, skipping tick")
		return nil
	}
	return err
}

// EvictJob removes cache entries older than MaxAge, as housekeeping
// independent of any refresh cycle.
type EvictJob struct {
	Cache  *cache.Cache
	MaxAge time.Duration
	Log    zerolog.Logger
}

func (j *EvictJob) Name() string { return "cache_evict" }

func (j *EvictJob) Run() error {
	removed := j.Cache.EvictStale(j.MaxAge)
	if removed > 0 {
		j.Log.Info().Int("removed", removed).Msg("Evicted stale cache entries")
	}
	return nil
}
