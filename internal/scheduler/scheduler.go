// Package scheduler triggers trading sessions on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler runs registered jobs in the exchange time zone. A job still running
// when its next tick fires is skipped for that tick.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
	ctx  context.Context
}

// New creates a scheduler whose six-field specs (with seconds) are read in loc.
func New(ctx context.Context, log zerolog.Logger, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	clog := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		log: log,
		ctx: ctx,
	}
}

// Register adds job under name at spec.
func (s *Scheduler) Register(name, spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		s.log.Info().Str("job", name).Msg("job starting")
		if err := job(s.ctx); err != nil {
			s.log.Error().Err(err).Str("job", name).Dur("took", time.Since(start)).Msg("job failed")
			return
		}
		s.log.Info().Str("job", name).Dur("took", time.Since(start)).Msg("job finished")
	})
	if err != nil {
		return fmt.Errorf("register %s (%q): %w", name, spec, err)
	}
	return nil
}

// Next reports the earliest upcoming run, or zero when nothing is scheduled.
func (s *Scheduler) Next() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if !e.Next.IsZero() && (next.IsZero() || e.Next.Before(next)) {
			next = e.Next
		}
	}
	return next
}

// Start begins dispatching in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Time("next", s.Next()).Msg("scheduler started")
}

// Stop halts dispatching and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out with jobs running")
	}
	s.log.Info().Msg("scheduler stopped")
}

type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
