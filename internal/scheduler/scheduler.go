package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron specs. An empty spec disables the job.
type Schedules struct {
	OfferRotation string
	PendingSweep  string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	schedules Schedules
	logger    *slog.Logger
}

// New creates a scheduler instance.
func New(jobs *Jobs, schedules Schedules, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		schedules: schedules,
		logger:    logger,
	}
}

// Start registers the jobs and starts the cron scheduler. It fails on an
// invalid schedule instead of silently skipping the job.
func (s *Scheduler) Start() error {
	if err := s.add("offer rotation", s.schedules.OfferRotation, s.jobs.RotateOffers); err != nil {
		return err
	}
	if err := s.add("pending sweep", s.schedules.PendingSweep, s.jobs.SweepPending); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) add(name, spec string, fn func()) error {
	if spec == "" {
		s.logger.Info("job disabled", "job", name)
		return nil
	}
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "error", err)
		return err
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
	return nil
}

// Stop stops the scheduler. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
