// Package scheduler manages the recurring cron schedule attached to each
// job. It wraps gocron and maps one db.Job to at most one gocron entry,
// tagged with the job's UUID so it can be added, replaced, or removed as
// the job's configuration changes.
//
// Scheduler itself does not run backups — on each tick it hands off to the
// orchestrator, which owns agent dispatch, concurrency limits, and the
// preparing/running/terminal state machine. A tick that fires while the
// job is already running is skipped (tick checks orchestrator.IsRunning)
// rather than queued; gocron's singleton mode only covers the tick function
// itself, which returns as soon as it has handed the run off.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/server/internal/db"
	"github.com/coldvault/coldvault/server/internal/orchestrator"
	"github.com/coldvault/coldvault/server/internal/repository"
	"github.com/coldvault/coldvault/shared/types"
)

// Scheduler wraps gocron and coordinates recurring job triggers.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron         gocron.Scheduler
	jobs         repository.JobRepository
	orchestrator *orchestrator.Orchestrator
	logger       *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin processing.
func New(jobs repository.JobRepository, orch *orchestrator.Orchestrator, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:         s,
		jobs:         jobs,
		orchestrator: orch,
		logger:       logger.Named("scheduler"),
	}, nil
}

// Start loads every enabled job with a non-empty schedule from the database,
// registers it with gocron, and starts the underlying scheduler. Called once
// at server startup, after the database connection is established.
func (s *Scheduler) Start(ctx context.Context) error {
	enabled, err := s.jobs.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load enabled jobs: %w", err)
	}

	scheduled := 0
	for i := range enabled {
		if enabled[i].Schedule == "" {
			continue
		}
		if err := s.addJob(&enabled[i]); err != nil {
			s.logger.Error("failed to schedule job",
				zap.String("job_id", enabled[i].ID.String()),
				zap.String("job_name", enabled[i].Name),
				zap.Error(err),
			)
			continue
		}
		scheduled++
	}

	s.logger.Info("scheduler started", zap.Int("jobs_scheduled", scheduled))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for any
// in-flight tick callbacks to return before returning itself. Note this only
// waits for the tick function (which just calls orchestrator.Start in a
// goroutine) — it does not wait for the backup run itself to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// AddJob registers job with gocron using its cron schedule. Safe to call
// while the scheduler is running. A job with an empty schedule is a
// manual-trigger-only job and is never registered.
func (s *Scheduler) AddJob(job *db.Job) error {
	if job.Schedule == "" {
		return nil
	}
	if err := s.addJob(job); err != nil {
		return fmt.Errorf("failed to add job %s to scheduler: %w", job.ID, err)
	}
	s.logger.Info("job added to scheduler",
		zap.String("job_id", job.ID.String()),
		zap.String("job_name", job.Name),
		zap.String("schedule", job.Schedule),
	)
	return nil
}

// RemoveJob removes a job's gocron entry, if any. jobID is the job's UUID
// rendered as a string, matching the API surface the HTTP handlers use.
func (s *Scheduler) RemoveJob(jobID string) {
	s.cron.RemoveByTags(jobID)
}

// UpdateJob reschedules a job after its cron expression or enabled state has
// changed. Removes the existing gocron entry, if any, then re-adds it.
func (s *Scheduler) UpdateJob(job *db.Job) error {
	s.cron.RemoveByTags(job.ID.String())

	if !job.Enabled || job.Schedule == "" {
		s.logger.Info("job disabled or unscheduled, removed from scheduler",
			zap.String("job_id", job.ID.String()),
		)
		return nil
	}

	return s.AddJob(job)
}

// addJob registers a single job as a gocron entry with singleton mode so an
// overlapping tick reschedules to the next slot instead of queuing.
func (s *Scheduler) addJob(job *db.Job) error {
	_, err := s.cron.NewJob(
		gocron.CronJob(job.Schedule, false),
		gocron.NewTask(func(jobID uuid.UUID) {
			s.tick(jobID)
		}, job.ID),
		gocron.WithTags(job.ID.String()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for job %s (schedule: %q): %w",
			job.ID, job.Schedule, err)
	}
	return nil
}

// tick fires on each cron occurrence. It re-checks the job is still enabled
// (configuration may have changed since the tick was scheduled) and hands
// off to the orchestrator, which blocks until the run reaches a terminal
// state — so tick runs the orchestrator call in its own goroutine and
// returns immediately, letting gocron's singleton mode guard the next tick.
func (s *Scheduler) tick(jobID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	job, err := s.jobs.GetByID(ctx, jobID)
	cancel()
	if err != nil {
		s.logger.Error("failed to load job at tick time", zap.String("job_id", jobID.String()), zap.Error(err))
		return
	}
	if !job.Enabled {
		s.logger.Info("skipping tick for disabled job", zap.String("job_id", jobID.String()))
		return
	}
	if s.orchestrator.IsRunning(jobID.String()) {
		s.logger.Info("skipping tick, job already running", zap.String("job_id", jobID.String()))
		return
	}

	s.logger.Info("scheduled tick firing", zap.String("job_id", jobID.String()), zap.String("job_name", job.Name))

	go func() {
		runCtx := context.Background()
		if err := s.orchestrator.Start(runCtx, jobID.String(), types.JobTriggerScheduler); err != nil {
			s.logger.Error("scheduled run ended with error",
				zap.String("job_id", jobID.String()),
				zap.Error(err),
			)
		}
	}()
}
