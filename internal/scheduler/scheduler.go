package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anaysingh0542/multi-agent/internal/store"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// DefaultTick is the polling interval used when none is configured.
const DefaultTick = 15 * time.Second

// StatusError is recorded as LastRunStatus when a job never reached the
// executor, for example because its plan document does not parse.
const StatusError = "error"

// PlanRunner is the interface the scheduler uses to run plans.
// Satisfied by ExecutorRunner (avoids tying tests to the executor).
type PlanRunner interface {
	RunPlan(ctx context.Context, plan *schema.Plan, sessionID string) (runID string, status schema.RunStatus, err error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick sets the store polling interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickEvery = d
		}
	}
}

// WithClock replaces time.Now. Tests use it to pin "now".
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler polls the store for due scheduled jobs and runs them.
type Scheduler struct {
	store     store.Store
	runner    PlanRunner
	parser    cron.Parser
	logger    *slog.Logger
	tickEvery time.Duration
	now       func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner PlanRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	sched := &Scheduler{
		store:     s,
		runner:    runner,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:    logger,
		tickEvery: DefaultTick,
		now:       func() time.Time { return time.Now().UTC() },
		inflight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sched)
	}
	return sched
}

// AddJob validates the cron expression and plan document, then stores an
// enabled job whose first run is the next cron slot after now.
func (s *Scheduler) AddJob(ctx context.Context, job *store.ScheduledJob) error {
	if _, err := schema.ParsePlanJSON(job.Plan); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "scheduled plan does not parse").WithCause(err)
	}
	next, err := s.CalculateNextRun(job.CronExpression, s.now())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Enabled = true
	job.NextRunAt = &next
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return err
	}
	s.logger.Info("scheduled job added",
		slog.String("job_id", job.ID),
		slog.String("cron", job.CronExpression),
		slog.Time("next_run_at", next),
	)
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tickEvery))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled jobs and starts those that are due. Each due job
// runs in its own goroutine; a job still running from an earlier tick is
// skipped.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	var wg sync.WaitGroup
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			s.logger.Debug("scheduled job still running, skipping", slog.String("job_id", job.ID))
			continue
		}
		wg.Add(1)
		go func(job *store.ScheduledJob) {
			defer wg.Done()
			defer s.releaseJob(job.ID)
			if err := s.runJob(ctx, job, now); err != nil {
				s.logger.Error("failed to run scheduled job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
		}(job)
	}
	wg.Wait()
}

// runJob executes a scheduled job and updates its bookkeeping.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("name", job.Name),
	)

	plan, err := schema.ParsePlanJSON(job.Plan)
	if err != nil {
		s.logger.Error("scheduled plan does not parse",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return s.updateJobStatus(ctx, job, now, StatusError, "")
	}

	runID, status, err := s.runner.RunPlan(ctx, plan, job.SessionID)
	if err != nil {
		s.logger.Error("scheduled job execution failed",
			slog.String("job_id", job.ID),
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		if status == "" {
			status = schema.RunStatusFailed
		}
	}

	return s.updateJobStatus(ctx, job, now, string(status), runID)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status, runID string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
		LastRunID:     runID,
	})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
// Five-field expressions and descriptors such as "@hourly" or "@every 1m"
// are accepted.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler, waiting for running jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs, once, every enabled job whose next_run_at has passed.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
		if err != nil {
			s.logger.Error("failed to recover missed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
