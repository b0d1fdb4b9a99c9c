// Package cron fires recurring task submissions. Schedules live in the
// persistence store; entries declared in the config file are materialized
// into the store on startup so both kinds share one firing path.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/crewline/helmsman/internal/config"
	"github.com/crewline/helmsman/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Submitter accepts new tasks. The task scheduler implements it.
type Submitter interface {
	Submit(ctx context.Context, in persistence.NewTask) (string, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store     *persistence.Store
	Submitter Submitter
	Entries   []config.ScheduleEntry // config-declared schedules
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically scans enabled schedules and submits a task for
// each one that is due.
type Scheduler struct {
	store     *persistence.Store
	submitter Submitter
	entries   []config.ScheduleEntry
	logger    *slog.Logger
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		submitter: cfg.Submitter,
		entries:   cfg.Entries,
		logger:    logger,
		interval:  interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.materializeEntries(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// materializeEntries inserts config-declared schedules that are not in
// the store yet, matched by description.
func (s *Scheduler) materializeEntries(ctx context.Context) {
	if len(s.entries) == 0 {
		return
	}
	existing, err := s.store.ListSchedules(ctx, false)
	if err != nil {
		s.logger.Error("cron: failed to list schedules", "error", err)
		return
	}
	known := make(map[string]bool, len(existing))
	for _, sc := range existing {
		known[sc.Description] = true
	}
	for _, e := range s.entries {
		if known[e.Description] {
			continue
		}
		if _, err := cronParser.Parse(e.Cron); err != nil {
			s.logger.Error("cron: invalid expression in config",
				"schedule_name", e.Name,
				"cron_expr", e.Cron,
				"error", err,
			)
			continue
		}
		id, err := s.store.CreateSchedule(ctx, e.Cron, e.Description, e.Template)
		if err != nil {
			s.logger.Error("cron: failed to materialize config schedule",
				"schedule_name", e.Name,
				"error", err,
			)
			continue
		}
		s.logger.Info("cron: config schedule registered", "schedule_id", id, "schedule_name", e.Name)
	}
}

// loop is the main scheduler loop. It ticks at the configured interval,
// queries for due schedules, and fires each one.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick scans enabled schedules and fires each one that is due.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("cron: failed to list schedules", "error", err)
		return
	}
	for _, sched := range schedules {
		due, err := Due(sched, now)
		if err != nil {
			s.logger.Error("cron: unparseable expression",
				"schedule_id", sched.ID,
				"cron_expr", sched.CronExpr,
				"error", err,
			)
			continue
		}
		if due {
			s.fire(ctx, sched, now)
		}
	}
}

// fire submits a task for the schedule, then stamps the run so a restart
// within the same window does not double-submit.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	taskID, err := s.submitter.Submit(ctx, persistence.NewTask{
		Description: sched.Description,
		TemplateID:  sched.TemplateID,
	})
	if err != nil {
		s.logger.Error("cron: failed to submit task for schedule",
			"schedule_id", sched.ID,
			"error", err,
		)
		return
	}
	if err := s.store.MarkScheduleRun(ctx, sched.ID, now); err != nil {
		s.logger.Error("cron: failed to mark schedule run",
			"schedule_id", sched.ID,
			"error", err,
		)
		return
	}
	s.logger.Info("cron: schedule fired",
		"schedule_id", sched.ID,
		"task_id", taskID,
	)
}

// Due reports whether the schedule's next run after its last firing (or
// its creation, when it never fired) is at or before now.
func Due(sched persistence.Schedule, now time.Time) (bool, error) {
	baseline := sched.CreatedAt
	if sched.LastRunAt != nil {
		baseline = *sched.LastRunAt
	}
	next, err := NextRunTime(sched.CronExpr, baseline)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
