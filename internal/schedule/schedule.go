package schedule

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-co-op/gocron/v2"

	"github.com/kluzzebass/errormonitor/internal/logging"
)

const (
	digestCron    = "*/15 * * * *" // every 15 minutes
	reportCron    = "* * * * *"    // every minute; cheap no-op tick when nothing is due
	retentionCron = "0 * * * *"    // hourly
)

// Scheduler owns the cron-driven background jobs: a fixed set of three
// gocron-registered tasks rather than a general named-job registry.
type Scheduler struct {
	cron      gocron.Scheduler
	digest    *DigestFlusher
	reports   *ReportScheduler
	retention *RetentionSweeper
	log       *slog.Logger
}

// New builds a Scheduler and registers its three jobs, but does not start
// them; call Start to begin running on cron.
func New(digest *DigestFlusher, reports *ReportScheduler, retention *RetentionSweeper, logger *slog.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}

	s := &Scheduler{
		cron: cron, digest: digest, reports: reports, retention: retention,
		log: logging.Default(logger).With("component", "schedule.scheduler"),
	}

	if _, err := cron.NewJob(
		gocron.CronJob(digestCron, false),
		gocron.NewTask(func() { digest.Flush(context.Background()) }),
		gocron.WithName("digest-flush"),
	); err != nil {
		return nil, fmt.Errorf("register digest flush job: %w", err)
	}

	if _, err := cron.NewJob(
		gocron.CronJob(reportCron, false),
		gocron.NewTask(func() { reports.Tick(context.Background()) }),
		gocron.WithName("report-tick"),
	); err != nil {
		return nil, fmt.Errorf("register report tick job: %w", err)
	}

	if _, err := cron.NewJob(
		gocron.CronJob(retentionCron, false),
		gocron.NewTask(func() { retention.Sweep(context.Background()) }),
		gocron.WithName("retention-sweep"),
	); err != nil {
		return nil, fmt.Errorf("register retention sweep job: %w", err)
	}

	return s, nil
}

// Start begins executing the registered jobs on their cron schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", []string{"digest-flush", "report-tick", "retention-sweep"})
}

// Stop shuts the cron scheduler down, waiting for any in-flight job to
// finish.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}
