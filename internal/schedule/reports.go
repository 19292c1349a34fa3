package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/logging"
	"github.com/kluzzebass/errormonitor/internal/model"
)

// staleClaimWindow bounds how long a claimed-but-uncompleted run is
// honored before another tick is allowed to reclaim the schedule.
const staleClaimWindow = 10 * time.Minute

// ReportStore is the slice of the Aggregation Store the report scheduler
// needs.
type ReportStore interface {
	DueReportSchedules(ctx context.Context, asOf time.Time) ([]model.ReportSchedule, error)
	ClaimReportSchedule(ctx context.Context, id uuid.UUID, expectedClaim time.Time, now time.Time) (bool, error)
	AdvanceReportSchedule(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error
	InsertReportRun(ctx context.Context, r model.ReportRun) error
}

// ReportRenderer produces the artifact for a due schedule and mails it to
// the configured recipients. Rendering/delivery are an external
// collaborator; the scheduler only owns the state machine.
type ReportRenderer interface {
	Render(ctx context.Context, schedule model.ReportSchedule) (model.ReportRun, error)
}

// ReportScheduler advances ReportSchedule.nextRunAt and produces a
// ReportRun for every due schedule on each tick.
type ReportScheduler struct {
	store    ReportStore
	renderer ReportRenderer
	log      *slog.Logger
	now      func() time.Time
}

func NewReportScheduler(store ReportStore, renderer ReportRenderer, logger *slog.Logger) *ReportScheduler {
	return &ReportScheduler{
		store:    store,
		renderer: renderer,
		log:      logging.Default(logger).With("component", "schedule.reports"),
		now:      time.Now,
	}
}

// Tick claims and runs every schedule whose nextRunAt has passed.
func (s *ReportScheduler) Tick(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueReportSchedules(ctx, now)
	if err != nil {
		s.log.Error("list due report schedules failed", "error", err)
		return
	}
	for _, sched := range due {
		s.runOne(ctx, sched, now)
	}
}

func (s *ReportScheduler) runOne(ctx context.Context, sched model.ReportSchedule, now time.Time) {
	if !sched.LastClaimAt.IsZero() && now.Sub(sched.LastClaimAt) < staleClaimWindow {
		return // claimed recently by another tick/instance, not yet stale
	}

	claimed, err := s.store.ClaimReportSchedule(ctx, sched.ID, sched.LastClaimAt, now)
	if err != nil {
		s.log.Error("claim report schedule failed", "schedule", sched.ID, "error", err)
		return
	}
	if !claimed {
		return // another instance won the race
	}

	run := model.ReportRun{
		ID: uuid.New(), ScheduleID: sched.ID, ProjectID: sched.ProjectID,
		Status: model.RunPending, CreatedAt: now,
	}
	if err := s.store.InsertReportRun(ctx, run); err != nil {
		s.log.Error("insert pending report run failed", "schedule", sched.ID, "error", err)
		return
	}

	produced, err := s.renderer.Render(ctx, sched)
	if err != nil {
		produced = model.ReportRun{
			ID: run.ID, ScheduleID: sched.ID, ProjectID: sched.ProjectID,
			Status: model.RunFailed, Error: err.Error(), CreatedAt: now, CompletedAt: s.now(),
		}
		s.log.Error("report render failed", "schedule", sched.ID, "error", err)
	} else {
		produced.ID = run.ID
		produced.ScheduleID = sched.ID
		produced.ProjectID = sched.ProjectID
		produced.CreatedAt = now
		if produced.CompletedAt.IsZero() {
			produced.CompletedAt = s.now()
		}
		if produced.Status == "" {
			produced.Status = model.RunSuccess
		}
	}
	if err := s.store.InsertReportRun(ctx, produced); err != nil {
		s.log.Error("insert completed report run failed", "schedule", sched.ID, "error", err)
	}

	next := NextRun(sched, now)
	if err := s.store.AdvanceReportSchedule(ctx, sched.ID, now, next); err != nil {
		s.log.Error("advance report schedule failed", "schedule", sched.ID, "error", err)
	}
}

// NextRun computes the next UTC fire time for a schedule strictly after
// from, honoring weekly (anchored to Weekday) or monthly (anchored to
// DayOfMonth, clamped to the month's length) cadence. Time is kept
// in UTC throughout, so there is no DST transition to account for.
func NextRun(sched model.ReportSchedule, from time.Time) time.Time {
	from = from.UTC()
	switch sched.Cadence {
	case model.CadenceReportMonthly:
		return nextMonthly(from, sched.DayOfMonth, sched.HourUTC, sched.MinuteUTC)
	default:
		return nextWeekly(from, sched.Weekday, sched.HourUTC, sched.MinuteUTC)
	}
}

func nextWeekly(from time.Time, weekday time.Weekday, hour, minute int) time.Time {
	candidate := atClock(from, hour, minute)
	for i := 0; i < 8; i++ {
		if candidate.Weekday() == weekday && candidate.After(from) {
			return candidate
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func nextMonthly(from time.Time, dayOfMonth, hour, minute int) time.Time {
	candidate := clampedMonthDay(from.Year(), from.Month(), dayOfMonth, hour, minute)
	if !candidate.After(from) {
		year, month := from.Year(), from.Month()+1
		if month > time.December {
			month = time.January
			year++
		}
		candidate = clampedMonthDay(year, month, dayOfMonth, hour, minute)
	}
	return candidate
}

// clampedMonthDay builds a UTC timestamp for (year, month, day) at
// hour:minute, clamping day to the last day of the month when it
// overflows (e.g. dayOfMonth=31 in February).
func clampedMonthDay(year int, month time.Month, day, hour, minute int) time.Time {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > lastDay {
		day = lastDay
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func atClock(t time.Time, hour, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, time.UTC)
}
