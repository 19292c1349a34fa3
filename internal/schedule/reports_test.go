package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/model"
)

func TestNextRunWeekly(t *testing.T) {
	sched := model.ReportSchedule{
		Cadence: model.CadenceReportWeekly, Weekday: time.Monday, HourUTC: 9, MinuteUTC: 0,
	}
	from := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC) // Friday, past 09:00
	next := NextRun(sched, from)

	if next.Weekday() != time.Monday {
		t.Fatalf("expected next Monday, got %s", next.Weekday())
	}
	if !next.After(from) {
		t.Fatalf("expected next run after from, got %s <= %s", next, from)
	}
	if next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("expected 09:00 UTC, got %02d:%02d", next.Hour(), next.Minute())
	}
}

func TestNextRunWeeklySameDayBeforeClock(t *testing.T) {
	sched := model.ReportSchedule{
		Cadence: model.CadenceReportWeekly, Weekday: time.Friday, HourUTC: 15, MinuteUTC: 0,
	}
	from := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC) // Friday, before 15:00
	next := NextRun(sched, from)

	if next.Year() != 2026 || next.Month() != 7 || next.Day() != 31 {
		t.Fatalf("expected same-day run, got %s", next)
	}
}

func TestNextRunMonthlyClampsToMonthEnd(t *testing.T) {
	sched := model.ReportSchedule{
		Cadence: model.CadenceReportMonthly, DayOfMonth: 31, HourUTC: 0, MinuteUTC: 0,
	}
	from := time.Date(2026, 1, 31, 1, 0, 0, 0, time.UTC) // after Jan 31 run
	next := NextRun(sched, from)

	if next.Month() != time.February || next.Day() != 28 {
		t.Fatalf("expected Feb 28 clamp, got %s", next)
	}
}

func TestNextRunMonthlyAdvancesAcrossYearBoundary(t *testing.T) {
	sched := model.ReportSchedule{
		Cadence: model.CadenceReportMonthly, DayOfMonth: 15, HourUTC: 0, MinuteUTC: 0,
	}
	from := time.Date(2026, 12, 15, 1, 0, 0, 0, time.UTC)
	next := NextRun(sched, from)

	if next.Year() != 2027 || next.Month() != time.January || next.Day() != 15 {
		t.Fatalf("expected 2027-01-15, got %s", next)
	}
}

type fakeReportStore struct {
	schedules map[uuid.UUID]model.ReportSchedule
	runs      []model.ReportRun
	claims    int
}

func (f *fakeReportStore) DueReportSchedules(ctx context.Context, asOf time.Time) ([]model.ReportSchedule, error) {
	var out []model.ReportSchedule
	for _, s := range f.schedules {
		if s.Status == model.ScheduleActive && !s.NextRunAt.After(asOf) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeReportStore) ClaimReportSchedule(ctx context.Context, id uuid.UUID, expectedClaim, now time.Time) (bool, error) {
	f.claims++
	s := f.schedules[id]
	if !s.LastClaimAt.Equal(expectedClaim) {
		return false, nil
	}
	s.LastClaimAt = now
	f.schedules[id] = s
	return true, nil
}

func (f *fakeReportStore) AdvanceReportSchedule(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error {
	s := f.schedules[id]
	s.LastRunAt = lastRunAt
	s.NextRunAt = nextRunAt
	s.LastClaimAt = time.Time{}
	f.schedules[id] = s
	return nil
}

func (f *fakeReportStore) InsertReportRun(ctx context.Context, r model.ReportRun) error {
	f.runs = append(f.runs, r)
	return nil
}

type fakeRenderer struct {
	err error
}

func (f *fakeRenderer) Render(ctx context.Context, sched model.ReportSchedule) (model.ReportRun, error) {
	if f.err != nil {
		return model.ReportRun{}, f.err
	}
	return model.ReportRun{Status: model.RunSuccess, Summary: "ok"}, nil
}

func TestReportSchedulerTickProducesRunAndAdvances(t *testing.T) {
	id := uuid.New()
	project := uuid.New()
	store := &fakeReportStore{schedules: map[uuid.UUID]model.ReportSchedule{
		id: {
			ID: id, ProjectID: project, Status: model.ScheduleActive,
			Cadence: model.CadenceReportWeekly, Weekday: time.Monday,
			NextRunAt: time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC),
		},
	}}
	sched := NewReportScheduler(store, &fakeRenderer{}, nil)
	sched.now = func() time.Time { return time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC) }

	sched.Tick(context.Background())

	if len(store.runs) != 2 { // pending insert + completed insert
		t.Fatalf("expected 2 report run rows (pending + completed), got %d", len(store.runs))
	}
	if store.runs[1].Status != model.RunSuccess {
		t.Fatalf("expected completed run to be success, got %s", store.runs[1].Status)
	}
	updated := store.schedules[id]
	if !updated.NextRunAt.After(sched.now()) {
		t.Fatalf("expected nextRunAt advanced into the future, got %s", updated.NextRunAt)
	}
}

func TestReportSchedulerTickRecordsFailureOnRenderError(t *testing.T) {
	id := uuid.New()
	store := &fakeReportStore{schedules: map[uuid.UUID]model.ReportSchedule{
		id: {
			ID: id, Status: model.ScheduleActive, Cadence: model.CadenceReportWeekly,
			NextRunAt: time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC),
		},
	}}
	sched := NewReportScheduler(store, &fakeRenderer{err: context.DeadlineExceeded}, nil)
	sched.now = func() time.Time { return time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC) }

	sched.Tick(context.Background())

	if store.runs[len(store.runs)-1].Status != model.RunFailed {
		t.Fatalf("expected failed run status, got %s", store.runs[len(store.runs)-1].Status)
	}
}

func TestReportSchedulerSkipsRecentlyClaimedSchedule(t *testing.T) {
	id := uuid.New()
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	store := &fakeReportStore{schedules: map[uuid.UUID]model.ReportSchedule{
		id: {
			ID: id, Status: model.ScheduleActive, Cadence: model.CadenceReportWeekly,
			NextRunAt: now.Add(-time.Hour), LastClaimAt: now.Add(-time.Minute),
		},
	}}
	sched := NewReportScheduler(store, &fakeRenderer{}, nil)
	sched.now = func() time.Time { return now }

	sched.Tick(context.Background())

	if store.claims != 0 {
		t.Fatalf("expected no claim attempt while another instance's claim is fresh, got %d", store.claims)
	}
}
