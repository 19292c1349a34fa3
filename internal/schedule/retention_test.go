package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/model"
)

type fakeRetentionStore struct {
	projects []model.Project
	deleted  map[uuid.UUID]time.Time
	fail     bool
}

func (f *fakeRetentionStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	return f.projects, nil
}

func (f *fakeRetentionStore) DeleteOlderThan(ctx context.Context, projectID uuid.UUID, cutoff time.Time) (int64, error) {
	if f.fail {
		return 0, context.DeadlineExceeded
	}
	if f.deleted == nil {
		f.deleted = make(map[uuid.UUID]time.Time)
	}
	f.deleted[projectID] = cutoff
	return 3, nil
}

func TestRetentionSweeperAppliesPerProjectWindow(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	p1, p2 := uuid.New(), uuid.New()
	store := &fakeRetentionStore{projects: []model.Project{
		{ID: p1, RetentionDays: 30},
		{ID: p2, RetentionDays: 0}, // 0 means no sweep, unlimited retention
	}}
	sweeper := NewRetentionSweeper(store, nil)
	sweeper.now = func() time.Time { return now }

	sweeper.Sweep(context.Background())

	cutoff, ok := store.deleted[p1]
	if !ok {
		t.Fatalf("expected project with positive retentionDays to be swept")
	}
	wantCutoff := now.Add(-30 * 24 * time.Hour)
	if !cutoff.Equal(wantCutoff) {
		t.Fatalf("expected cutoff %s, got %s", wantCutoff, cutoff)
	}
	if _, ok := store.deleted[p2]; ok {
		t.Fatalf("expected project with retentionDays=0 to be skipped")
	}
}

func TestRetentionSweeperContinuesAfterOneProjectFails(t *testing.T) {
	p1 := uuid.New()
	store := &fakeRetentionStore{projects: []model.Project{{ID: p1, RetentionDays: 90}}, fail: true}
	sweeper := NewRetentionSweeper(store, nil)

	sweeper.Sweep(context.Background()) // must not panic despite the delete error
}
