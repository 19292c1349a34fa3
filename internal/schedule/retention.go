package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/logging"
	"github.com/kluzzebass/errormonitor/internal/model"
)

// RetentionStore is the slice of the Aggregation Store the sweeper needs.
type RetentionStore interface {
	ListProjects(ctx context.Context) ([]model.Project, error)
	DeleteOlderThan(ctx context.Context, projectID uuid.UUID, cutoff time.Time) (int64, error)
}

// RetentionSweeper runs hourly and deletes occurrences (and the
// error groups that drop to zero remaining occurrences as a result) past
// each project's configured retention window.
type RetentionSweeper struct {
	store RetentionStore
	log   *slog.Logger
	now   func() time.Time
}

func NewRetentionSweeper(store RetentionStore, logger *slog.Logger) *RetentionSweeper {
	return &RetentionSweeper{
		store: store,
		log:   logging.Default(logger).With("component", "schedule.retention"),
		now:   time.Now,
	}
}

// Sweep applies every project's retention window. DeleteOlderThan does
// the batched, idempotent delete itself (store/groups.go); this loop only
// fans out across projects and logs per-project outcomes.
func (r *RetentionSweeper) Sweep(ctx context.Context) {
	projects, err := r.store.ListProjects(ctx)
	if err != nil {
		r.log.Error("list projects for retention sweep failed", "error", err)
		return
	}
	now := r.now()
	for _, p := range projects {
		if p.RetentionDays <= 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(p.RetentionDays) * 24 * time.Hour)
		deleted, err := r.store.DeleteOlderThan(ctx, p.ID, cutoff)
		if err != nil {
			r.log.Error("retention delete failed", "project", p.ID, "error", err)
			continue
		}
		if deleted > 0 {
			r.log.Info("retention swept occurrences", "project", p.ID, "deleted", deleted, "cutoff", cutoff)
		}
	}
}
