package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/model"
)

// CountStore is the slice of the Aggregation Store the snapshot builder
// needs. A narrow interface here keeps this package testable without a
// real SQLite file.
type CountStore interface {
	CountOccurrencesForFingerprintSince(ctx context.Context, projectID uuid.UUID, fingerprint string, from time.Time) (int64, error)
}

// SnapshotBuilder computes Metrics for a single event across every
// enabled rule, memoizing store queries per lookback span (in minutes)
// so N rules sharing a window only pay for one query.
type SnapshotBuilder struct {
	store     CountStore
	projectID uuid.UUID
	event     EventAttrs
	now       time.Time
	isNew     bool

	cache map[snapshotKey]int64
}

type snapshotKey struct {
	minutes int
}

// NewSnapshotBuilder starts a builder for one IngestedEvent. isNew must
// reflect whether this event caused its ErrorGroup to be created.
func NewSnapshotBuilder(store CountStore, projectID uuid.UUID, event EventAttrs, now time.Time, isNew bool) *SnapshotBuilder {
	return &SnapshotBuilder{
		store:     store,
		projectID: projectID,
		event:     event,
		now:       now,
		isNew:     isNew,
		cache:     make(map[snapshotKey]int64),
	}
}

func (b *SnapshotBuilder) countSince(ctx context.Context, minutes int) (int64, error) {
	if minutes <= 0 {
		return 0, nil
	}
	key := snapshotKey{minutes: minutes}
	if n, ok := b.cache[key]; ok {
		return n, nil
	}
	from := b.now.Add(-time.Duration(minutes) * time.Minute)
	n, err := b.store.CountOccurrencesForFingerprintSince(ctx, b.projectID, b.event.Fingerprint, from)
	if err != nil {
		return 0, fmt.Errorf("count occurrences for window %dm: %w", minutes, err)
	}
	b.cache[key] = n
	return n, nil
}

// For computes the Metrics a specific rule needs, reusing cached window
// counts across rules that share the same window size.
func (b *SnapshotBuilder) For(ctx context.Context, rule model.AlertRule) (Metrics, error) {
	m := Metrics{IsNew: b.isNew, Event: b.event}

	switch rule.Type {
	case model.RuleThreshold:
		n, err := b.countSince(ctx, rule.Conditions.WindowMinutes)
		if err != nil {
			return Metrics{}, err
		}
		m.WindowCount = n
	case model.RuleSpike:
		windowCount, err := b.countSince(ctx, rule.Conditions.WindowMinutes)
		if err != nil {
			return Metrics{}, err
		}
		// BaselineMinutes is the length of the prior period just
		// before the current window (typically 6x the window); counting
		// over baseline+window and subtracting the window count keeps the
		// current window out of the baseline.
		totalCount, err := b.countSince(ctx, rule.Conditions.BaselineMinutes+rule.Conditions.WindowMinutes)
		if err != nil {
			return Metrics{}, err
		}
		m.WindowCount = windowCount
		m.BaselineCount = totalCount - windowCount
	case model.RuleNewError, model.RuleCritical:
		// No window counts needed; isNew/severity/fingerprint already set.
	}

	return m, nil
}
