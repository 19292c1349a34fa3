// Package schedule implements the three background cron jobs the server
// runs apart from the request-serving path: the digest flusher, the
// report scheduler, and the retention sweeper. Each is a small runner
// with its own Store slice and a single entry point the gocron-driven
// Scheduler (schedule.go) calls on a cadence.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/logging"
	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/notify/channels"
)

// DigestStore is the slice of the Aggregation Store the flusher needs.
type DigestStore interface {
	ListProjects(ctx context.Context) ([]model.Project, error)
	ListTeamMembers(ctx context.Context, projectID uuid.UUID, activeOnly bool) ([]model.TeamMember, error)
	PendingDigestEntries(ctx context.Context, memberID uuid.UUID) ([]model.DigestEntry, error)
	MarkDigestEntriesProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error
	PutTeamMember(ctx context.Context, m model.TeamMember) error
}

// DigestSender composes and sends one digest email covering every pending
// alert for a member, grouped by rule name, matching
// channels.Email.SendDigest's signature.
type DigestSender interface {
	SendDigest(ctx context.Context, target string, entriesByRule map[string][]model.AlertSnapshot) (channels.SendOutcome, error)
}

// DigestFlusher runs on a cadence (default 15 min) and batches each
// member's pending entries into one email: digest-mode members flush once
// their configured cadence has elapsed since the last send, and
// immediate-mode members flush whatever quiet hours deferred as soon as
// the window ends.
type DigestFlusher struct {
	store  DigestStore
	sender DigestSender
	log    *slog.Logger
	now    func() time.Time
}

func NewDigestFlusher(store DigestStore, sender DigestSender, logger *slog.Logger) *DigestFlusher {
	return &DigestFlusher{
		store:  store,
		sender: sender,
		log:    logging.Default(logger).With("component", "schedule.digest"),
		now:    time.Now,
	}
}

// cadenceDuration maps a member's configured digest cadence to a window.
func cadenceDuration(c model.DigestCadence) time.Duration {
	switch c {
	case model.CadenceWeekly:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Flush runs one pass over every project and every active member,
// flushing any member who is due and outside quiet hours and has pending
// entries.
func (f *DigestFlusher) Flush(ctx context.Context) {
	projects, err := f.store.ListProjects(ctx)
	if err != nil {
		f.log.Error("list projects for digest flush failed", "error", err)
		return
	}
	for _, p := range projects {
		f.flushProject(ctx, p.ID)
	}
}

func (f *DigestFlusher) flushProject(ctx context.Context, projectID uuid.UUID) {
	members, err := f.store.ListTeamMembers(ctx, projectID, true)
	if err != nil {
		f.log.Error("list team members for digest flush failed", "project", projectID, "error", err)
		return
	}
	now := f.now()
	for _, m := range members {
		prefs := m.Preferences.Email
		// The cadence window gates digest-mode members only. Immediate-mode
		// members still accumulate entries while inside quiet hours (the
		// dispatcher defers for them too), and those flush as soon as the
		// window ends; flushMember is a no-op when nothing is pending.
		if prefs.Mode == model.ModeDigest &&
			!prefs.LastSentAt.IsZero() && now.Before(prefs.LastSentAt.Add(cadenceDuration(prefs.Cadence))) {
			continue
		}
		if inQuietHours(prefs.QuietHours, now) {
			continue
		}
		f.flushMember(ctx, m, now)
	}
}

func (f *DigestFlusher) flushMember(ctx context.Context, m model.TeamMember, now time.Time) {
	entries, err := f.store.PendingDigestEntries(ctx, m.ID)
	if err != nil {
		f.log.Error("list pending digest entries failed", "member", m.ID, "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	byRule := make(map[string][]model.AlertSnapshot)
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		byRule[e.Alert.RuleName] = append(byRule[e.Alert.RuleName], e.Alert)
		ids = append(ids, e.ID)
	}

	outcome, err := f.sender.SendDigest(ctx, m.Email, byRule)
	if err != nil || !outcome.Accepted {
		if outcome.Retryable {
			f.log.Warn("digest send failed, will retry next cycle", "member", m.ID, "error", err)
			return
		}
		f.log.Error("digest send permanently failed, leaving entries pending", "member", m.ID, "error", err)
		return
	}

	if err := f.store.MarkDigestEntriesProcessed(ctx, ids, now); err != nil {
		f.log.Error("mark digest entries processed failed", "member", m.ID, "error", err)
		return
	}

	m.Preferences.Email.LastSentAt = now
	if err := f.store.PutTeamMember(ctx, m); err != nil {
		f.log.Error("update member digest lastSentAt failed", "member", m.ID, "error", err)
	}
}

// inQuietHours mirrors notify.Dispatcher's member-timezone quiet-hours
// check; duplicated here (rather than exported from notify) since the
// flusher has no other dependency on the notify package and the check is
// short.
func inQuietHours(qh model.QuietHours, now time.Time) bool {
	if !qh.Enabled {
		return false
	}
	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	start, ok1 := parseHHMM(qh.Start)
	end, ok2 := parseHHMM(qh.End)
	if !ok1 || !ok2 || start == end {
		return false
	}
	if start < end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func parseHHMM(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
