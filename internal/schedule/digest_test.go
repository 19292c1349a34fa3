package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/notify/channels"
)

type fakeDigestStore struct {
	projects   []model.Project
	members    map[uuid.UUID][]model.TeamMember
	pending    map[uuid.UUID][]model.DigestEntry
	marked     []uuid.UUID
	putMembers []model.TeamMember
}

func (f *fakeDigestStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	return f.projects, nil
}

func (f *fakeDigestStore) ListTeamMembers(ctx context.Context, projectID uuid.UUID, activeOnly bool) ([]model.TeamMember, error) {
	return f.members[projectID], nil
}

func (f *fakeDigestStore) PendingDigestEntries(ctx context.Context, memberID uuid.UUID) ([]model.DigestEntry, error) {
	return f.pending[memberID], nil
}

func (f *fakeDigestStore) MarkDigestEntriesProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	f.marked = append(f.marked, ids...)
	return nil
}

func (f *fakeDigestStore) PutTeamMember(ctx context.Context, m model.TeamMember) error {
	f.putMembers = append(f.putMembers, m)
	for pid, members := range f.members {
		for i, existing := range members {
			if existing.ID == m.ID {
				f.members[pid][i] = m
			}
		}
	}
	return nil
}

type fakeDigestSender struct {
	calls int
	fail  bool
}

func (f *fakeDigestSender) SendDigest(ctx context.Context, target string, entriesByRule map[string][]model.AlertSnapshot) (channels.SendOutcome, error) {
	f.calls++
	if f.fail {
		return channels.SendOutcome{Accepted: false, Retryable: true}, nil
	}
	return channels.SendOutcome{Accepted: true}, nil
}

func TestDigestFlusherFlushesDueMember(t *testing.T) {
	project := uuid.New()
	member := model.TeamMember{
		ID: uuid.New(), ProjectID: project, Email: "a@example.com",
		Active: true,
		Preferences: model.AlertPreferences{Email: model.EmailPreferences{
			Mode: model.ModeDigest, Cadence: model.CadenceDaily,
		}},
	}
	store := &fakeDigestStore{
		projects: []model.Project{{ID: project}},
		members:  map[uuid.UUID][]model.TeamMember{project: {member}},
		pending: map[uuid.UUID][]model.DigestEntry{
			member.ID: {{ID: uuid.New(), MemberID: member.ID, Alert: model.AlertSnapshot{RuleName: "spike"}, CreatedAt: time.Now()}},
		},
	}
	sender := &fakeDigestSender{}
	f := NewDigestFlusher(store, sender, nil)
	f.now = func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) }

	f.Flush(context.Background())

	if sender.calls != 1 {
		t.Fatalf("expected 1 digest send, got %d", sender.calls)
	}
	if len(store.marked) != 1 {
		t.Fatalf("expected 1 entry marked processed, got %d", len(store.marked))
	}
	if len(store.putMembers) != 1 || store.putMembers[0].Preferences.Email.LastSentAt.IsZero() {
		t.Fatalf("expected member's lastSentAt to be updated")
	}
}

func TestDigestFlusherSkipsBeforeCadenceElapsed(t *testing.T) {
	project := uuid.New()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	member := model.TeamMember{
		ID: uuid.New(), ProjectID: project, Email: "a@example.com", Active: true,
		Preferences: model.AlertPreferences{Email: model.EmailPreferences{
			Mode: model.ModeDigest, Cadence: model.CadenceDaily, LastSentAt: now.Add(-1 * time.Hour),
		}},
	}
	store := &fakeDigestStore{
		projects: []model.Project{{ID: project}},
		members:  map[uuid.UUID][]model.TeamMember{project: {member}},
		pending: map[uuid.UUID][]model.DigestEntry{
			member.ID: {{ID: uuid.New(), MemberID: member.ID, Alert: model.AlertSnapshot{RuleName: "spike"}, CreatedAt: now}},
		},
	}
	sender := &fakeDigestSender{}
	f := NewDigestFlusher(store, sender, nil)
	f.now = func() time.Time { return now }

	f.Flush(context.Background())

	if sender.calls != 0 {
		t.Fatalf("expected digest to be held until cadence elapses, got %d sends", sender.calls)
	}
}

func TestDigestFlusherLeavesEntriesPendingOnSendFailure(t *testing.T) {
	project := uuid.New()
	member := model.TeamMember{
		ID: uuid.New(), ProjectID: project, Email: "a@example.com", Active: true,
		Preferences: model.AlertPreferences{Email: model.EmailPreferences{Mode: model.ModeDigest, Cadence: model.CadenceDaily}},
	}
	store := &fakeDigestStore{
		projects: []model.Project{{ID: project}},
		members:  map[uuid.UUID][]model.TeamMember{project: {member}},
		pending: map[uuid.UUID][]model.DigestEntry{
			member.ID: {{ID: uuid.New(), MemberID: member.ID, Alert: model.AlertSnapshot{RuleName: "spike"}, CreatedAt: time.Now()}},
		},
	}
	sender := &fakeDigestSender{fail: true}
	f := NewDigestFlusher(store, sender, nil)

	f.Flush(context.Background())

	if len(store.marked) != 0 {
		t.Fatalf("expected no entries marked processed on send failure, got %d", len(store.marked))
	}
}

func TestDigestFlusherSkipsImmediateMemberWithNothingPending(t *testing.T) {
	project := uuid.New()
	member := model.TeamMember{
		ID: uuid.New(), ProjectID: project, Email: "a@example.com", Active: true,
		Preferences: model.AlertPreferences{Email: model.EmailPreferences{Mode: model.ModeImmediate}},
	}
	store := &fakeDigestStore{
		projects: []model.Project{{ID: project}},
		members:  map[uuid.UUID][]model.TeamMember{project: {member}},
	}
	sender := &fakeDigestSender{}
	f := NewDigestFlusher(store, sender, nil)

	f.Flush(context.Background())

	if sender.calls != 0 {
		t.Fatalf("expected no send for an immediate-mode member with no queued entries, got %d", sender.calls)
	}
}

// An immediate-mode member whose alert was deferred during quiet hours
// gets it delivered by the first flush after the window ends, exactly
// once; a flush while the window is still open holds it.
func TestDigestFlusherDeliversQuietHoursDeferralsForImmediateMember(t *testing.T) {
	project := uuid.New()
	member := model.TeamMember{
		ID: uuid.New(), ProjectID: project, Email: "a@example.com", Active: true,
		Preferences: model.AlertPreferences{Email: model.EmailPreferences{
			Mode: model.ModeImmediate,
			QuietHours: model.QuietHours{
				Enabled: true, Start: "22:00", End: "07:00", Timezone: "UTC",
			},
		}},
	}
	store := &fakeDigestStore{
		projects: []model.Project{{ID: project}},
		members:  map[uuid.UUID][]model.TeamMember{project: {member}},
		pending: map[uuid.UUID][]model.DigestEntry{
			member.ID: {{
				ID: uuid.New(), MemberID: member.ID,
				Alert:     model.AlertSnapshot{RuleName: "threshold"},
				CreatedAt: time.Date(2026, 7, 30, 23, 30, 0, 0, time.UTC),
			}},
		},
	}
	sender := &fakeDigestSender{}
	f := NewDigestFlusher(store, sender, nil)

	// Still inside the quiet window: nothing goes out.
	f.now = func() time.Time { return time.Date(2026, 7, 31, 6, 30, 0, 0, time.UTC) }
	f.Flush(context.Background())
	if sender.calls != 0 {
		t.Fatalf("expected deferral to hold during quiet hours, got %d sends", sender.calls)
	}

	// First flush after 07:00 sends exactly once and marks it processed.
	f.now = func() time.Time { return time.Date(2026, 7, 31, 7, 15, 0, 0, time.UTC) }
	f.Flush(context.Background())
	if sender.calls != 1 {
		t.Fatalf("expected exactly 1 send after quiet hours end, got %d", sender.calls)
	}
	if len(store.marked) != 1 {
		t.Fatalf("expected the deferred entry to be marked processed, got %d", len(store.marked))
	}
}
