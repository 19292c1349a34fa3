package notify

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/notify/channels"
)

type fakeStore struct {
	states  map[string]model.NotificationState
	members map[uuid.UUID][]model.TeamMember
	digest  []model.DigestEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:  make(map[string]model.NotificationState),
		members: make(map[uuid.UUID][]model.TeamMember),
	}
}

func (f *fakeStore) GetNotificationState(ctx context.Context, kind model.NotificationStateKind, key string) (model.NotificationState, error) {
	if st, ok := f.states[string(kind)+key]; ok {
		return st, nil
	}
	return model.NotificationState{Kind: kind, Key: key}, nil
}

func (f *fakeStore) PutNotificationState(ctx context.Context, st model.NotificationState) error {
	f.states[string(st.Kind)+st.Key] = st
	return nil
}

func (f *fakeStore) ListTeamMembers(ctx context.Context, projectID uuid.UUID, activeOnly bool) ([]model.TeamMember, error) {
	return f.members[projectID], nil
}

func (f *fakeStore) EnqueueDigestEntry(ctx context.Context, e model.DigestEntry) error {
	f.digest = append(f.digest, e)
	return nil
}

func (f *fakeStore) RecentDeployments(ctx context.Context, projectID uuid.UUID, since time.Time) ([]model.Deployment, error) {
	return nil, nil
}

type fakeChannel struct {
	typ        model.ChannelType
	sendCalls  int
	failTimes  int
	retryable  bool
	lastTarget string
}

func (f *fakeChannel) Type() model.ChannelType { return f.typ }

func (f *fakeChannel) Preview(alert model.AlertSnapshot, target string, options map[string]string) channels.Preview {
	return channels.Preview{Text: alert.RuleName}
}

func (f *fakeChannel) Send(ctx context.Context, alert model.AlertSnapshot, target string, options map[string]string) (channels.SendOutcome, error) {
	f.sendCalls++
	f.lastTarget = target
	if f.sendCalls <= f.failTimes {
		return channels.SendOutcome{Accepted: false, Retryable: f.retryable}, errTransient
	}
	return channels.SendOutcome{Accepted: true}, nil
}

var errTransient = errTransientType{}

type errTransientType struct{}

func (errTransientType) Error() string { return "transient failure" }

func sampleRule(channelCfgs ...model.ChannelConfig) model.AlertRule {
	return model.AlertRule{
		ID:              uuid.New(),
		ProjectID:       uuid.New(),
		Name:            "error rate spike",
		Type:            model.RuleThreshold,
		Enabled:         true,
		CooldownMinutes: 30,
		Channels:        channelCfgs,
	}
}

func sampleSnapshot() model.AlertSnapshot {
	return model.AlertSnapshot{
		Fingerprint: "fp1",
		Environment: "production",
		Severity:    "critical",
		DetectedAt:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDispatchSendsImmediatelyWithNoCooldown(t *testing.T) {
	store := newFakeStore()
	ch := &fakeChannel{typ: model.ChannelSlack}
	d := NewDispatcher(store, []channels.Channel{ch}, nil)

	rule := sampleRule(model.ChannelConfig{Type: model.ChannelSlack, Target: "https://hooks.example.com/x"})
	res, err := d.Dispatch(context.Background(), rule, sampleSnapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Suppressed {
		t.Fatal("expected the first dispatch to not be suppressed")
	}
	if ch.sendCalls != 1 {
		t.Fatalf("expected exactly one send call, got %d", ch.sendCalls)
	}
}

func TestDispatchSuppressesWithinCooldown(t *testing.T) {
	store := newFakeStore()
	ch := &fakeChannel{typ: model.ChannelSlack}
	d := NewDispatcher(store, []channels.Channel{ch}, nil)
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	rule := sampleRule(model.ChannelConfig{Type: model.ChannelSlack, Target: "https://hooks.example.com/x"})

	if _, err := d.Dispatch(context.Background(), rule, sampleSnapshot()); err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}
	d.now = func() time.Time { return fixed.Add(5 * time.Minute) }

	res, err := d.Dispatch(context.Background(), rule, sampleSnapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Suppressed {
		t.Fatal("expected the second dispatch within the cooldown window to be suppressed")
	}
	if ch.sendCalls != 1 {
		t.Fatalf("expected the channel to be called exactly once across both dispatches, got %d", ch.sendCalls)
	}
}

func TestDispatchFiresAgainAfterCooldownExpires(t *testing.T) {
	store := newFakeStore()
	ch := &fakeChannel{typ: model.ChannelSlack}
	d := NewDispatcher(store, []channels.Channel{ch}, nil)
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	rule := sampleRule(model.ChannelConfig{Type: model.ChannelSlack, Target: "https://hooks.example.com/x"})
	if _, err := d.Dispatch(context.Background(), rule, sampleSnapshot()); err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}

	d.now = func() time.Time { return fixed.Add(31 * time.Minute) }
	res, err := d.Dispatch(context.Background(), rule, sampleSnapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Suppressed {
		t.Fatal("expected the dispatch after cooldown expiry to fire")
	}
	if ch.sendCalls != 2 {
		t.Fatalf("expected two send calls total, got %d", ch.sendCalls)
	}
}

func TestDispatchEmailQueuesDuringQuietHours(t *testing.T) {
	store := newFakeStore()
	emailCh := &fakeChannel{typ: model.ChannelEmail}
	d := NewDispatcher(store, []channels.Channel{emailCh}, nil)
	// 23:00 UTC, inside a 22:00-07:00 quiet window.
	fixed := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	rule := sampleRule(model.ChannelConfig{Type: model.ChannelEmail})
	member := model.TeamMember{
		ID: uuid.New(), ProjectID: rule.ProjectID, Email: "dev@example.com", Active: true,
		Preferences: model.AlertPreferences{Email: model.EmailPreferences{
			Mode:       model.ModeImmediate,
			QuietHours: model.QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "UTC"},
		}},
	}
	store.members[rule.ProjectID] = []model.TeamMember{member}

	res, err := d.Dispatch(context.Background(), rule, sampleSnapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.QueuedForDigest) != 1 {
		t.Fatalf("expected one member queued for digest, got %d", len(res.QueuedForDigest))
	}
	if emailCh.sendCalls != 0 {
		t.Fatalf("expected no immediate email send during quiet hours, got %d calls", emailCh.sendCalls)
	}
	if len(store.digest) != 1 {
		t.Fatalf("expected one digest entry enqueued, got %d", len(store.digest))
	}
}

func TestDispatchEmailSendsImmediatelyOutsideQuietHours(t *testing.T) {
	store := newFakeStore()
	emailCh := &fakeChannel{typ: model.ChannelEmail}
	d := NewDispatcher(store, []channels.Channel{emailCh}, nil)
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	rule := sampleRule(model.ChannelConfig{Type: model.ChannelEmail})
	member := model.TeamMember{
		ID: uuid.New(), ProjectID: rule.ProjectID, Email: "dev@example.com", Active: true,
		Preferences: model.AlertPreferences{Email: model.EmailPreferences{
			Mode:       model.ModeImmediate,
			QuietHours: model.QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "UTC"},
		}},
	}
	store.members[rule.ProjectID] = []model.TeamMember{member}

	res, err := d.Dispatch(context.Background(), rule, sampleSnapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Immediate) != 1 {
		t.Fatalf("expected one immediate send, got %d", len(res.Immediate))
	}
	if emailCh.sendCalls != 1 {
		t.Fatalf("expected exactly one send call, got %d", emailCh.sendCalls)
	}
}

func TestDispatchEmailDigestModeAlwaysQueues(t *testing.T) {
	store := newFakeStore()
	emailCh := &fakeChannel{typ: model.ChannelEmail}
	d := NewDispatcher(store, []channels.Channel{emailCh}, nil)
	d.now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }

	rule := sampleRule(model.ChannelConfig{Type: model.ChannelEmail})
	member := model.TeamMember{
		ID: uuid.New(), ProjectID: rule.ProjectID, Email: "dev@example.com", Active: true,
		Preferences: model.AlertPreferences{Email: model.EmailPreferences{Mode: model.ModeDigest}},
	}
	store.members[rule.ProjectID] = []model.TeamMember{member}

	res, err := d.Dispatch(context.Background(), rule, sampleSnapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.QueuedForDigest) != 1 || len(res.Immediate) != 0 {
		t.Fatalf("expected digest-mode member to always be queued, got immediate=%v digest=%v", res.Immediate, res.QueuedForDigest)
	}
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	store := newFakeStore()
	ch := &fakeChannel{typ: model.ChannelWebhook, failTimes: 2, retryable: true}
	d := NewDispatcher(store, []channels.Channel{ch}, nil)
	// The backoff is not injectable, so this test waits through two real
	// backoffs (500ms, then 1s) before the third attempt succeeds.
	rule := sampleRule(model.ChannelConfig{Type: model.ChannelWebhook, Target: "https://example.com/hook"})

	res, err := d.Dispatch(context.Background(), rule, sampleSnapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.sendCalls != 3 {
		t.Fatalf("expected 2 failures then a success (3 calls), got %d", ch.sendCalls)
	}
	if len(res.Channels) != 1 || !res.Channels[0].Accepted {
		t.Fatalf("expected the channel result to report accepted after retry, got %+v", res.Channels)
	}
}

func TestDispatchGivesUpAfterPermanentFailure(t *testing.T) {
	store := newFakeStore()
	ch := &fakeChannel{typ: model.ChannelWebhook, failTimes: 1, retryable: false}
	d := NewDispatcher(store, []channels.Channel{ch}, nil)
	rule := sampleRule(model.ChannelConfig{Type: model.ChannelWebhook, Target: "https://example.com/hook"})

	res, err := d.Dispatch(context.Background(), rule, sampleSnapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.sendCalls != 1 {
		t.Fatalf("expected no retry for a non-retryable failure, got %d calls", ch.sendCalls)
	}
	if len(res.Channels) != 1 || res.Channels[0].Err == nil {
		t.Fatalf("expected the channel result to carry the permanent error, got %+v", res.Channels)
	}
}

func TestDispatchUnconfiguredChannelTypeRecordsError(t *testing.T) {
	store := newFakeStore()
	d := NewDispatcher(store, nil, nil)
	rule := sampleRule(model.ChannelConfig{Type: model.ChannelSlack, Target: "https://hooks.example.com/x"})

	res, err := d.Dispatch(context.Background(), rule, sampleSnapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Channels) != 1 || res.Channels[0].Err == nil {
		t.Fatalf("expected an error result for an unconfigured channel type, got %+v", res.Channels)
	}
}

func TestInQuietHoursHandlesOvernightWrap(t *testing.T) {
	qh := model.QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "UTC"}
	cases := []struct {
		hour, minute int
		want         bool
	}{
		{23, 0, true},
		{3, 0, true},
		{12, 0, false},
		{7, 0, false},
		{22, 0, true},
	}
	for _, c := range cases {
		now := time.Date(2026, 1, 1, c.hour, c.minute, 0, 0, time.UTC)
		if got := inQuietHours(qh, now); got != c.want {
			t.Errorf("inQuietHours at %02d:%02d = %v, want %v", c.hour, c.minute, got, c.want)
		}
	}
}

func TestInQuietHoursDisabledNeverMatches(t *testing.T) {
	qh := model.QuietHours{Enabled: false, Start: "22:00", End: "07:00"}
	if inQuietHours(qh, time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)) {
		t.Fatal("expected a disabled quiet-hours window to never match")
	}
}
