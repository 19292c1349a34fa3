package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/auth"
	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/notify/channels"
	"github.com/kluzzebass/errormonitor/internal/store"
)

// testEnv bundles a server, its store, and a bearer token per role for
// one project.
type testEnv struct {
	srv       *Server
	store     *store.Store
	handler   http.Handler
	projectID uuid.UUID
	tokens    map[model.Role]string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ts := auth.NewTokenService([]byte("test-secret"), time.Hour)
	srv := New(Config{
		Store:  st,
		Tokens: ts,
		Channels: []channels.Channel{
			channels.NewSlack(),
			channels.NewWebhook(model.ChannelWebhook),
		},
		Renderer: NewRenderer(st, nil, t.TempDir()),
	})

	projectID := uuid.New()
	if err := st.PutProject(t.Context(), model.Project{
		ID: projectID, Name: "test", Status: model.ProjectActive,
		APIKeyHash: "hash-" + projectID.String(), APIKeyPreview: "abcdef",
		RetentionDays: 90, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PutProject: %v", err)
	}

	env := &testEnv{
		srv:       srv,
		store:     st,
		handler:   srv.buildMux(),
		projectID: projectID,
		tokens:    make(map[model.Role]string),
	}
	for _, role := range []model.Role{model.RoleViewer, model.RoleDeveloper, model.RoleAdmin} {
		userID := uuid.New()
		if err := st.PutUser(t.Context(), model.User{
			ID: userID, Email: string(role) + "@example.com", PasswordHash: "x", CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
		if err := st.PutMembership(t.Context(), model.Membership{
			UserID: userID, ProjectID: projectID, Role: role,
		}); err != nil {
			t.Fatalf("PutMembership: %v", err)
		}
		token, _, err := ts.Issue(userID)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		env.tokens[role] = token
	}
	return env
}

func (env *testEnv) request(t *testing.T, role model.Role, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+env.tokens[role])
		req.Header.Set("X-Project-Id", env.projectID.String())
	}
	if body != nil {
		req.ContentLength = int64(buf.Len())
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
	return v
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/health", "/health/db"} {
		rec := env.request(t, "", http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
	// No ingestion gateway wired in this test server.
	rec := env.request(t, "", http.MethodGet, "/health/cache", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/cache: expected 503 without a gateway, got %d", rec.Code)
	}
}

func TestRuleCRUDRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]any{
		"name": "too many errors", "type": "threshold",
		"conditions": map[string]any{"threshold": 3, "windowMinutes": 5},
	}

	rec := env.request(t, model.RoleDeveloper, http.MethodPost, "/api/alert-rules", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for developer rule create, got %d", rec.Code)
	}

	rec = env.request(t, model.RoleAdmin, http.MethodPost, "/api/alert-rules", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[model.AlertRule](t, rec)
	if created.Type != model.RuleThreshold || !created.Enabled {
		t.Fatalf("unexpected created rule: %+v", created)
	}

	rec = env.request(t, model.RoleViewer, http.MethodGet, "/api/alert-rules", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing rules as viewer, got %d", rec.Code)
	}
	list := decodeBody[struct {
		Rules []model.AlertRule `json:"rules"`
	}](t, rec)
	if len(list.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(list.Rules))
	}

	rec = env.request(t, model.RoleAdmin, http.MethodPatch, "/api/alert-rules/"+created.ID.String(),
		map[string]any{"enabled": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 patching rule, got %d: %s", rec.Code, rec.Body.String())
	}
	patched := decodeBody[model.AlertRule](t, rec)
	if patched.Enabled {
		t.Fatal("expected rule to be disabled after patch")
	}

	rec = env.request(t, model.RoleAdmin, http.MethodDelete, "/api/alert-rules/"+created.ID.String(), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 deleting rule, got %d", rec.Code)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, model.RoleAdmin, http.MethodPost, "/api/alert-rules", map[string]any{
		"name": "", "type": "bogus",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var env422 struct {
		Error struct {
			Message string `json:"message"`
			Details []struct {
				Field string `json:"field"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env422); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if len(env422.Error.Details) < 2 {
		t.Fatalf("expected per-field details, got %+v", env422.Error)
	}
}

func TestRuleTestEndpointPreviewsWithoutSending(t *testing.T) {
	env := newTestEnv(t)

	rule := model.AlertRule{
		ID: uuid.New(), ProjectID: env.projectID, Name: "critical watch",
		Type: model.RuleCritical, Enabled: true, CooldownMinutes: 30,
		Channels: []model.ChannelConfig{
			{Type: model.ChannelSlack, Target: "https://hooks.slack.example/T000"},
			{Type: model.ChannelWebhook, Target: "https://example.com/hook"},
		},
	}
	if err := env.store.PutAlertRule(t.Context(), rule); err != nil {
		t.Fatalf("PutAlertRule: %v", err)
	}

	rec := env.request(t, model.RoleViewer, http.MethodPost, "/api/alert-rules/"+rule.ID.String()+"/test", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer rule test, got %d", rec.Code)
	}

	rec = env.request(t, model.RoleAdmin, http.MethodPost, "/api/alert-rules/"+rule.ID.String()+"/test", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[struct {
		Triggered bool `json:"triggered"`
		Channels  []struct {
			Type    model.ChannelType `json:"type"`
			Preview channels.Preview  `json:"preview"`
		} `json:"channels"`
	}](t, rec)
	if !resp.Triggered {
		t.Fatal("expected default synthetic event to trigger a critical rule")
	}
	if len(resp.Channels) != 2 {
		t.Fatalf("expected 2 channel previews, got %d", len(resp.Channels))
	}
	for _, ch := range resp.Channels {
		if ch.Preview.Message == "" && ch.Preview.Text == "" && ch.Preview.Body == "" {
			t.Errorf("channel %s: expected a rendered preview", ch.Type)
		}
	}
}

func TestTeamMemberCRUD(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, model.RoleAdmin, http.MethodPost, "/api/team/members", map[string]any{
		"name": "Ada", "email": "ada@example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	member := decodeBody[model.TeamMember](t, rec)
	if member.Preferences.Email.Mode != model.ModeImmediate {
		t.Fatalf("expected default immediate mode, got %q", member.Preferences.Email.Mode)
	}

	rec = env.request(t, model.RoleDeveloper, http.MethodPatch, "/api/team/members/"+member.ID.String(),
		map[string]any{"active": false})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for developer member patch, got %d", rec.Code)
	}

	rec = env.request(t, model.RoleAdmin, http.MethodPatch, "/api/team/members/"+member.ID.String(),
		map[string]any{"alertPreferences": map[string]any{"email": map[string]any{
			"mode": "digest", "digestCadence": "weekly",
			"quietHours": map[string]any{"enabled": true, "start": "22:00", "end": "07:00", "timezone": "UTC"},
		}}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	patched := decodeBody[model.TeamMember](t, rec)
	if patched.Preferences.Email.Cadence != model.CadenceWeekly || !patched.Preferences.Email.QuietHours.Enabled {
		t.Fatalf("expected digest preferences applied, got %+v", patched.Preferences.Email)
	}

	rec = env.request(t, model.RoleViewer, http.MethodGet, "/api/team/performance?range=7d", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for performance, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReportScheduleLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, model.RoleDeveloper, http.MethodPost, "/api/reports/schedules", map[string]any{
		"cadence": "weekly", "weekday": 1, "hourUTC": 8, "minuteUTC": 0,
		"recipients": []string{"team@example.com"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	sched := decodeBody[model.ReportSchedule](t, rec)
	if sched.NextRunAt.IsZero() {
		t.Fatal("expected nextRunAt to be computed on create")
	}
	if sched.NextRunAt.Weekday() != time.Monday {
		t.Fatalf("expected a Monday fire time, got %s", sched.NextRunAt.Weekday())
	}

	rec = env.request(t, model.RoleDeveloper, http.MethodPost, "/api/reports/schedules/"+sched.ID.String()+"/run", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for run-now, got %d: %s", rec.Code, rec.Body.String())
	}
	run := decodeBody[model.ReportRun](t, rec)
	if run.Status != model.RunSuccess {
		t.Fatalf("expected success run, got %+v", run)
	}

	rec = env.request(t, model.RoleViewer, http.MethodGet, "/api/reports/runs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing runs, got %d", rec.Code)
	}
	runs := decodeBody[struct {
		Runs []model.ReportRun `json:"runs"`
	}](t, rec)
	if len(runs.Runs) != 1 {
		t.Fatalf("expected exactly one run row after pending+final upsert, got %d", len(runs.Runs))
	}

	rec = env.request(t, model.RoleDeveloper, http.MethodDelete, "/api/reports/schedules/"+sched.ID.String(), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for developer schedule delete, got %d", rec.Code)
	}
	rec = env.request(t, model.RoleAdmin, http.MethodDelete, "/api/reports/schedules/"+sched.ID.String(), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestShareTokenRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, model.RoleDeveloper, http.MethodPost, "/api/reports/generate", map[string]any{})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 generating report, got %d: %s", rec.Code, rec.Body.String())
	}
	run := decodeBody[model.ReportRun](t, rec)

	rec = env.request(t, model.RoleDeveloper, http.MethodPost, "/api/reports/runs/"+run.ID.String()+"/share", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 sharing run, got %d: %s", rec.Code, rec.Body.String())
	}
	share := decodeBody[struct {
		ShareToken string    `json:"shareToken"`
		ExpiresAt  time.Time `json:"expiresAt"`
	}](t, rec)
	if share.ShareToken == "" || !share.ExpiresAt.After(time.Now()) {
		t.Fatalf("unexpected share response: %+v", share)
	}

	// The public link works without any credentials.
	req := httptest.NewRequest(http.MethodGet, "/api/reports/share/"+share.ShareToken, nil)
	pub := httptest.NewRecorder()
	env.handler.ServeHTTP(pub, req)
	if pub.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid share token, got %d: %s", pub.Code, pub.Body.String())
	}

	// An unknown token is a plain 404.
	req = httptest.NewRequest(http.MethodGet, "/api/reports/share/doesnotexist", nil)
	pub = httptest.NewRecorder()
	env.handler.ServeHTTP(pub, req)
	if pub.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown share token, got %d", pub.Code)
	}
}

func TestCrossTenantRunLookupIs404(t *testing.T) {
	env := newTestEnv(t)

	otherProject := uuid.New()
	if err := env.store.PutProject(t.Context(), model.Project{
		ID: otherProject, Name: "other", Status: model.ProjectActive,
		APIKeyHash: "hash-" + otherProject.String(), APIKeyPreview: "zzzzzz",
		RetentionDays: 90, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PutProject: %v", err)
	}
	foreignRun := model.ReportRun{
		ID: uuid.New(), ProjectID: otherProject, Status: model.RunSuccess,
		CreatedAt: time.Now().UTC(), CompletedAt: time.Now().UTC(),
	}
	if err := env.store.InsertReportRun(t.Context(), foreignRun); err != nil {
		t.Fatalf("InsertReportRun: %v", err)
	}

	rec := env.request(t, model.RoleAdmin, http.MethodGet, "/api/reports/runs/"+foreignRun.ID.String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another tenant's run, got %d", rec.Code)
	}
}
