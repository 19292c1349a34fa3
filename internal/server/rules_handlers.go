package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/alert"
	"github.com/kluzzebass/errormonitor/internal/apierr"
	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/notify/channels"
	"github.com/kluzzebass/errormonitor/internal/store"
)

func (s *Server) registerRuleRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/alert-rules", s.requireRole(model.RoleViewer, s.handleListRules))
	mux.Handle("POST /api/alert-rules", s.requireRole(model.RoleAdmin, s.handleCreateRule))
	mux.Handle("GET /api/alert-rules/{id}", s.requireRole(model.RoleViewer, s.handleGetRule))
	mux.Handle("PATCH /api/alert-rules/{id}", s.requireRole(model.RoleAdmin, s.handlePatchRule))
	mux.Handle("DELETE /api/alert-rules/{id}", s.requireRole(model.RoleAdmin, s.handleDeleteRule))
	mux.Handle("POST /api/alert-rules/{id}/test", s.requireRole(model.RoleAdmin, s.handleTestRule))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	rules, err := s.store.ListAlertRules(r.Context(), projectID, false)
	if err != nil {
		writeAPIError(w, apierr.PersistenceTransient("list alert rules failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Rules []model.AlertRule `json:"rules"`
	}{Rules: rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	id, e := pathUUID(r, "id")
	if e != nil {
		writeAPIError(w, e, true)
		return
	}
	rule, err := s.store.GetAlertRule(r.Context(), projectID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, apierr.NotFound("alert rule not found"), true)
			return
		}
		writeAPIError(w, apierr.PersistenceTransient("get alert rule failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// ruleRequest is the mutable surface of an AlertRule: everything except
// its identity and its delivery bookkeeping.
type ruleRequest struct {
	Name            *string                `json:"name"`
	Type            *model.RuleType        `json:"type"`
	Enabled         *bool                  `json:"enabled"`
	CooldownMinutes *int                   `json:"cooldownMinutes"`
	Conditions      *model.RuleConditions  `json:"conditions"`
	Environments    *[]string              `json:"environments"`
	Scope           *model.ScopeFilter     `json:"scope"`
	Channels        *[]model.ChannelConfig `json:"channels"`
}

func (req *ruleRequest) apply(rule *model.AlertRule) {
	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Type != nil {
		rule.Type = *req.Type
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.CooldownMinutes != nil {
		rule.CooldownMinutes = *req.CooldownMinutes
	}
	if req.Conditions != nil {
		rule.Conditions = *req.Conditions
	}
	if req.Environments != nil {
		rule.Environments = *req.Environments
	}
	if req.Scope != nil {
		rule.Scope = req.Scope
	}
	if req.Channels != nil {
		rule.Channels = *req.Channels
	}
}

func validRuleType(t model.RuleType) bool {
	switch t {
	case model.RuleThreshold, model.RuleSpike, model.RuleNewError, model.RuleCritical:
		return true
	}
	return false
}

// validateRule checks the cross-field constraints a decoded rule must
// satisfy before it is persisted, returning per-field details.
func validateRule(rule model.AlertRule) *apierr.Error {
	var details []apierr.FieldError
	if rule.Name == "" {
		details = append(details, apierr.FieldError{Field: "name", Reason: "required"})
	}
	if !validRuleType(rule.Type) {
		details = append(details, apierr.FieldError{Field: "type", Reason: "must be one of threshold, spike, new_error, critical"})
	}
	if rule.CooldownMinutes < 0 {
		details = append(details, apierr.FieldError{Field: "cooldownMinutes", Reason: "must be non-negative"})
	}
	switch rule.Type {
	case model.RuleThreshold:
		if rule.Conditions.Threshold <= 0 {
			details = append(details, apierr.FieldError{Field: "conditions.threshold", Reason: "must be positive"})
		}
		if rule.Conditions.WindowMinutes <= 0 {
			details = append(details, apierr.FieldError{Field: "conditions.windowMinutes", Reason: "must be positive"})
		}
	case model.RuleSpike:
		if rule.Conditions.WindowMinutes <= 0 {
			details = append(details, apierr.FieldError{Field: "conditions.windowMinutes", Reason: "must be positive"})
		}
		if rule.Conditions.BaselineMinutes <= 0 {
			details = append(details, apierr.FieldError{Field: "conditions.baselineMinutes", Reason: "must be positive"})
		}
		if rule.Conditions.IncreasePercent <= 0 {
			details = append(details, apierr.FieldError{Field: "conditions.increasePercent", Reason: "must be positive"})
		}
	}
	for _, ch := range rule.Channels {
		if ch.Type == "" {
			details = append(details, apierr.FieldError{Field: "channels", Reason: "channel type is required"})
			break
		}
		if ch.Type != model.ChannelEmail && ch.Target == "" {
			details = append(details, apierr.FieldError{Field: "channels", Reason: "channel target is required"})
			break
		}
	}
	if len(details) > 0 {
		return apierr.Validation("invalid alert rule", details...)
	}
	return nil
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)

	var req ruleRequest
	if e := decodeJSON(r, &req); e != nil {
		writeAPIError(w, e, true)
		return
	}

	rule := model.AlertRule{ID: uuid.New(), ProjectID: projectID, Enabled: true}
	req.apply(&rule)
	if e := validateRule(rule); e != nil {
		writeAPIError(w, e, true)
		return
	}

	if err := s.store.PutAlertRule(r.Context(), rule); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("store alert rule failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handlePatchRule(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	id, e := pathUUID(r, "id")
	if e != nil {
		writeAPIError(w, e, true)
		return
	}

	rule, err := s.store.GetAlertRule(r.Context(), projectID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, apierr.NotFound("alert rule not found"), true)
			return
		}
		writeAPIError(w, apierr.PersistenceTransient("get alert rule failed").Wrap(err), true)
		return
	}

	var req ruleRequest
	if e := decodeJSON(r, &req); e != nil {
		writeAPIError(w, e, true)
		return
	}
	req.apply(&rule)
	if e := validateRule(rule); e != nil {
		writeAPIError(w, e, true)
		return
	}

	if err := s.store.PutAlertRule(r.Context(), rule); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("store alert rule failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	id, e := pathUUID(r, "id")
	if e != nil {
		writeAPIError(w, e, true)
		return
	}
	if _, err := s.store.GetAlertRule(r.Context(), projectID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, apierr.NotFound("alert rule not found"), true)
			return
		}
		writeAPIError(w, apierr.PersistenceTransient("get alert rule failed").Wrap(err), true)
		return
	}
	if err := s.store.DeleteAlertRule(r.Context(), projectID, id); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("delete alert rule failed").Wrap(err), true)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ruleTestRequest describes the synthetic event (and optional pre-cooked
// metrics) a rule is dry-run against. Absent fields default to values
// that let each rule type demonstrate a trigger.
type ruleTestRequest struct {
	Environment   string `json:"environment"`
	Severity      string `json:"severity"`
	UserSegment   string `json:"userSegment"`
	File          string `json:"file"`
	Fingerprint   string `json:"fingerprint"`
	WindowCount   *int64 `json:"windowCount"`
	BaselineCount *int64 `json:"baselineCount"`
	IsNew         *bool  `json:"isNew"`
}

type ruleTestChannelPreview struct {
	Type    model.ChannelType `json:"type"`
	Target  string            `json:"target"`
	Preview channels.Preview  `json:"preview"`
}

// handleTestRule dry-runs a rule against a synthetic event: it evaluates
// the rule and renders a per-channel preview without sending anything.
func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	id, e := pathUUID(r, "id")
	if e != nil {
		writeAPIError(w, e, true)
		return
	}

	rule, err := s.store.GetAlertRule(r.Context(), projectID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, apierr.NotFound("alert rule not found"), true)
			return
		}
		writeAPIError(w, apierr.PersistenceTransient("get alert rule failed").Wrap(err), true)
		return
	}

	var req ruleTestRequest
	if r.ContentLength != 0 {
		if e := decodeJSON(r, &req); e != nil {
			writeAPIError(w, e, true)
			return
		}
	}

	m := testMetrics(rule, req)
	result := alert.Evaluate(rule, m)

	snapshot := model.AlertSnapshot{
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		ProjectID:       rule.ProjectID,
		Fingerprint:     m.Event.Fingerprint,
		Reason:          string(result.Reason),
		Message:         "Test alert for rule " + rule.Name,
		Environment:     m.Event.Environment,
		Severity:        m.Event.Severity,
		OccurrenceCount: m.WindowCount,
		DetectedAt:      time.Now().UTC(),
	}

	previews := make([]ruleTestChannelPreview, 0, len(rule.Channels))
	for _, cfg := range rule.Channels {
		ch, ok := s.channels[cfg.Type]
		if !ok {
			continue
		}
		previews = append(previews, ruleTestChannelPreview{
			Type:    cfg.Type,
			Target:  cfg.Target,
			Preview: ch.Preview(snapshot, cfg.Target, cfg.Options),
		})
	}

	writeJSON(w, http.StatusOK, struct {
		Triggered  bool                     `json:"triggered"`
		Evaluation alert.Result             `json:"evaluation"`
		Alert      model.AlertSnapshot      `json:"alert"`
		Channels   []ruleTestChannelPreview `json:"channels"`
	}{
		Triggered:  result.Triggered,
		Evaluation: result,
		Alert:      snapshot,
		Channels:   previews,
	})
}

// testMetrics builds the synthetic metrics for a dry run. Counts default
// to the rule's own trigger point (threshold) or just past it (spike) so
// an unparameterized test
// shows the rule firing rather than a trivial non-trigger.
func testMetrics(rule model.AlertRule, req ruleTestRequest) alert.Metrics {
	event := alert.EventAttrs{
		Environment: req.Environment,
		Severity:    req.Severity,
		UserSegment: req.UserSegment,
		File:        req.File,
		Fingerprint: req.Fingerprint,
	}
	if event.Environment == "" {
		if len(rule.Environments) > 0 {
			event.Environment = rule.Environments[0]
		} else {
			event.Environment = "production"
		}
	}
	if event.Severity == "" {
		event.Severity = rule.Conditions.Severity
		if event.Severity == "" {
			event.Severity = "critical"
		}
	}
	if event.Fingerprint == "" {
		event.Fingerprint = rule.Conditions.Fingerprint
		if event.Fingerprint == "" {
			event.Fingerprint = "test-fingerprint"
		}
	}

	m := alert.Metrics{Event: event, IsNew: true}
	switch rule.Type {
	case model.RuleThreshold:
		m.WindowCount = rule.Conditions.Threshold
	case model.RuleSpike:
		m.BaselineCount = int64(rule.Conditions.BaselineMinutes)
		baselineRate := float64(m.BaselineCount) / float64(rule.Conditions.BaselineMinutes)
		windowRate := baselineRate * (1 + rule.Conditions.IncreasePercent/100)
		m.WindowCount = int64(windowRate*float64(rule.Conditions.WindowMinutes)) + 1
	}
	if req.WindowCount != nil {
		m.WindowCount = *req.WindowCount
	}
	if req.BaselineCount != nil {
		m.BaselineCount = *req.BaselineCount
	}
	if req.IsNew != nil {
		m.IsNew = *req.IsNew
	}
	return m
}
