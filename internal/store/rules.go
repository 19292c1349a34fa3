package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/model"
)

// PutAlertRule inserts or updates a rule by ID.
func (s *Store) PutAlertRule(ctx context.Context, r model.AlertRule) error {
	envs, err := json.Marshal(r.Environments)
	if err != nil {
		return fmt.Errorf("marshal rule environments: %w", err)
	}
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("marshal rule conditions: %w", err)
	}
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return fmt.Errorf("marshal rule channels: %w", err)
	}
	var scope sql.NullString
	if r.Scope != nil {
		encoded, err := json.Marshal(r.Scope)
		if err != nil {
			return fmt.Errorf("marshal rule scope: %w", err)
		}
		scope = sql.NullString{String: string(encoded), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, project_id, name, type, enabled, cooldown_minutes, conditions, environments, scope, channels, last_error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			enabled = excluded.enabled,
			cooldown_minutes = excluded.cooldown_minutes,
			conditions = excluded.conditions,
			environments = excluded.environments,
			scope = excluded.scope,
			channels = excluded.channels,
			last_error_message = excluded.last_error_message
	`, r.ID.String(), r.ProjectID.String(), r.Name, string(r.Type), boolToInt(r.Enabled), r.CooldownMinutes,
		string(conditions), string(envs), scope, string(channels), r.LastErrorMessage)
	if err != nil {
		return fmt.Errorf("put alert rule %s: %w", r.ID, err)
	}
	return nil
}

const alertRuleColumns = "id, project_id, name, type, enabled, cooldown_minutes, conditions, environments, scope, channels, last_error_message"

func scanAlertRule(row interface{ Scan(...any) error }) (model.AlertRule, error) {
	var r model.AlertRule
	var id, projectID, ruleType string
	var enabled int
	var conditions, envs, channels string
	var scope sql.NullString
	err := row.Scan(&id, &projectID, &r.Name, &ruleType, &enabled, &r.CooldownMinutes,
		&conditions, &envs, &scope, &channels, &r.LastErrorMessage)
	if err != nil {
		return model.AlertRule{}, err
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return model.AlertRule{}, fmt.Errorf("parse alert rule id: %w", err)
	}
	if r.ProjectID, err = uuid.Parse(projectID); err != nil {
		return model.AlertRule{}, fmt.Errorf("parse alert rule project id: %w", err)
	}
	r.Type = model.RuleType(ruleType)
	r.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
		return model.AlertRule{}, fmt.Errorf("unmarshal rule conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(envs), &r.Environments); err != nil {
		return model.AlertRule{}, fmt.Errorf("unmarshal rule environments: %w", err)
	}
	if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
		return model.AlertRule{}, fmt.Errorf("unmarshal rule channels: %w", err)
	}
	if scope.Valid {
		var sf model.ScopeFilter
		if err := json.Unmarshal([]byte(scope.String), &sf); err != nil {
			return model.AlertRule{}, fmt.Errorf("unmarshal rule scope: %w", err)
		}
		r.Scope = &sf
	}
	return r, nil
}

// GetAlertRule looks up a rule by ID, scoped to project.
func (s *Store) GetAlertRule(ctx context.Context, projectID, id uuid.UUID) (model.AlertRule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+alertRuleColumns+" FROM alert_rules WHERE project_id = ? AND id = ?",
		projectID.String(), id.String())
	r, err := scanAlertRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AlertRule{}, ErrNotFound
	}
	if err != nil {
		return model.AlertRule{}, fmt.Errorf("get alert rule %s: %w", id, err)
	}
	return r, nil
}

// ListAlertRules returns every rule for a project. When enabledOnly is
// set, disabled rules are skipped, as the evaluation pipeline wants.
func (s *Store) ListAlertRules(ctx context.Context, projectID uuid.UUID, enabledOnly bool) ([]model.AlertRule, error) {
	query := "SELECT " + alertRuleColumns + " FROM alert_rules WHERE project_id = ?"
	args := []any{projectID.String()}
	if enabledOnly {
		query += " AND enabled = 1"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	defer rows.Close()

	var out []model.AlertRule
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteAlertRule removes a rule by ID, scoped to project.
func (s *Store) DeleteAlertRule(ctx context.Context, projectID, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM alert_rules WHERE project_id = ? AND id = ?", projectID.String(), id.String())
	if err != nil {
		return fmt.Errorf("delete alert rule %s: %w", id, err)
	}
	return nil
}
