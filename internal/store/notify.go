package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/model"
)

// GetNotificationState looks up the cooldown or escalation state for
// (kind, key). A miss returns the zero value rather than ErrNotFound,
// since "no state yet" is the expected steady state for a fresh rule.
func (s *Store) GetNotificationState(ctx context.Context, kind model.NotificationStateKind, key string) (model.NotificationState, error) {
	row := s.db.QueryRowContext(ctx, "SELECT kind, key, last_fire_at, escalation_level, next_check_at FROM notification_state WHERE kind = ? AND key = ?",
		string(kind), key)
	var st model.NotificationState
	var k, ky string
	var lastFire, nextCheck sql.NullString
	err := row.Scan(&k, &ky, &lastFire, &st.EscalationLevel, &nextCheck)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotificationState{Kind: kind, Key: key}, nil
	}
	if err != nil {
		return model.NotificationState{}, fmt.Errorf("get notification state %s/%s: %w", kind, key, err)
	}
	st.Kind, st.Key = model.NotificationStateKind(k), ky
	if lastFire.Valid {
		if st.LastFireAt, err = time.Parse(time.RFC3339Nano, lastFire.String); err != nil {
			return model.NotificationState{}, fmt.Errorf("parse last_fire_at: %w", err)
		}
	}
	if nextCheck.Valid {
		if st.NextCheckAt, err = time.Parse(time.RFC3339Nano, nextCheck.String); err != nil {
			return model.NotificationState{}, fmt.Errorf("parse next_check_at: %w", err)
		}
	}
	return st, nil
}

// PutNotificationState upserts cooldown/escalation state for (kind, key).
func (s *Store) PutNotificationState(ctx context.Context, st model.NotificationState) error {
	var lastFire, nextCheck sql.NullString
	if !st.LastFireAt.IsZero() {
		lastFire = sql.NullString{String: st.LastFireAt.Format(time.RFC3339Nano), Valid: true}
	}
	if !st.NextCheckAt.IsZero() {
		nextCheck = sql.NullString{String: st.NextCheckAt.Format(time.RFC3339Nano), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_state (kind, key, last_fire_at, escalation_level, next_check_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE SET
			last_fire_at = excluded.last_fire_at,
			escalation_level = excluded.escalation_level,
			next_check_at = excluded.next_check_at
	`, string(st.Kind), st.Key, lastFire, st.EscalationLevel, nextCheck)
	if err != nil {
		return fmt.Errorf("put notification state %s/%s: %w", st.Kind, st.Key, err)
	}
	return nil
}

// PutTeamMember inserts or updates a member by ID.
func (s *Store) PutTeamMember(ctx context.Context, m model.TeamMember) error {
	prefs, err := json.Marshal(m.Preferences)
	if err != nil {
		return fmt.Errorf("marshal member preferences: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO team_members (id, project_id, name, email, role, active, avatar_color, preferences)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			active = excluded.active,
			avatar_color = excluded.avatar_color,
			preferences = excluded.preferences
	`, m.ID.String(), m.ProjectID.String(), m.Name, m.Email, string(m.Role), boolToInt(m.Active), m.AvatarColor, string(prefs))
	if err != nil {
		return fmt.Errorf("put team member %s: %w", m.ID, err)
	}
	return nil
}

// GetTeamMember looks up a single member by ID, scoped to project.
func (s *Store) GetTeamMember(ctx context.Context, projectID, id uuid.UUID) (model.TeamMember, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, project_id, name, email, role, active, avatar_color, preferences FROM team_members WHERE project_id = ? AND id = ?",
		projectID.String(), id.String())
	var m model.TeamMember
	var mid, pid, role string
	var active int
	var prefs string
	err := row.Scan(&mid, &pid, &m.Name, &m.Email, &role, &active, &m.AvatarColor, &prefs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TeamMember{}, ErrNotFound
	}
	if err != nil {
		return model.TeamMember{}, fmt.Errorf("get team member %s: %w", id, err)
	}
	if m.ID, err = uuid.Parse(mid); err != nil {
		return model.TeamMember{}, fmt.Errorf("parse team member id: %w", err)
	}
	if m.ProjectID, err = uuid.Parse(pid); err != nil {
		return model.TeamMember{}, fmt.Errorf("parse team member project id: %w", err)
	}
	m.Role = model.Role(role)
	m.Active = active != 0
	if err := json.Unmarshal([]byte(prefs), &m.Preferences); err != nil {
		return model.TeamMember{}, fmt.Errorf("unmarshal member preferences: %w", err)
	}
	return m, nil
}

// DeleteTeamMember removes a member by ID, scoped to project.
func (s *Store) DeleteTeamMember(ctx context.Context, projectID, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM team_members WHERE project_id = ? AND id = ?", projectID.String(), id.String())
	if err != nil {
		return fmt.Errorf("delete team member %s: %w", id, err)
	}
	return nil
}

// ListTeamMembers returns the members of a project.
func (s *Store) ListTeamMembers(ctx context.Context, projectID uuid.UUID, activeOnly bool) ([]model.TeamMember, error) {
	query := "SELECT id, project_id, name, email, role, active, avatar_color, preferences FROM team_members WHERE project_id = ?"
	args := []any{projectID.String()}
	if activeOnly {
		query += " AND active = 1"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	var out []model.TeamMember
	for rows.Next() {
		var m model.TeamMember
		var id, pid, role string
		var active int
		var prefs string
		if err := rows.Scan(&id, &pid, &m.Name, &m.Email, &role, &active, &m.AvatarColor, &prefs); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse team member id: %w", err)
		}
		if m.ProjectID, err = uuid.Parse(pid); err != nil {
			return nil, fmt.Errorf("parse team member project id: %w", err)
		}
		m.Role = model.Role(role)
		m.Active = active != 0
		if err := json.Unmarshal([]byte(prefs), &m.Preferences); err != nil {
			return nil, fmt.Errorf("unmarshal member preferences: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EnqueueDigestEntry queues a notification for batched delivery.
func (s *Store) EnqueueDigestEntry(ctx context.Context, e model.DigestEntry) error {
	alert, err := json.Marshal(e.Alert)
	if err != nil {
		return fmt.Errorf("marshal digest alert snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO digest_entries (id, member_id, rule_id, alert, created_at, processed, processed_at)
		VALUES (?, ?, ?, ?, ?, 0, NULL)
	`, e.ID.String(), e.MemberID.String(), e.RuleID.String(), string(alert), e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue digest entry: %w", err)
	}
	return nil
}

// PendingDigestEntries returns a member's unprocessed queued alerts,
// oldest first, for the digest flusher.
func (s *Store) PendingDigestEntries(ctx context.Context, memberID uuid.UUID) ([]model.DigestEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, member_id, rule_id, alert, created_at FROM digest_entries WHERE member_id = ? AND processed = 0 ORDER BY created_at",
		memberID.String())
	if err != nil {
		return nil, fmt.Errorf("list pending digest entries: %w", err)
	}
	defer rows.Close()

	var out []model.DigestEntry
	for rows.Next() {
		var e model.DigestEntry
		var id, mID, rID, createdAt, alert string
		if err := rows.Scan(&id, &mID, &rID, &alert, &createdAt); err != nil {
			return nil, fmt.Errorf("scan digest entry: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse digest entry id: %w", err)
		}
		if e.MemberID, err = uuid.Parse(mID); err != nil {
			return nil, fmt.Errorf("parse digest entry member id: %w", err)
		}
		if e.RuleID, err = uuid.Parse(rID); err != nil {
			return nil, fmt.Errorf("parse digest entry rule id: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse digest entry created_at: %w", err)
		}
		if err := json.Unmarshal([]byte(alert), &e.Alert); err != nil {
			return nil, fmt.Errorf("unmarshal digest alert snapshot: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDigestEntriesProcessed flags a batch of queued entries as delivered.
func (s *Store) MarkDigestEntriesProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "UPDATE digest_entries SET processed = 1, processed_at = ? WHERE id = ?")
		if err != nil {
			return fmt.Errorf("prepare mark digest processed: %w", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, at.Format(time.RFC3339Nano), id.String()); err != nil {
				return fmt.Errorf("mark digest entry %s processed: %w", id, err)
			}
		}
		return nil
	})
}

// PutDeployment records an external deployment marker used for alert
// enrichment and analytics.
func (s *Store) PutDeployment(ctx context.Context, d model.Deployment) error {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("marshal deployment metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployments (id, project_id, label, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET label = excluded.label, timestamp = excluded.timestamp, metadata = excluded.metadata
	`, d.ID.String(), d.ProjectID.String(), d.Label, d.Timestamp.Format(time.RFC3339Nano), string(meta))
	if err != nil {
		return fmt.Errorf("put deployment %s: %w", d.ID, err)
	}
	return nil
}

// RecentDeployments returns a project's deployments at or after since, most
// recent first, for attaching to an AlertSnapshot.
func (s *Store) RecentDeployments(ctx context.Context, projectID uuid.UUID, since time.Time) ([]model.Deployment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, project_id, label, timestamp, metadata FROM deployments WHERE project_id = ? AND timestamp >= ? ORDER BY timestamp DESC",
		projectID.String(), since.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list recent deployments: %w", err)
	}
	defer rows.Close()

	var out []model.Deployment
	for rows.Next() {
		var d model.Deployment
		var id, pid, ts, meta string
		if err := rows.Scan(&id, &pid, &d.Label, &ts, &meta); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		if d.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse deployment id: %w", err)
		}
		if d.ProjectID, err = uuid.Parse(pid); err != nil {
			return nil, fmt.Errorf("parse deployment project id: %w", err)
		}
		if d.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse deployment timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal deployment metadata: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
