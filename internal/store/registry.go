package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/model"
)

// ErrNotFound is returned by single-row lookups that find nothing. Callers
// in the API layer translate this into apierr.NotFound.
var ErrNotFound = errors.New("store: not found")

// PutProject inserts or updates a project by ID.
func (s *Store) PutProject(ctx context.Context, p model.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, status, api_key_hash, api_key_preview, scrub_emails, scrub_phones, scrub_ips, retention_days, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			api_key_hash = excluded.api_key_hash,
			api_key_preview = excluded.api_key_preview,
			scrub_emails = excluded.scrub_emails,
			scrub_phones = excluded.scrub_phones,
			scrub_ips = excluded.scrub_ips,
			retention_days = excluded.retention_days
	`, p.ID.String(), p.Name, string(p.Status), p.APIKeyHash, p.APIKeyPreview,
		boolToInt(p.Scrub.RemoveEmails), boolToInt(p.Scrub.RemovePhones), boolToInt(p.Scrub.RemoveIPs),
		p.RetentionDays, p.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put project %s: %w", p.ID, err)
	}
	return nil
}

func scanProject(row interface{ Scan(...any) error }) (model.Project, error) {
	var p model.Project
	var id string
	var scrubEmails, scrubPhones, scrubIPs int
	var createdAt string
	err := row.Scan(&id, &p.Name, &p.Status, &p.APIKeyHash, &p.APIKeyPreview,
		&scrubEmails, &scrubPhones, &scrubIPs, &p.RetentionDays, &createdAt)
	if err != nil {
		return model.Project{}, err
	}
	p.ID, err = uuid.Parse(id)
	if err != nil {
		return model.Project{}, fmt.Errorf("parse project id: %w", err)
	}
	p.Scrub = model.ScrubPolicy{RemoveEmails: scrubEmails != 0, RemovePhones: scrubPhones != 0, RemoveIPs: scrubIPs != 0}
	p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return model.Project{}, fmt.Errorf("parse project created_at: %w", err)
	}
	return p, nil
}

const projectColumns = "id, name, status, api_key_hash, api_key_preview, scrub_emails, scrub_phones, scrub_ips, retention_days, created_at"

// GetProject looks up a project by ID.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (model.Project, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+projectColumns+" FROM projects WHERE id = ?", id.String())
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, ErrNotFound
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// GetProjectByAPIKeyHash looks up a project by the sha256 of its raw API
// key, as presented on the ingestion path.
func (s *Store) GetProjectByAPIKeyHash(ctx context.Context, hash string) (model.Project, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+projectColumns+" FROM projects WHERE api_key_hash = ?", hash)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, ErrNotFound
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("get project by api key: %w", err)
	}
	return p, nil
}

// ListProjects returns every project, ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+projectColumns+" FROM projects ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutUser inserts or updates a user by ID.
func (s *Store) PutUser(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			password_hash = excluded.password_hash
	`, u.ID.String(), u.Email, u.PasswordHash, u.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put user %s: %w", u.ID, err)
	}
	return nil
}

func scanUser(row interface{ Scan(...any) error }) (model.User, error) {
	var u model.User
	var id, createdAt string
	if err := row.Scan(&id, &u.Email, &u.PasswordHash, &createdAt); err != nil {
		return model.User{}, err
	}
	var err error
	u.ID, err = uuid.Parse(id)
	if err != nil {
		return model.User{}, fmt.Errorf("parse user id: %w", err)
	}
	u.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return model.User{}, fmt.Errorf("parse user created_at: %w", err)
	}
	return u, nil
}

// GetUserByEmail looks up a user by email, used by the login handler.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, email, password_hash, created_at FROM users WHERE email = ?", email)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// GetUser looks up a user by ID.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, email, password_hash, created_at FROM users WHERE id = ?", id.String())
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// PutMembership upserts a user's role on a project.
func (s *Store) PutMembership(ctx context.Context, m model.Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (user_id, project_id, role)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, project_id) DO UPDATE SET role = excluded.role
	`, m.UserID.String(), m.ProjectID.String(), string(m.Role))
	if err != nil {
		return fmt.Errorf("put membership %s/%s: %w", m.UserID, m.ProjectID, err)
	}
	return nil
}

// RemoveMembership revokes a user's access to a project.
func (s *Store) RemoveMembership(ctx context.Context, userID, projectID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM memberships WHERE user_id = ? AND project_id = ?",
		userID.String(), projectID.String())
	if err != nil {
		return fmt.Errorf("remove membership %s/%s: %w", userID, projectID, err)
	}
	return nil
}

// MembershipsForUser lists every project a user belongs to, with role.
func (s *Store) MembershipsForUser(ctx context.Context, userID uuid.UUID) ([]model.Membership, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_id, project_id, role FROM memberships WHERE user_id = ?", userID.String())
	if err != nil {
		return nil, fmt.Errorf("list memberships for user %s: %w", userID, err)
	}
	defer rows.Close()
	return scanMemberships(rows)
}

// MembershipsForProject lists every member of a project, with role.
func (s *Store) MembershipsForProject(ctx context.Context, projectID uuid.UUID) ([]model.Membership, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_id, project_id, role FROM memberships WHERE project_id = ?", projectID.String())
	if err != nil {
		return nil, fmt.Errorf("list memberships for project %s: %w", projectID, err)
	}
	defer rows.Close()
	return scanMemberships(rows)
}

func scanMemberships(rows *sql.Rows) ([]model.Membership, error) {
	var out []model.Membership
	for rows.Next() {
		var userID, projectID, role string
		if err := rows.Scan(&userID, &projectID, &role); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		uid, err := uuid.Parse(userID)
		if err != nil {
			return nil, fmt.Errorf("parse membership user id: %w", err)
		}
		pid, err := uuid.Parse(projectID)
		if err != nil {
			return nil, fmt.Errorf("parse membership project id: %w", err)
		}
		out = append(out, model.Membership{UserID: uid, ProjectID: pid, Role: model.Role(role)})
	}
	return out, rows.Err()
}

// Membership looks up a single user's role on a single project.
func (s *Store) Membership(ctx context.Context, userID, projectID uuid.UUID) (model.Membership, error) {
	row := s.db.QueryRowContext(ctx, "SELECT user_id, project_id, role FROM memberships WHERE user_id = ? AND project_id = ?",
		userID.String(), projectID.String())
	var uID, pID, role string
	err := row.Scan(&uID, &pID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Membership{}, ErrNotFound
	}
	if err != nil {
		return model.Membership{}, fmt.Errorf("get membership %s/%s: %w", userID, projectID, err)
	}
	return model.Membership{UserID: userID, ProjectID: projectID, Role: model.Role(role)}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
