package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Overview is the aggregate counts behind GET /api/analytics/overview.
type Overview struct {
	TotalGroups         int64
	OpenGroups          int64
	InvestigatingGroups int64
	ResolvedGroups      int64
	IgnoredGroups       int64
	CriticalGroups      int64
	OccurrencesToday    int64
}

// AnalyticsOverview summarizes a project's current error-group mix and
// today's occurrence volume.
func (s *Store) AnalyticsOverview(ctx context.Context, projectID uuid.UUID, todayStart time.Time) (Overview, error) {
	var o Overview
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'open' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'investigating' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'resolved' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'ignored' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN severity = 'critical' THEN 1 ELSE 0 END), 0)
		FROM error_groups WHERE project_id = ?`, projectID.String())
	if err := row.Scan(&o.TotalGroups, &o.OpenGroups, &o.InvestigatingGroups, &o.ResolvedGroups, &o.IgnoredGroups, &o.CriticalGroups); err != nil {
		return Overview{}, fmt.Errorf("analytics overview: %w", err)
	}

	row = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM occurrences WHERE project_id = ? AND timestamp >= ?",
		projectID.String(), todayStart.Format(time.RFC3339Nano))
	if err := row.Scan(&o.OccurrencesToday); err != nil {
		return Overview{}, fmt.Errorf("analytics overview today count: %w", err)
	}
	return o, nil
}

// TrendPoint is one bucket of occurrence volume over time.
type TrendPoint struct {
	Day   string
	Count int64
}

// Trends buckets a project's occurrences into UTC calendar days between
// from and to, inclusive, for the trend chart.
func (s *Store) Trends(ctx context.Context, projectID uuid.UUID, from, to time.Time) ([]TrendPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(timestamp, 1, 10) AS day, COUNT(*)
		FROM occurrences
		WHERE project_id = ? AND timestamp >= ? AND timestamp <= ?
		GROUP BY day ORDER BY day`,
		projectID.String(), from.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("analytics trends: %w", err)
	}
	defer rows.Close()

	var out []TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Day, &p.Count); err != nil {
			return nil, fmt.Errorf("scan trend point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TopErrorRow is one entry of the top-errors leaderboard.
type TopErrorRow struct {
	ID          uuid.UUID
	Fingerprint string
	Message     string
	Environment string
	Severity    string
	Count       int64
	LastSeen    time.Time
}

// TopErrors returns a project's highest-volume groups, most frequent
// first.
func (s *Store) TopErrors(ctx context.Context, projectID uuid.UUID, limit int) ([]TopErrorRow, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, message, environment, severity, count, last_seen
		FROM error_groups WHERE project_id = ? ORDER BY count DESC LIMIT ?`,
		projectID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("analytics top errors: %w", err)
	}
	defer rows.Close()

	var out []TopErrorRow
	for rows.Next() {
		var r TopErrorRow
		var id, lastSeen string
		if err := rows.Scan(&id, &r.Fingerprint, &r.Message, &r.Environment, &r.Severity, &r.Count, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan top error row: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse top error id: %w", err)
		}
		if r.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
			return nil, fmt.Errorf("parse top error last_seen: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PatternRow is one (environment, severity) combination and its volume,
// the coarse-grained "where do errors cluster" view.
type PatternRow struct {
	Environment string
	Severity    string
	GroupCount  int64
	TotalCount  int64
}

// Patterns buckets a project's groups by (environment, severity).
func (s *Store) Patterns(ctx context.Context, projectID uuid.UUID) ([]PatternRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT environment, severity, COUNT(*), COALESCE(SUM(count), 0)
		FROM error_groups WHERE project_id = ?
		GROUP BY environment, severity ORDER BY SUM(count) DESC`,
		projectID.String())
	if err != nil {
		return nil, fmt.Errorf("analytics patterns: %w", err)
	}
	defer rows.Close()

	var out []PatternRow
	for rows.Next() {
		var p PatternRow
		if err := rows.Scan(&p.Environment, &p.Severity, &p.GroupCount, &p.TotalCount); err != nil {
			return nil, fmt.Errorf("scan pattern row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UserImpactRow is one affected user/session and how many occurrences
// they triggered project-wide.
type UserImpactRow struct {
	UserID string
	Count  int64
}

// UserImpact ranks the distinct non-empty userContext.id values seen in a
// project's occurrences at or after since, most-impacted first.
func (s *Store) UserImpact(ctx context.Context, projectID uuid.UUID, since time.Time, limit int) ([]UserImpactRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT json_extract(user_context, '$.id') AS uid, COUNT(*)
		FROM occurrences
		WHERE project_id = ? AND timestamp >= ? AND uid IS NOT NULL AND uid != ''
		GROUP BY uid ORDER BY COUNT(*) DESC LIMIT ?`,
		projectID.String(), since.Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("analytics user impact: %w", err)
	}
	defer rows.Close()

	var out []UserImpactRow
	for rows.Next() {
		var r UserImpactRow
		if err := rows.Scan(&r.UserID, &r.Count); err != nil {
			return nil, fmt.Errorf("scan user impact row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MemberPerformanceRow is one team member's triage workload over a range.
type MemberPerformanceRow struct {
	MemberID      uuid.UUID
	Name          string
	Email         string
	AssignedTotal int64
	AssignedOpen  int64
	Resolved      int64
}

// TeamPerformance summarizes per-member assignment and resolution volume
// for groups active since the given cutoff.
func (s *Store) TeamPerformance(ctx context.Context, projectID uuid.UUID, since time.Time) ([]MemberPerformanceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.name, m.email,
			COALESCE(SUM(CASE WHEN g.id IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN g.status IN ('new', 'open', 'investigating') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN g.status = 'resolved' THEN 1 ELSE 0 END), 0)
		FROM team_members m
		LEFT JOIN error_groups g
			ON g.assigned_to = m.id AND g.project_id = m.project_id AND g.last_seen >= ?
		WHERE m.project_id = ? AND m.active = 1
		GROUP BY m.id, m.name, m.email
		ORDER BY m.name`,
		since.Format(time.RFC3339Nano), projectID.String())
	if err != nil {
		return nil, fmt.Errorf("team performance: %w", err)
	}
	defer rows.Close()

	var out []MemberPerformanceRow
	for rows.Next() {
		var r MemberPerformanceRow
		var id string
		if err := rows.Scan(&id, &r.Name, &r.Email, &r.AssignedTotal, &r.AssignedOpen, &r.Resolved); err != nil {
			return nil, fmt.Errorf("scan member performance row: %w", err)
		}
		if r.MemberID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse member performance id: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolutionStats summarizes how quickly a project's resolved groups get
// closed, measured firstSeen -> lastSeen as a proxy for time-to-resolution
// since resolution timestamps aren't tracked on ErrorGroup itself.
type ResolutionStats struct {
	ResolvedCount    int64
	AvgResolutionSec float64
}

func (s *Store) ResolutionStats(ctx context.Context, projectID uuid.UUID) (ResolutionStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(
			CAST((julianday(last_seen) - julianday(first_seen)) * 86400 AS REAL)
		), 0)
		FROM error_groups WHERE project_id = ? AND status = 'resolved'`, projectID.String())
	var stats ResolutionStats
	if err := row.Scan(&stats.ResolvedCount, &stats.AvgResolutionSec); err != nil {
		return ResolutionStats{}, fmt.Errorf("analytics resolution stats: %w", err)
	}
	return stats, nil
}
