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

// PutReportSchedule inserts or updates a schedule by ID.
func (s *Store) PutReportSchedule(ctx context.Context, r model.ReportSchedule) error {
	recipients, err := json.Marshal(r.Recipients)
	if err != nil {
		return fmt.Errorf("marshal schedule recipients: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO report_schedules (id, project_id, status, cadence, weekday, day_of_month, hour_utc, minute_utc, format, recipients, next_run_at, last_run_at, last_claim_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			cadence = excluded.cadence,
			weekday = excluded.weekday,
			day_of_month = excluded.day_of_month,
			hour_utc = excluded.hour_utc,
			minute_utc = excluded.minute_utc,
			format = excluded.format,
			recipients = excluded.recipients,
			next_run_at = excluded.next_run_at,
			last_run_at = excluded.last_run_at,
			last_claim_at = excluded.last_claim_at
	`, r.ID.String(), r.ProjectID.String(), string(r.Status), string(r.Cadence), int(r.Weekday), r.DayOfMonth,
		r.HourUTC, r.MinuteUTC, r.Format, string(recipients), r.NextRunAt.Format(time.RFC3339Nano),
		formatOptionalTime(r.LastRunAt), formatOptionalTime(r.LastClaimAt))
	if err != nil {
		return fmt.Errorf("put report schedule %s: %w", r.ID, err)
	}
	return nil
}

func formatOptionalTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

func parseOptionalTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, ns.String)
}

const reportScheduleColumns = "id, project_id, status, cadence, weekday, day_of_month, hour_utc, minute_utc, format, recipients, next_run_at, last_run_at, last_claim_at"

func scanReportSchedule(row interface{ Scan(...any) error }) (model.ReportSchedule, error) {
	var r model.ReportSchedule
	var id, projectID, status, cadence, recipients, nextRun string
	var weekday int
	var lastRun, lastClaim sql.NullString
	err := row.Scan(&id, &projectID, &status, &cadence, &weekday, &r.DayOfMonth, &r.HourUTC, &r.MinuteUTC,
		&r.Format, &recipients, &nextRun, &lastRun, &lastClaim)
	if err != nil {
		return model.ReportSchedule{}, err
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return model.ReportSchedule{}, fmt.Errorf("parse schedule id: %w", err)
	}
	if r.ProjectID, err = uuid.Parse(projectID); err != nil {
		return model.ReportSchedule{}, fmt.Errorf("parse schedule project id: %w", err)
	}
	r.Status = model.ScheduleStatus(status)
	r.Cadence = model.ReportCadence(cadence)
	r.Weekday = time.Weekday(weekday)
	if err := json.Unmarshal([]byte(recipients), &r.Recipients); err != nil {
		return model.ReportSchedule{}, fmt.Errorf("unmarshal schedule recipients: %w", err)
	}
	if r.NextRunAt, err = time.Parse(time.RFC3339Nano, nextRun); err != nil {
		return model.ReportSchedule{}, fmt.Errorf("parse schedule next_run_at: %w", err)
	}
	if r.LastRunAt, err = parseOptionalTime(lastRun); err != nil {
		return model.ReportSchedule{}, fmt.Errorf("parse schedule last_run_at: %w", err)
	}
	if r.LastClaimAt, err = parseOptionalTime(lastClaim); err != nil {
		return model.ReportSchedule{}, fmt.Errorf("parse schedule last_claim_at: %w", err)
	}
	return r, nil
}

// GetReportSchedule looks up a schedule by ID.
func (s *Store) GetReportSchedule(ctx context.Context, id uuid.UUID) (model.ReportSchedule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+reportScheduleColumns+" FROM report_schedules WHERE id = ?", id.String())
	r, err := scanReportSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReportSchedule{}, ErrNotFound
	}
	if err != nil {
		return model.ReportSchedule{}, fmt.Errorf("get report schedule %s: %w", id, err)
	}
	return r, nil
}

// DueReportSchedules returns active schedules whose next_run_at has
// passed, for the scheduler tick.
func (s *Store) DueReportSchedules(ctx context.Context, asOf time.Time) ([]model.ReportSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+reportScheduleColumns+" FROM report_schedules WHERE status = ? AND next_run_at <= ?",
		string(model.ScheduleActive), asOf.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list due report schedules: %w", err)
	}
	defer rows.Close()

	var out []model.ReportSchedule
	for rows.Next() {
		r, err := scanReportSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report schedule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimReportSchedule compare-and-swaps a schedule's last_claim_at so two
// scheduler instances racing the same tick can't both produce a run for
// it.
func (s *Store) ClaimReportSchedule(ctx context.Context, id uuid.UUID, expectedClaim time.Time, now time.Time) (bool, error) {
	var res sql.Result
	var err error
	if expectedClaim.IsZero() {
		res, err = s.db.ExecContext(ctx,
			"UPDATE report_schedules SET last_claim_at = ? WHERE id = ? AND last_claim_at IS NULL",
			now.Format(time.RFC3339Nano), id.String())
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE report_schedules SET last_claim_at = ? WHERE id = ? AND last_claim_at = ?",
			now.Format(time.RFC3339Nano), id.String(), expectedClaim.Format(time.RFC3339Nano))
	}
	if err != nil {
		return false, fmt.Errorf("claim report schedule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim report schedule rows affected: %w", err)
	}
	return n == 1, nil
}

// AdvanceReportSchedule records a completed run and moves next_run_at
// forward; the cadence math (weekday/end-of-month clamping) lives in the
// schedule package and is passed in as nextRunAt.
func (s *Store) AdvanceReportSchedule(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE report_schedules SET last_run_at = ?, next_run_at = ?, last_claim_at = NULL WHERE id = ?",
		lastRunAt.Format(time.RFC3339Nano), nextRunAt.Format(time.RFC3339Nano), id.String())
	if err != nil {
		return fmt.Errorf("advance report schedule %s: %w", id, err)
	}
	return nil
}

// InsertReportRun records a produced (or attempted) report artifact. A run
// is written twice under the same ID (pending when the schedule is
// claimed, then with its terminal status), so the write is an upsert.
func (s *Store) InsertReportRun(ctx context.Context, r model.ReportRun) error {
	var scheduleID sql.NullString
	if r.ScheduleID != uuid.Nil {
		scheduleID = sql.NullString{String: r.ScheduleID.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO report_runs (id, schedule_id, project_id, status, error, file_ref, size_bytes, summary, share_token, share_expiry, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			file_ref = excluded.file_ref,
			size_bytes = excluded.size_bytes,
			summary = excluded.summary,
			completed_at = excluded.completed_at
	`, r.ID.String(), scheduleID, r.ProjectID.String(), string(r.Status), r.Error, r.FileRef, r.SizeBytes,
		r.Summary, r.ShareToken, formatOptionalTime(r.ShareExpiry), r.CreatedAt.Format(time.RFC3339Nano),
		formatOptionalTime(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert report run %s: %w", r.ID, err)
	}
	return nil
}

// ListReportSchedules returns every schedule configured for a project.
func (s *Store) ListReportSchedules(ctx context.Context, projectID uuid.UUID) ([]model.ReportSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+reportScheduleColumns+" FROM report_schedules WHERE project_id = ? ORDER BY next_run_at",
		projectID.String())
	if err != nil {
		return nil, fmt.Errorf("list report schedules: %w", err)
	}
	defer rows.Close()

	var out []model.ReportSchedule
	for rows.Next() {
		r, err := scanReportSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report schedule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteReportSchedule removes a schedule; report_runs it already
// produced are left in place for history.
func (s *Store) DeleteReportSchedule(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM report_schedules WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("delete report schedule %s: %w", id, err)
	}
	return nil
}

func scanReportRun(row interface{ Scan(...any) error }) (model.ReportRun, error) {
	var r model.ReportRun
	var id, pid, status, createdAt string
	var scheduleID, shareExpiry, completedAt sql.NullString
	err := row.Scan(&id, &scheduleID, &pid, &status, &r.Error, &r.FileRef, &r.SizeBytes, &r.Summary,
		&r.ShareToken, &shareExpiry, &createdAt, &completedAt)
	if err != nil {
		return model.ReportRun{}, err
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return model.ReportRun{}, fmt.Errorf("parse report run id: %w", err)
	}
	if scheduleID.Valid {
		if r.ScheduleID, err = uuid.Parse(scheduleID.String); err != nil {
			return model.ReportRun{}, fmt.Errorf("parse report run schedule id: %w", err)
		}
	}
	if r.ProjectID, err = uuid.Parse(pid); err != nil {
		return model.ReportRun{}, fmt.Errorf("parse report run project id: %w", err)
	}
	r.Status = model.RunStatus(status)
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return model.ReportRun{}, fmt.Errorf("parse report run created_at: %w", err)
	}
	if r.ShareExpiry, err = parseOptionalTime(shareExpiry); err != nil {
		return model.ReportRun{}, fmt.Errorf("parse report run share_expiry: %w", err)
	}
	if r.CompletedAt, err = parseOptionalTime(completedAt); err != nil {
		return model.ReportRun{}, fmt.Errorf("parse report run completed_at: %w", err)
	}
	return r, nil
}

const reportRunColumns = "id, schedule_id, project_id, status, error, file_ref, size_bytes, summary, share_token, share_expiry, created_at, completed_at"

// GetReportRun looks up a single run by ID.
func (s *Store) GetReportRun(ctx context.Context, id uuid.UUID) (model.ReportRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+reportRunColumns+" FROM report_runs WHERE id = ?", id.String())
	r, err := scanReportRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReportRun{}, ErrNotFound
	}
	if err != nil {
		return model.ReportRun{}, fmt.Errorf("get report run %s: %w", id, err)
	}
	return r, nil
}

// GetReportRunByShareToken looks up a run by its public share token
// (the unauthenticated report download link).
func (s *Store) GetReportRunByShareToken(ctx context.Context, token string) (model.ReportRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+reportRunColumns+" FROM report_runs WHERE share_token = ?", token)
	r, err := scanReportRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReportRun{}, ErrNotFound
	}
	if err != nil {
		return model.ReportRun{}, fmt.Errorf("get report run by share token: %w", err)
	}
	return r, nil
}

// SetReportRunShare stamps a run with a freshly minted share token and
// expiry; passing an empty token revokes sharing.
func (s *Store) SetReportRunShare(ctx context.Context, id uuid.UUID, token string, expiry time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE report_runs SET share_token = ?, share_expiry = ? WHERE id = ?",
		token, formatOptionalTime(expiry), id.String())
	if err != nil {
		return fmt.Errorf("set report run share %s: %w", id, err)
	}
	return nil
}

// ListReportRuns returns a project's report runs, most recent first.
func (s *Store) ListReportRuns(ctx context.Context, projectID uuid.UUID, limit int) ([]model.ReportRun, error) {
	query := `SELECT id, schedule_id, project_id, status, error, file_ref, size_bytes, summary, share_token, share_expiry, created_at, completed_at
		FROM report_runs WHERE project_id = ? ORDER BY created_at DESC`
	args := []any{projectID.String()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list report runs: %w", err)
	}
	defer rows.Close()

	var out []model.ReportRun
	for rows.Next() {
		var r model.ReportRun
		var id, pid, status, createdAt string
		var scheduleID, shareExpiry, completedAt sql.NullString
		if err := rows.Scan(&id, &scheduleID, &pid, &status, &r.Error, &r.FileRef, &r.SizeBytes, &r.Summary,
			&r.ShareToken, &shareExpiry, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan report run: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse report run id: %w", err)
		}
		if scheduleID.Valid {
			if r.ScheduleID, err = uuid.Parse(scheduleID.String); err != nil {
				return nil, fmt.Errorf("parse report run schedule id: %w", err)
			}
		}
		if r.ProjectID, err = uuid.Parse(pid); err != nil {
			return nil, fmt.Errorf("parse report run project id: %w", err)
		}
		r.Status = model.RunStatus(status)
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse report run created_at: %w", err)
		}
		if r.ShareExpiry, err = parseOptionalTime(shareExpiry); err != nil {
			return nil, fmt.Errorf("parse report run share_expiry: %w", err)
		}
		if r.CompletedAt, err = parseOptionalTime(completedAt); err != nil {
			return nil, fmt.Errorf("parse report run completed_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
