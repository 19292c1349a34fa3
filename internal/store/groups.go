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

// UpsertInput is the normalized, scrubbed material for one ingested
// occurrence, used to atomically create-or-bump its ErrorGroup.
type UpsertInput struct {
	ProjectID   uuid.UUID
	Fingerprint string
	Message     string
	StackTrace  string
	Environment string
	Severity    string
	Occurred    time.Time
}

// UpsertErrorGroup atomically creates a group for (projectId, fingerprint)
// or bumps an existing one's count/lastSeen, in a single statement so no
// read-modify-write race can drop a concurrent occurrence's count. It
// returns the group's id and whether this call created a brand-new group
// (used to drive the new_error rule type).
func (s *Store) UpsertErrorGroup(ctx context.Context, in UpsertInput) (id uuid.UUID, created bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		id, created, err = upsertErrorGroupTx(ctx, tx, in)
		return err
	})
	return id, created, err
}

func upsertErrorGroupTx(ctx context.Context, tx *sql.Tx, in UpsertInput) (id uuid.UUID, created bool, err error) {
	newID := uuid.New()
	occurredStr := in.Occurred.Format(time.RFC3339Nano)

	// count bumps unconditionally: it must stay equal to the number of
	// appended occurrences even when events arrive out of order. last_seen
	// only moves forward (MAX), and the representative stack is captured
	// once, by the first occurrence that carries one.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO error_groups (id, project_id, fingerprint, message, stack_trace, environment, severity, first_seen, last_seen, count, status, assigned_to, assignment_history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, NULL, '[]')
		ON CONFLICT(project_id, fingerprint) DO UPDATE SET
			count = count + 1,
			last_seen = MAX(last_seen, excluded.last_seen),
			stack_trace = CASE WHEN stack_trace = '' THEN excluded.stack_trace ELSE stack_trace END
	`, newID.String(), in.ProjectID.String(), in.Fingerprint, in.Message, in.StackTrace,
		in.Environment, in.Severity, occurredStr, occurredStr, string(model.StatusNew))
	if err != nil {
		return uuid.UUID{}, false, fmt.Errorf("upsert error group: %w", err)
	}

	row := tx.QueryRowContext(ctx, "SELECT id FROM error_groups WHERE project_id = ? AND fingerprint = ?",
		in.ProjectID.String(), in.Fingerprint)
	var existingID string
	if err := row.Scan(&existingID); err != nil {
		return uuid.UUID{}, false, fmt.Errorf("read back upserted group id: %w", err)
	}
	id, err = uuid.Parse(existingID)
	if err != nil {
		return uuid.UUID{}, false, fmt.Errorf("parse upserted group id: %w", err)
	}
	return id, id == newID, nil
}

// InsertOccurrence appends an immutable occurrence row, already scrubbed.
func (s *Store) InsertOccurrence(ctx context.Context, o model.Occurrence) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertOccurrenceTx(ctx, tx, o)
	})
}

func insertOccurrenceTx(ctx context.Context, tx *sql.Tx, o model.Occurrence) error {
	userCtx, err := json.Marshal(o.UserContext)
	if err != nil {
		return fmt.Errorf("marshal occurrence user context: %w", err)
	}
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return fmt.Errorf("marshal occurrence metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO occurrences (id, error_id, project_id, fingerprint, timestamp, message, stack_trace, user_context, metadata, environment, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID.String(), o.ErrorID.String(), o.ProjectID.String(), o.Fingerprint, o.Timestamp.Format(time.RFC3339Nano),
		o.Message, o.StackTrace, string(userCtx), string(meta), o.Environment, o.SessionID)
	if err != nil {
		return fmt.Errorf("insert occurrence: %w", err)
	}
	return nil
}

// IngestOccurrence is the single atomic entry point for the ingestion
// path: it upserts the ErrorGroup by fingerprint and appends the
// occurrence row in one transaction, so a crash between the two writes can
// never leave a bumped count with no matching occurrence (or vice versa).
// occ.ErrorID and occ.Fingerprint are overwritten from the upsert result.
func (s *Store) IngestOccurrence(ctx context.Context, in UpsertInput, occ model.Occurrence) (id uuid.UUID, created bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		id, created, txErr = upsertErrorGroupTx(ctx, tx, in)
		if txErr != nil {
			return txErr
		}
		occ.ErrorID = id
		occ.ProjectID = in.ProjectID
		occ.Fingerprint = in.Fingerprint
		return insertOccurrenceTx(ctx, tx, occ)
	})
	return id, created, err
}

const errorGroupColumns = "id, project_id, fingerprint, message, stack_trace, environment, severity, first_seen, last_seen, count, status, assigned_to, assignment_history"

func scanErrorGroup(row interface{ Scan(...any) error }) (model.ErrorGroup, error) {
	var g model.ErrorGroup
	var id, projectID string
	var firstSeen, lastSeen string
	var assignedTo sql.NullString
	var history string
	err := row.Scan(&id, &projectID, &g.Fingerprint, &g.Message, &g.StackTrace, &g.Environment, &g.Severity,
		&firstSeen, &lastSeen, &g.Count, &g.Status, &assignedTo, &history)
	if err != nil {
		return model.ErrorGroup{}, err
	}
	if g.ID, err = uuid.Parse(id); err != nil {
		return model.ErrorGroup{}, fmt.Errorf("parse error group id: %w", err)
	}
	if g.ProjectID, err = uuid.Parse(projectID); err != nil {
		return model.ErrorGroup{}, fmt.Errorf("parse error group project id: %w", err)
	}
	if g.FirstSeen, err = time.Parse(time.RFC3339Nano, firstSeen); err != nil {
		return model.ErrorGroup{}, fmt.Errorf("parse error group first_seen: %w", err)
	}
	if g.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
		return model.ErrorGroup{}, fmt.Errorf("parse error group last_seen: %w", err)
	}
	if assignedTo.Valid {
		u, err := uuid.Parse(assignedTo.String)
		if err != nil {
			return model.ErrorGroup{}, fmt.Errorf("parse error group assigned_to: %w", err)
		}
		g.AssignedTo = &u
	}
	if err := json.Unmarshal([]byte(history), &g.AssignmentHistory); err != nil {
		return model.ErrorGroup{}, fmt.Errorf("unmarshal assignment history: %w", err)
	}
	return g, nil
}

// GetErrorGroup looks up a group by ID, scoped to project so a caller can
// never read across tenants by guessing an ID.
func (s *Store) GetErrorGroup(ctx context.Context, projectID, id uuid.UUID) (model.ErrorGroup, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+errorGroupColumns+" FROM error_groups WHERE project_id = ? AND id = ?",
		projectID.String(), id.String())
	g, err := scanErrorGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrorGroup{}, ErrNotFound
	}
	if err != nil {
		return model.ErrorGroup{}, fmt.Errorf("get error group %s: %w", id, err)
	}
	return g, nil
}

// GetErrorGroupByFingerprint looks up a group by its natural key.
func (s *Store) GetErrorGroupByFingerprint(ctx context.Context, projectID uuid.UUID, fingerprint string) (model.ErrorGroup, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+errorGroupColumns+" FROM error_groups WHERE project_id = ? AND fingerprint = ?",
		projectID.String(), fingerprint)
	g, err := scanErrorGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrorGroup{}, ErrNotFound
	}
	if err != nil {
		return model.ErrorGroup{}, fmt.Errorf("get error group by fingerprint: %w", err)
	}
	return g, nil
}

// ErrorGroupFilter narrows ListErrorGroups; zero values mean "any".
type ErrorGroupFilter struct {
	Status      model.GroupStatus
	Environment string
	AssignedTo  *uuid.UUID
	Since       time.Time // lastSeen lower bound
	Until       time.Time // lastSeen upper bound
	Search      string    // case-insensitive substring of message
	SourceFile  string    // substring of the representative stack trace
	SortBy      string    // last_seen (default), first_seen, or count
	SortAsc     bool
	Limit       int
	Offset      int
}

// groupSortColumns whitelists ORDER BY targets so a caller-supplied sort
// key can never reach the SQL text directly.
var groupSortColumns = map[string]string{
	"last_seen":  "last_seen",
	"lastSeen":   "last_seen",
	"first_seen": "first_seen",
	"firstSeen":  "first_seen",
	"count":      "count",
}

// ListErrorGroups returns a project's groups, most recently seen first
// unless the filter picks another sort.
func (s *Store) ListErrorGroups(ctx context.Context, projectID uuid.UUID, f ErrorGroupFilter) ([]model.ErrorGroup, error) {
	query := "SELECT " + errorGroupColumns + " FROM error_groups WHERE project_id = ?"
	args := []any{projectID.String()}

	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Environment != "" {
		query += " AND environment = ?"
		args = append(args, f.Environment)
	}
	if f.AssignedTo != nil {
		query += " AND assigned_to = ?"
		args = append(args, f.AssignedTo.String())
	}
	if !f.Since.IsZero() {
		query += " AND last_seen >= ?"
		args = append(args, f.Since.Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += " AND last_seen <= ?"
		args = append(args, f.Until.Format(time.RFC3339Nano))
	}
	if f.Search != "" {
		query += " AND instr(lower(message), lower(?)) > 0"
		args = append(args, f.Search)
	}
	if f.SourceFile != "" {
		query += " AND instr(stack_trace, ?) > 0"
		args = append(args, f.SourceFile)
	}

	sortCol, ok := groupSortColumns[f.SortBy]
	if !ok {
		sortCol = "last_seen"
	}
	dir := "DESC"
	if f.SortAsc {
		dir = "ASC"
	}
	query += " ORDER BY " + sortCol + " " + dir
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list error groups: %w", err)
	}
	defer rows.Close()

	var out []model.ErrorGroup
	for rows.Next() {
		g, err := scanErrorGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateErrorGroupStatus transitions a group's status, validating against
// the status DAG before writing.
func (s *Store) UpdateErrorGroupStatus(ctx context.Context, projectID, id uuid.UUID, to model.GroupStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT status FROM error_groups WHERE project_id = ? AND id = ?",
			projectID.String(), id.String())
		var from model.GroupStatus
		if err := row.Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read error group status: %w", err)
		}
		if !model.CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s is not an allowed transition", ErrInvalidTransition, from, to)
		}
		_, err := tx.ExecContext(ctx, "UPDATE error_groups SET status = ? WHERE project_id = ? AND id = ?",
			string(to), projectID.String(), id.String())
		if err != nil {
			return fmt.Errorf("update error group status: %w", err)
		}
		return nil
	})
}

// ErrInvalidTransition is returned when a requested status change is not
// permitted by the status DAG.
var ErrInvalidTransition = errors.New("store: invalid status transition")

// AssignErrorGroup sets (or clears, with a nil memberID) the owner of a
// group, closes the open span of its assignment history and, for a
// non-nil memberID, appends a new open span.
func (s *Store) AssignErrorGroup(ctx context.Context, projectID, id uuid.UUID, memberID *uuid.UUID, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT assignment_history FROM error_groups WHERE project_id = ? AND id = ?",
			projectID.String(), id.String())
		var raw string
		if err := row.Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read assignment history: %w", err)
		}
		var history []model.AssignmentEvent
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			return fmt.Errorf("unmarshal assignment history: %w", err)
		}
		if n := len(history); n > 0 && history[n-1].UnassignedAt == nil {
			closedAt := at
			history[n-1].UnassignedAt = &closedAt
		}
		if memberID != nil {
			history = append(history, model.AssignmentEvent{MemberID: memberID, AssignedAt: at})
		}
		encoded, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("marshal assignment history: %w", err)
		}

		var assignedTo sql.NullString
		if memberID != nil {
			assignedTo = sql.NullString{String: memberID.String(), Valid: true}
		}
		_, err = tx.ExecContext(ctx, "UPDATE error_groups SET assigned_to = ?, assignment_history = ? WHERE project_id = ? AND id = ?",
			assignedTo, string(encoded), projectID.String(), id.String())
		if err != nil {
			return fmt.Errorf("update error group assignment: %w", err)
		}
		return nil
	})
}

// ListOccurrences returns a group's occurrences, most recent first.
func (s *Store) ListOccurrences(ctx context.Context, errorID uuid.UUID, limit, offset int) ([]model.Occurrence, error) {
	query := "SELECT id, error_id, project_id, fingerprint, timestamp, message, stack_trace, user_context, metadata, environment, session_id FROM occurrences WHERE error_id = ? ORDER BY timestamp DESC"
	args := []any{errorID.String()}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	defer rows.Close()

	var out []model.Occurrence
	for rows.Next() {
		var o model.Occurrence
		var id, eID, pID, ts, userCtx, meta string
		if err := rows.Scan(&id, &eID, &pID, &o.Fingerprint, &ts, &o.Message, &o.StackTrace, &userCtx, &meta, &o.Environment, &o.SessionID); err != nil {
			return nil, fmt.Errorf("scan occurrence: %w", err)
		}
		if o.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse occurrence id: %w", err)
		}
		if o.ErrorID, err = uuid.Parse(eID); err != nil {
			return nil, fmt.Errorf("parse occurrence error id: %w", err)
		}
		if o.ProjectID, err = uuid.Parse(pID); err != nil {
			return nil, fmt.Errorf("parse occurrence project id: %w", err)
		}
		if o.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse occurrence timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(userCtx), &o.UserContext); err != nil {
			return nil, fmt.Errorf("unmarshal occurrence user context: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &o.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal occurrence metadata: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountOccurrencesSince reports how many occurrences a project has seen
// across all groups since from, for the Metrics Snapshot Builder.
func (s *Store) CountOccurrencesSince(ctx context.Context, projectID uuid.UUID, from time.Time) (int64, error) {
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM occurrences WHERE project_id = ? AND timestamp >= ?",
		projectID.String(), from.Format(time.RFC3339Nano))
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count occurrences since: %w", err)
	}
	return n, nil
}

// CountOccurrencesForFingerprintSince narrows the count to a single group's
// fingerprint, used by threshold/spike rule evaluation.
func (s *Store) CountOccurrencesForFingerprintSince(ctx context.Context, projectID uuid.UUID, fingerprint string, from time.Time) (int64, error) {
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM occurrences WHERE project_id = ? AND fingerprint = ? AND timestamp >= ?",
		projectID.String(), fingerprint, from.Format(time.RFC3339Nano))
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count occurrences for fingerprint since: %w", err)
	}
	return n, nil
}

// retentionBatchSize bounds each delete statement issued by DeleteOlderThan
// so a sweep never holds one giant statement against the DB.
const retentionBatchSize = 500

// DeleteErrorGroup removes a single group and all of its occurrences.
func (s *Store) DeleteErrorGroup(ctx context.Context, projectID, id uuid.UUID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM error_groups WHERE project_id = ? AND id = ?",
			projectID.String(), id.String())
		if err != nil {
			return fmt.Errorf("delete error group: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete error group rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM occurrences WHERE project_id = ? AND error_id = ?",
			projectID.String(), id.String()); err != nil {
			return fmt.Errorf("delete error group occurrences: %w", err)
		}
		return nil
	})
}

// DeleteOlderThan deletes occurrences past a project's retention window,
// then any error group left with zero remaining occurrences whose
// lastSeen also precedes cutoff. Each delete is its own batch of at
// most retentionBatchSize rows, committed independently, so a restart
// after a crash mid-sweep resumes without redoing already-committed
// batches; deleting an already-deleted row is a no-op, so the whole
// operation is idempotent. It returns the number of error groups removed.
func (s *Store) DeleteOlderThan(ctx context.Context, projectID uuid.UUID, cutoff time.Time) (int64, error) {
	cutoffStr := cutoff.Format(time.RFC3339Nano)

	for {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM occurrences WHERE rowid IN (
				SELECT rowid FROM occurrences WHERE project_id = ? AND timestamp < ? LIMIT ?
			)`, projectID.String(), cutoffStr, retentionBatchSize)
		if err != nil {
			return 0, fmt.Errorf("delete occurrences older than cutoff: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("delete occurrences rows affected: %w", err)
		}
		if n < retentionBatchSize {
			break
		}
	}

	var totalGroups int64
	for {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM error_groups WHERE rowid IN (
				SELECT g.rowid FROM error_groups g
				WHERE g.project_id = ? AND g.last_seen < ?
				AND NOT EXISTS (SELECT 1 FROM occurrences o WHERE o.error_id = g.id)
				LIMIT ?
			)`, projectID.String(), cutoffStr, retentionBatchSize)
		if err != nil {
			return totalGroups, fmt.Errorf("delete stale groups: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return totalGroups, fmt.Errorf("delete stale groups rows affected: %w", err)
		}
		totalGroups += n
		if n < retentionBatchSize {
			break
		}
	}

	return totalGroups, nil
}
