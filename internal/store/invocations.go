// ABOUTME: Invocation audit methods for the SQLite store
// ABOUTME: Implements RecordInvocation, ListInvocations and the UsageByServer aggregation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Ensure SQLiteStore implements InvocationStore
var _ InvocationStore = (*SQLiteStore)(nil)

// RecordInvocation persists one invocation record.
// ID and CreatedAt are filled in when empty.
func (s *SQLiteStore) RecordInvocation(ctx context.Context, inv *Invocation) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO invocations (id, server_id, session_id, kind, name, ok, error_class, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		inv.ID,
		nullString(inv.ServerID),
		nullString(inv.SessionID),
		inv.Kind,
		inv.Name,
		inv.OK,
		nullString(inv.ErrorClass),
		inv.DurationMS,
		inv.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording invocation: %w", err)
	}

	return nil
}

// ListInvocations returns invocation records matching the filter, newest first.
// Records sharing a timestamp are ordered by ID for determinism.
func (s *SQLiteStore) ListInvocations(ctx context.Context, filter InvocationFilter) ([]*Invocation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var conditions []string
	var args []any

	if filter.ServerID != "" {
		conditions = append(conditions, "server_id = ?")
		args = append(args, filter.ServerID)
	}
	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, filter.Kind)
	}

	query := `
		SELECT id, server_id, session_id, kind, name, ok, error_class, duration_ms, created_at
		FROM invocations
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing invocations: %w", err)
	}
	defer rows.Close()

	var invocations []*Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		invocations = append(invocations, inv)
	}

	return invocations, rows.Err()
}

// UsageByServer aggregates invocation outcomes per backend server since the
// given time. Action invocations carry no server and are excluded. A zero
// time aggregates all records.
func (s *SQLiteStore) UsageByServer(ctx context.Context, since time.Time) ([]*ServerUsage, error) {
	query := `
		SELECT server_id,
		       COUNT(*) AS calls,
		       COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0) AS failures,
		       COALESCE(AVG(duration_ms), 0) AS avg_duration_ms
		FROM invocations
		WHERE server_id IS NOT NULL
	`
	var args []any
	if !since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, since.UTC().Format(time.RFC3339))
	}
	query += " GROUP BY server_id ORDER BY calls DESC, server_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregating usage: %w", err)
	}
	defer rows.Close()

	var usage []*ServerUsage
	for rows.Next() {
		u := &ServerUsage{}
		if err := rows.Scan(&u.ServerID, &u.Calls, &u.Failures, &u.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		usage = append(usage, u)
	}

	return usage, rows.Err()
}

// scanInvocation scans one invocations row
func scanInvocation(rows *sql.Rows) (*Invocation, error) {
	inv := &Invocation{}
	var serverID, sessionID, errorClass sql.NullString
	var createdAtStr string

	err := rows.Scan(&inv.ID, &serverID, &sessionID, &inv.Kind, &inv.Name,
		&inv.OK, &errorClass, &inv.DurationMS, &createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("scanning invocation row: %w", err)
	}

	inv.ServerID = serverID.String
	inv.SessionID = sessionID.String
	inv.ErrorClass = errorClass.String

	inv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return inv, nil
}
