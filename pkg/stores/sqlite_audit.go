package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/provgate/provgate/pkg/engine"
)

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	SubjectID string
	Kind      string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// AppendAudit appends one audit event. Events are never updated or deleted;
// the table carries no UPDATE or DELETE path.
func (s *SQLiteStore) AppendAudit(ctx context.Context, event *engine.AuditEvent) error {
	query := `
		INSERT INTO audit_events (actor, kind, subject_id, before_state, after_state, severity, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.Actor,
		event.Kind,
		event.SubjectID,
		event.Before,
		event.After,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// QueryAudit returns audit events matching the filter, newest first.
func (s *SQLiteStore) QueryAudit(ctx context.Context, filter AuditFilter) ([]*engine.AuditEvent, error) {
	query := `
		SELECT id, actor, kind, subject_id, before_state, after_state, severity, timestamp
		FROM audit_events
		WHERE 1 = 1
	`
	args := []interface{}{}

	if filter.SubjectID != "" {
		query += " AND subject_id = ?"
		args = append(args, filter.SubjectID)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, filter.Until)
	}

	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := []*engine.AuditEvent{}
	for rows.Next() {
		event := &engine.AuditEvent{}
		err := rows.Scan(
			&event.ID,
			&event.Actor,
			&event.Kind,
			&event.SubjectID,
			&event.Before,
			&event.After,
			&event.Severity,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
