package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/provgate/provgate/pkg/engine"
	"github.com/provgate/provgate/pkg/workflow"
)

// CreateInstance persists a new workflow instance.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	levels, err := json.Marshal(inst.Levels)
	if err != nil {
		return fmt.Errorf("failed to encode approval levels: %w", err)
	}

	query := `
		INSERT INTO workflow_instances (id, request_id, levels, current_level, status, reason, created_at, expires_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		inst.ID,
		inst.RequestID,
		string(levels),
		inst.CurrentLevel,
		inst.Status,
		inst.Reason,
		inst.CreatedAt,
		inst.ExpiresAt,
		inst.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow instance: %w", err)
	}
	return nil
}

const instanceColumns = "id, request_id, levels, current_level, status, reason, created_at, expires_at, decided_at"

func scanInstance(row interface{ Scan(...interface{}) error }) (*workflow.Instance, error) {
	inst := &workflow.Instance{}
	var levels string
	var decidedAt sql.NullTime
	err := row.Scan(
		&inst.ID,
		&inst.RequestID,
		&levels,
		&inst.CurrentLevel,
		&inst.Status,
		&inst.Reason,
		&inst.CreatedAt,
		&inst.ExpiresAt,
		&decidedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(levels), &inst.Levels); err != nil {
		return nil, fmt.Errorf("failed to decode approval levels: %w", err)
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		inst.DecidedAt = &t
	}
	return inst, nil
}

// GetInstance retrieves a workflow instance by ID.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	query := fmt.Sprintf("SELECT %s FROM workflow_instances WHERE id = ?", instanceColumns)

	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewValidationError(fmt.Sprintf("workflow instance not found: %s", id), nil).
			WithCode(engine.CodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow instance: %w", err)
	}
	return inst, nil
}

// GetInstanceByRequest retrieves the workflow instance gating a request.
func (s *SQLiteStore) GetInstanceByRequest(ctx context.Context, requestID string) (*workflow.Instance, error) {
	query := fmt.Sprintf("SELECT %s FROM workflow_instances WHERE request_id = ? ORDER BY created_at DESC LIMIT 1", instanceColumns)

	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewValidationError(fmt.Sprintf("no workflow instance for request: %s", requestID), nil).
			WithCode(engine.CodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance persists the mutable fields of a workflow instance.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *workflow.Instance) error {
	query := `
		UPDATE workflow_instances
		SET current_level = ?, status = ?, reason = ?, decided_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		inst.CurrentLevel,
		inst.Status,
		inst.Reason,
		inst.DecidedAt,
		inst.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow instance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewValidationError(fmt.Sprintf("workflow instance not found: %s", inst.ID), nil).
			WithCode(engine.CodeNotFound)
	}
	return nil
}

// ListPendingInstances lists pending instances whose deadline is at or
// before expiredBefore.
func (s *SQLiteStore) ListPendingInstances(ctx context.Context, expiredBefore time.Time) ([]*workflow.Instance, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM workflow_instances WHERE status = ? AND expires_at <= ? ORDER BY expires_at ASC",
		instanceColumns)

	rows, err := s.db.QueryContext(ctx, query, workflow.InstancePending, expiredBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending instances: %w", err)
	}
	defer rows.Close()

	instances := []*workflow.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// CreateDecision records one approver's verdict.
func (s *SQLiteStore) CreateDecision(ctx context.Context, dec *workflow.Decision) error {
	query := `
		INSERT INTO approval_decisions (id, instance_id, level, approver, approved, comment, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		dec.ID,
		dec.InstanceID,
		dec.Level,
		dec.Approver,
		dec.Approved,
		dec.Comment,
		dec.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create decision: %w", err)
	}
	return nil
}

// ListDecisions lists the decisions of an instance in the order they were
// made.
func (s *SQLiteStore) ListDecisions(ctx context.Context, instanceID string) ([]*workflow.Decision, error) {
	query := `
		SELECT id, instance_id, level, approver, approved, comment, decided_at
		FROM approval_decisions
		WHERE instance_id = ?
		ORDER BY decided_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	decisions := []*workflow.Decision{}
	for rows.Next() {
		dec := &workflow.Decision{}
		err := rows.Scan(
			&dec.ID,
			&dec.InstanceID,
			&dec.Level,
			&dec.Approver,
			&dec.Approved,
			&dec.Comment,
			&dec.DecidedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, dec)
	}
	return decisions, rows.Err()
}
