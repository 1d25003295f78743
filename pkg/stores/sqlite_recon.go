package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/provgate/provgate/pkg/engine"
	"github.com/provgate/provgate/pkg/recon"
)

// CreateJob persists a new reconciliation job.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *recon.Job) error {
	query := `
		INSERT INTO recon_jobs (id, target, mode, status, checked, found, last_error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Target,
		job.Mode,
		job.Status,
		job.Checked,
		job.Found,
		job.LastError,
		job.StartedAt,
		job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create recon job: %w", err)
	}
	return nil
}

// UpdateJob persists the mutable fields of a reconciliation job.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *recon.Job) error {
	query := `
		UPDATE recon_jobs
		SET status = ?, checked = ?, found = ?, last_error = ?, finished_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		job.Status,
		job.Checked,
		job.Found,
		job.LastError,
		job.FinishedAt,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update recon job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewValidationError(fmt.Sprintf("recon job not found: %s", job.ID), nil).
			WithCode(engine.CodeNotFound)
	}
	return nil
}

const jobColumns = "id, target, mode, status, checked, found, last_error, started_at, finished_at"

func scanJob(row interface{ Scan(...interface{}) error }) (*recon.Job, error) {
	job := &recon.Job{}
	var finishedAt sql.NullTime
	err := row.Scan(
		&job.ID,
		&job.Target,
		&job.Mode,
		&job.Status,
		&job.Checked,
		&job.Found,
		&job.LastError,
		&job.StartedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}

// GetJob retrieves a reconciliation job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*recon.Job, error) {
	query := fmt.Sprintf("SELECT %s FROM recon_jobs WHERE id = ?", jobColumns)

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewValidationError(fmt.Sprintf("recon job not found: %s", id), nil).
			WithCode(engine.CodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recon job: %w", err)
	}
	return job, nil
}

// LastFinishedJob returns the most recently started finished job for the
// target, or nil when none exists.
func (s *SQLiteStore) LastFinishedJob(ctx context.Context, target string) (*recon.Job, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM recon_jobs WHERE target = ? AND status = ? ORDER BY started_at DESC LIMIT 1",
		jobColumns)

	job, err := scanJob(s.db.QueryRowContext(ctx, query, target, recon.JobFinished))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last finished job: %w", err)
	}
	return job, nil
}

// ListJobs lists reconciliation jobs for a target, newest first. An empty
// target lists jobs for all targets.
func (s *SQLiteStore) ListJobs(ctx context.Context, target string, limit int) ([]*recon.Job, error) {
	query := fmt.Sprintf("SELECT %s FROM recon_jobs", jobColumns)
	args := []interface{}{}
	if target != "" {
		query += " WHERE target = ?"
		args = append(args, target)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recon jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*recon.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recon job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CreateDiscrepancy records one detected divergence.
func (s *SQLiteStore) CreateDiscrepancy(ctx context.Context, d *recon.Discrepancy) error {
	query := `
		INSERT INTO discrepancies (id, job_id, identity_key, target, kind, attribute, expected, observed, action, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.JobID,
		d.IdentityKey,
		d.Target,
		d.Kind,
		d.Attribute,
		d.Expected,
		d.Observed,
		d.Action,
		d.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create discrepancy: %w", err)
	}
	return nil
}

// ListDiscrepancies lists the discrepancies recorded by a job.
func (s *SQLiteStore) ListDiscrepancies(ctx context.Context, jobID string) ([]*recon.Discrepancy, error) {
	query := `
		SELECT id, job_id, identity_key, target, kind, attribute, expected, observed, action, detected_at
		FROM discrepancies
		WHERE job_id = ?
		ORDER BY detected_at ASC, identity_key ASC
	`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list discrepancies: %w", err)
	}
	defer rows.Close()

	out := []*recon.Discrepancy{}
	for rows.Next() {
		d := &recon.Discrepancy{}
		err := rows.Scan(
			&d.ID,
			&d.JobID,
			&d.IdentityKey,
			&d.Target,
			&d.Kind,
			&d.Attribute,
			&d.Expected,
			&d.Observed,
			&d.Action,
			&d.DetectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan discrepancy: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
