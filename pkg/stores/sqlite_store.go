package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/provgate/provgate/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the durable operation ledger plus the storage for rules,
// workflow instances, and reconciliation results. It implements
// engine.Ledger, rules.Source, workflow.Store, recon.Store, and
// recon.SnapshotSource.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Every pooled connection to :memory: would get its own database.
	if s.path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection-level setting, the DSN parameter alone is not enough.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateRequest persists a new provisioning request.
func (s *SQLiteStore) CreateRequest(ctx context.Context, req *engine.Request) error {
	targets, err := json.Marshal(req.Targets)
	if err != nil {
		return fmt.Errorf("failed to encode targets: %w", err)
	}
	attrs, err := json.Marshal(req.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	approvals, err := json.Marshal(req.Approvals)
	if err != nil {
		return fmt.Errorf("failed to encode approvals: %w", err)
	}

	query := `
		INSERT INTO requests (id, identity_key, identity_kind, kind, targets, attributes, priority, approvals, requested_by, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		req.ID,
		req.IdentityKey,
		req.IdentityKind,
		req.Kind,
		string(targets),
		string(attrs),
		req.Priority,
		string(approvals),
		req.RequestedBy,
		req.Status,
		req.LastError,
		req.CreatedAt,
		req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

const requestColumns = "id, identity_key, identity_kind, kind, targets, attributes, priority, approvals, requested_by, status, last_error, created_at, updated_at"

func scanRequest(row interface{ Scan(...interface{}) error }) (*engine.Request, error) {
	req := &engine.Request{}
	var targets, attrs, approvals string
	err := row.Scan(
		&req.ID,
		&req.IdentityKey,
		&req.IdentityKind,
		&req.Kind,
		&targets,
		&attrs,
		&req.Priority,
		&approvals,
		&req.RequestedBy,
		&req.Status,
		&req.LastError,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targets), &req.Targets); err != nil {
		return nil, fmt.Errorf("failed to decode targets: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &req.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	if err := json.Unmarshal([]byte(approvals), &req.Approvals); err != nil {
		return nil, fmt.Errorf("failed to decode approvals: %w", err)
	}
	return req, nil
}

// GetRequest retrieves a request by ID.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*engine.Request, error) {
	query := fmt.Sprintf("SELECT %s FROM requests WHERE id = ?", requestColumns)

	req, err := scanRequest(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewValidationError(fmt.Sprintf("request not found: %s", id), nil).
			WithCode(engine.CodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// UpdateRequestStatus updates the status and last error of a request.
func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, id string, status engine.RequestStatus, lastError string) error {
	query := `UPDATE requests SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, status, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewValidationError(fmt.Sprintf("request not found: %s", id), nil).
			WithCode(engine.CodeNotFound)
	}
	return nil
}

// ListRequestsByStatus lists requests in any of the given statuses, oldest
// first.
func (s *SQLiteStore) ListRequestsByStatus(ctx context.Context, statuses ...engine.RequestStatus) ([]*engine.Request, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := ""
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = st
	}

	query := fmt.Sprintf("SELECT %s FROM requests WHERE status IN (%s) ORDER BY created_at ASC", requestColumns, placeholders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	requests := []*engine.Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// CreateOperation persists a new per-target operation.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *engine.Operation) error {
	calculated, err := json.Marshal(op.Calculated)
	if err != nil {
		return fmt.Errorf("failed to encode calculated attributes: %w", err)
	}
	receipt, err := encodeReceipt(op.Receipt)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO operations (id, request_id, target, calculated, status, receipt, attempts, last_error, apply_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		op.ID,
		op.RequestID,
		op.Target,
		string(calculated),
		op.Status,
		receipt,
		op.Attempts,
		op.LastError,
		op.ApplySeq,
		op.CreatedAt,
		op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create operation: %w", err)
	}
	return nil
}

// UpdateOperation persists the mutable fields of an operation.
func (s *SQLiteStore) UpdateOperation(ctx context.Context, op *engine.Operation) error {
	receipt, err := encodeReceipt(op.Receipt)
	if err != nil {
		return err
	}

	query := `
		UPDATE operations
		SET status = ?, receipt = ?, attempts = ?, last_error = ?, apply_seq = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		op.Status,
		receipt,
		op.Attempts,
		op.LastError,
		op.ApplySeq,
		time.Now().UTC(),
		op.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewValidationError(fmt.Sprintf("operation not found: %s", op.ID), nil).
			WithCode(engine.CodeNotFound)
	}
	return nil
}

// ListOperations lists the operations of a request in creation order.
func (s *SQLiteStore) ListOperations(ctx context.Context, requestID string) ([]*engine.Operation, error) {
	query := `
		SELECT id, request_id, target, calculated, status, receipt, attempts, last_error, apply_seq, created_at, updated_at
		FROM operations
		WHERE request_id = ?
		ORDER BY created_at ASC, target ASC
	`

	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	ops := []*engine.Operation{}
	for rows.Next() {
		op := &engine.Operation{}
		var calculated string
		var receipt sql.NullString
		err := rows.Scan(
			&op.ID,
			&op.RequestID,
			&op.Target,
			&calculated,
			&op.Status,
			&receipt,
			&op.Attempts,
			&op.LastError,
			&op.ApplySeq,
			&op.CreatedAt,
			&op.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		if err := json.Unmarshal([]byte(calculated), &op.Calculated); err != nil {
			return nil, fmt.Errorf("failed to decode calculated attributes: %w", err)
		}
		if receipt.Valid && receipt.String != "" {
			op.Receipt = &engine.Receipt{}
			if err := json.Unmarshal([]byte(receipt.String), op.Receipt); err != nil {
				return nil, fmt.Errorf("failed to decode receipt: %w", err)
			}
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// UpsertSnapshot records the last-committed state for one (identity, target)
// pair.
func (s *SQLiteStore) UpsertSnapshot(ctx context.Context, snap *engine.Snapshot) error {
	attrs, err := json.Marshal(snap.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot attributes: %w", err)
	}

	query := `
		INSERT INTO snapshots (identity_key, target, attributes, request_id, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity_key, target) DO UPDATE SET
			attributes = excluded.attributes,
			request_id = excluded.request_id,
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		snap.IdentityKey,
		snap.Target,
		string(attrs),
		snap.RequestID,
		snap.Active,
		snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshot removes the snapshot for one (identity, target) pair.
// Deleting a missing snapshot is not an error.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, identityKey, target string) error {
	query := `DELETE FROM snapshots WHERE identity_key = ? AND target = ?`
	if _, err := s.db.ExecContext(ctx, query, identityKey, target); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// ListSnapshots lists the snapshots for a target, optionally restricted to
// those updated after updatedSince. A zero time returns every snapshot.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, target string, updatedSince time.Time) ([]*engine.Snapshot, error) {
	query := `
		SELECT identity_key, target, attributes, request_id, active, updated_at
		FROM snapshots
		WHERE target = ? AND updated_at > ?
		ORDER BY identity_key ASC
	`

	rows, err := s.db.QueryContext(ctx, query, target, updatedSince)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []*engine.Snapshot{}
	for rows.Next() {
		snap := &engine.Snapshot{}
		var attrs string
		err := rows.Scan(
			&snap.IdentityKey,
			&snap.Target,
			&attrs,
			&snap.RequestID,
			&snap.Active,
			&snap.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &snap.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot attributes: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func encodeReceipt(r *engine.Receipt) (interface{}, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode receipt: %w", err)
	}
	return string(b), nil
}
