// Package sqltarget implements a connector for SQL-backed target systems.
// Each identity is a row in a configured accounts table; calculated
// attributes map to columns. PostgreSQL is the tested dialect.
package sqltarget

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/provgate/provgate/pkg/engine"
	"github.com/provgate/provgate/pkg/telemetry"
)

// Postgres error codes that classify as permanent.
const (
	pqUniqueViolation = "23505"
	pqInvalidPassword = "28P01"
)

// Config configures one SQL target connector.
type Config struct {
	// Name is the target-system name used in logs and errors.
	Name string `yaml:"name"`

	// DSN is the database connection string.
	DSN string `yaml:"dsn"`

	// Table is the accounts table. Rows are keyed by the key column.
	Table string `yaml:"table"`

	// KeyColumn holds the identity key. Defaults to "identity_key".
	KeyColumn string `yaml:"key_column"`

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// Connector provisions identities into a SQL accounts table. Attributes are
// stored as a JSON document alongside an enabled flag so the schema does not
// have to change per target.
type Connector struct {
	db     *sqlx.DB
	cfg    Config
	logger zerolog.Logger
}

// New opens the target database and returns a connector.
func New(cfg Config, logger *telemetry.Logger) (*Connector, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("sql target %s: table is required", cfg.Name)
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql target %s: %w", cfg.Name, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return NewWithDB(db, cfg, logger), nil
}

// NewWithDB wraps an existing database handle. Tests use it with sqlmock.
func NewWithDB(db *sqlx.DB, cfg Config, logger *telemetry.Logger) *Connector {
	if cfg.KeyColumn == "" {
		cfg.KeyColumn = "identity_key"
	}
	return &Connector{
		db:     db,
		cfg:    cfg,
		logger: logger.NewComponentLogger("sqltarget").Zerolog().With().Str("target", cfg.Name).Logger(),
	}
}

// Close releases the connection pool.
func (c *Connector) Close() error {
	return c.db.Close()
}

type accountRow struct {
	IdentityKey string `db:"identity_key"`
	Attributes  []byte `db:"attributes"`
	Enabled     bool   `db:"enabled"`
}

// Probe implements engine.Connector.
func (c *Connector) Probe(ctx context.Context, identityKey string) (bool, engine.Attributes, error) {
	query := fmt.Sprintf(
		"SELECT %s AS identity_key, attributes, enabled FROM %s WHERE %s = $1",
		c.cfg.KeyColumn, c.cfg.Table, c.cfg.KeyColumn)

	var row accountRow
	err := c.db.GetContext(ctx, &row, query, identityKey)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, c.classify("probe", err)
	}

	attrs := make(engine.Attributes)
	if len(row.Attributes) > 0 {
		if err := json.Unmarshal(row.Attributes, &attrs); err != nil {
			return false, nil, engine.NewPermanentError("decoding stored attributes", err).WithTarget(c.cfg.Name)
		}
	}
	attrs["enabled"] = fmt.Sprintf("%t", row.Enabled)
	return true, attrs, nil
}

// Apply implements engine.Connector.
func (c *Connector) Apply(ctx context.Context, identityKey string, kind engine.OperationKind, calculated engine.Attributes) (*engine.Receipt, error) {
	receipt := &engine.Receipt{
		TargetKey: identityKey,
		AppliedAt: time.Now().UTC(),
		Data:      map[string]string{"kind": string(kind)},
	}

	switch kind {
	case engine.OpCreate:
		doc, err := json.Marshal(calculated)
		if err != nil {
			return nil, engine.NewPermanentError("encoding attributes", err).WithTarget(c.cfg.Name)
		}
		query := fmt.Sprintf(
			"INSERT INTO %s (%s, attributes, enabled) VALUES ($1, $2, true)",
			c.cfg.Table, c.cfg.KeyColumn)
		if _, err := c.db.ExecContext(ctx, query, identityKey, doc); err != nil {
			return nil, c.classify("create", err)
		}

	case engine.OpUpdate:
		prior, err := c.priorAttributes(ctx, identityKey)
		if err != nil {
			return nil, err
		}
		receipt.Data["prior"] = prior
		doc, err := json.Marshal(calculated)
		if err != nil {
			return nil, engine.NewPermanentError("encoding attributes", err).WithTarget(c.cfg.Name)
		}
		query := fmt.Sprintf("UPDATE %s SET attributes = $1 WHERE %s = $2", c.cfg.Table, c.cfg.KeyColumn)
		if err := c.execExpectingRow(ctx, query, doc, identityKey); err != nil {
			return nil, err
		}

	case engine.OpDelete:
		prior, err := c.priorAttributes(ctx, identityKey)
		if err != nil {
			return nil, err
		}
		receipt.Data["prior"] = prior
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", c.cfg.Table, c.cfg.KeyColumn)
		if err := c.execExpectingRow(ctx, query, identityKey); err != nil {
			return nil, err
		}

	case engine.OpEnable, engine.OpDisable:
		query := fmt.Sprintf("UPDATE %s SET enabled = $1 WHERE %s = $2", c.cfg.Table, c.cfg.KeyColumn)
		if err := c.execExpectingRow(ctx, query, kind == engine.OpEnable, identityKey); err != nil {
			return nil, err
		}

	default:
		return nil, engine.NewValidationError(fmt.Sprintf("unsupported operation %s", kind), nil).
			WithCode(engine.CodeUnsupportedOp).WithTarget(c.cfg.Name)
	}

	c.logger.Debug().Str("identity", identityKey).Str("kind", string(kind)).Msg("applied")
	return receipt, nil
}

// Compensate implements engine.Connector. Deletion of a created row is
// idempotent: a row that is already gone is success, not failure.
func (c *Connector) Compensate(ctx context.Context, identityKey string, receipt *engine.Receipt) error {
	kind := engine.OperationKind(receipt.Data["kind"])

	switch kind {
	case engine.OpCreate:
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", c.cfg.Table, c.cfg.KeyColumn)
		if _, err := c.db.ExecContext(ctx, query, identityKey); err != nil {
			return c.classify("compensate", err)
		}

	case engine.OpUpdate:
		if receipt.Data["prior"] == "" {
			return nil
		}
		query := fmt.Sprintf("UPDATE %s SET attributes = $1 WHERE %s = $2", c.cfg.Table, c.cfg.KeyColumn)
		if _, err := c.db.ExecContext(ctx, query, []byte(receipt.Data["prior"]), identityKey); err != nil {
			return c.classify("compensate", err)
		}

	case engine.OpDelete:
		if receipt.Data["prior"] == "" {
			return nil
		}
		query := fmt.Sprintf(
			"INSERT INTO %s (%s, attributes, enabled) VALUES ($1, $2, true) ON CONFLICT (%s) DO NOTHING",
			c.cfg.Table, c.cfg.KeyColumn, c.cfg.KeyColumn)
		if _, err := c.db.ExecContext(ctx, query, identityKey, []byte(receipt.Data["prior"])); err != nil {
			return c.classify("compensate", err)
		}

	case engine.OpEnable, engine.OpDisable:
		query := fmt.Sprintf("UPDATE %s SET enabled = $1 WHERE %s = $2", c.cfg.Table, c.cfg.KeyColumn)
		if _, err := c.db.ExecContext(ctx, query, kind == engine.OpDisable, identityKey); err != nil {
			return c.classify("compensate", err)
		}
	}

	return nil
}

// List returns every identity key present in the accounts table.
// Reconciliation uses it to detect orphaned accounts.
func (c *Connector) List(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", c.cfg.KeyColumn, c.cfg.Table, c.cfg.KeyColumn)
	var keys []string
	if err := c.db.SelectContext(ctx, &keys, query); err != nil {
		return nil, c.classify("list", err)
	}
	return keys, nil
}

func (c *Connector) priorAttributes(ctx context.Context, identityKey string) (string, error) {
	query := fmt.Sprintf("SELECT attributes FROM %s WHERE %s = $1", c.cfg.Table, c.cfg.KeyColumn)
	var doc []byte
	err := c.db.GetContext(ctx, &doc, query, identityKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", engine.NewPermanentError(fmt.Sprintf("identity %s not found", identityKey), nil).
			WithCode(engine.CodeNotFound).WithTarget(c.cfg.Name)
	}
	if err != nil {
		return "", c.classify("read", err)
	}
	return string(doc), nil
}

// execExpectingRow runs a statement that must affect exactly one row.
func (c *Connector) execExpectingRow(ctx context.Context, query string, args ...interface{}) error {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return c.classify("exec", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return c.classify("exec", err)
	}
	if n == 0 {
		return engine.NewPermanentError("identity not found", nil).
			WithCode(engine.CodeNotFound).WithTarget(c.cfg.Name)
	}
	return nil
}

// classify maps database errors onto the engine error taxonomy. Unique
// violations and auth failures are permanent; network failures and timeouts
// are transient.
func (c *Connector) classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			return engine.NewPermanentError(fmt.Sprintf("%s: duplicate key", op), err).
				WithCode(engine.CodeDuplicateKey).WithTarget(c.cfg.Name)
		case pqInvalidPassword:
			return engine.NewPermanentError(fmt.Sprintf("%s: authentication failed", op), err).
				WithCode(engine.CodeAuthFailed).WithTarget(c.cfg.Name)
		}
		if pqErr.Code.Class() == "08" {
			return engine.NewTransientError(fmt.Sprintf("%s: connection failure", op), err).WithTarget(c.cfg.Name)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return engine.NewTransientError(fmt.Sprintf("%s: timed out", op), err).
				WithCode(engine.CodeTimeout).WithTarget(c.cfg.Name)
		}
		return engine.NewTransientError(fmt.Sprintf("%s: network failure", op), err).WithTarget(c.cfg.Name)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError(fmt.Sprintf("%s: timed out", op), err).
			WithCode(engine.CodeTimeout).WithTarget(c.cfg.Name)
	}

	return engine.NewPermanentError(fmt.Sprintf("%s failed", op), err).WithTarget(c.cfg.Name)
}
