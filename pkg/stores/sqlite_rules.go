package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/provgate/provgate/pkg/engine"
	"github.com/provgate/provgate/pkg/rules"
)

// PublishRule stores a new version of a rule. The version is assigned
// automatically as the successor of the latest stored version; published
// versions are immutable.
func (s *SQLiteStore) PublishRule(ctx context.Context, rule *rules.Rule) error {
	if err := rule.Validate(); err != nil {
		return engine.NewValidationError(err.Error(), nil)
	}

	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var latest sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT MAX(version) FROM rules WHERE id = ?`, rule.ID).Scan(&latest)
	if err != nil {
		return fmt.Errorf("failed to read latest rule version: %w", err)
	}
	rule.Version = int(latest.Int64) + 1
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO rules (id, version, target, identity_kind, attribute, template, priority, enabled, conditions, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		rule.ID,
		rule.Version,
		rule.Target,
		rule.IdentityKind,
		rule.Attribute,
		rule.Template,
		rule.Priority,
		rule.Enabled,
		string(conditions),
		rule.CreatedBy,
		rule.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to publish rule: %w", err)
	}
	return tx.Commit()
}

// ListRules returns the latest version of every rule for the target. An
// empty target returns the latest version of every rule.
func (s *SQLiteStore) ListRules(ctx context.Context, target string) ([]*rules.Rule, error) {
	query := `
		SELECT r.id, r.version, r.target, r.identity_kind, r.attribute, r.template, r.priority, r.enabled, r.conditions, r.created_by, r.created_at
		FROM rules r
		INNER JOIN (
			SELECT id, MAX(version) AS version FROM rules GROUP BY id
		) latest ON r.id = latest.id AND r.version = latest.version
	`
	args := []interface{}{}
	if target != "" {
		query += " WHERE r.target = ?"
		args = append(args, target)
	}
	query += " ORDER BY r.priority ASC, r.id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	out := []*rules.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// GetRule returns one specific rule version. Version 0 means latest.
func (s *SQLiteStore) GetRule(ctx context.Context, id string, version int) (*rules.Rule, error) {
	query := `
		SELECT id, version, target, identity_kind, attribute, template, priority, enabled, conditions, created_by, created_at
		FROM rules WHERE id = ?
	`
	args := []interface{}{id}
	if version > 0 {
		query += " AND version = ?"
		args = append(args, version)
	} else {
		query += " ORDER BY version DESC LIMIT 1"
	}

	rule, err := scanRule(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewValidationError(fmt.Sprintf("rule not found: %s", id), nil).
			WithCode(engine.CodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// SetRuleEnabled publishes a new version of the rule with the enabled flag
// flipped, preserving version immutability.
func (s *SQLiteStore) SetRuleEnabled(ctx context.Context, id string, enabled bool, actor string) error {
	rule, err := s.GetRule(ctx, id, 0)
	if err != nil {
		return err
	}
	if rule.Enabled == enabled {
		return nil
	}
	rule.Enabled = enabled
	rule.CreatedBy = actor
	rule.CreatedAt = time.Now().UTC()
	return s.PublishRule(ctx, rule)
}

func scanRule(row interface{ Scan(...interface{}) error }) (*rules.Rule, error) {
	rule := &rules.Rule{}
	var conditions string
	err := row.Scan(
		&rule.ID,
		&rule.Version,
		&rule.Target,
		&rule.IdentityKind,
		&rule.Attribute,
		&rule.Template,
		&rule.Priority,
		&rule.Enabled,
		&conditions,
		&rule.CreatedBy,
		&rule.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to decode conditions: %w", err)
	}
	return rule, nil
}
