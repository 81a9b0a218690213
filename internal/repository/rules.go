package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/billscope/internal/domain"
)

// SaveRuleConfig upserts a finding rule by id.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, name, description, version, expression, action, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			action = excluded.action,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Version,
		rule.Expression, string(rule.Action), boolToInt(rule.Enabled),
		now, now,
	)
	return err
}

const ruleColumns = `id, name, description, version, expression, action, enabled`

func scanRule(row rowScanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description *string
	var enabled int

	if err := row.Scan(&cfg.ID, &cfg.Name, &description, &cfg.Version, &cfg.Expression, &cfg.Action, &enabled); err != nil {
		return nil, err
	}
	if description != nil {
		cfg.Description = *description
	}
	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// GetRuleConfig returns a finding rule by id.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	query := `SELECT ` + ruleColumns + ` FROM rule_configs WHERE id = ?`

	cfg, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if err != nil {
		return nil, notFound(err, "rule %s", ruleID)
	}
	return cfg, nil
}

// ListRuleConfigs returns every finding rule ordered by id, disabled ones included.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `SELECT ` + ruleColumns + ` FROM rule_configs ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}
