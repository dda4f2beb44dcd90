package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrRuleNotFound is returned when a rule lookup matches no row.
var ErrRuleNotFound = errors.New("rule not found")

// RuleRepository handles database operations for notification rules
type RuleRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *DB, logger *zap.Logger) *RuleRepository {
	return &RuleRepository{
		db:     db,
		logger: logger,
	}
}

// CreateRule validates and inserts a new rule
func (r *RuleRepository) CreateRule(ctx context.Context, rule *NotificationRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO notification_rules (
			id, tenant_id, name, trigger_type, threshold_value,
			keywords, channels, enabled
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		rule.ID,
		rule.TenantID,
		rule.Name,
		rule.TriggerType,
		rule.ThresholdValue,
		rule.Keywords,
		rule.Channels,
		rule.Enabled,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create rule",
			zap.Error(err),
			zap.String("rule_id", rule.ID.String()),
		)
		return fmt.Errorf("insert rule: %w", err)
	}

	r.logger.Info("rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("tenant_id", rule.TenantID.String()),
		zap.String("trigger_type", rule.TriggerType),
	)

	return nil
}

// GetRule retrieves a rule by ID
func (r *RuleRepository) GetRule(ctx context.Context, id uuid.UUID) (*NotificationRule, error) {
	query := `
		SELECT
			id, tenant_id, name, trigger_type, threshold_value,
			keywords, channels, enabled, created_at, updated_at
		FROM notification_rules
		WHERE id = $1
	`

	var rule NotificationRule
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&rule.ID,
		&rule.TenantID,
		&rule.Name,
		&rule.TriggerType,
		&rule.ThresholdValue,
		&rule.Keywords,
		&rule.Channels,
		&rule.Enabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRuleNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("query rule: %w", err)
	}

	return &rule, nil
}

// UpdateRule validates and updates a rule's mutable fields. The row is
// replaced atomically so the evaluator never observes a half-updated rule.
func (r *RuleRepository) UpdateRule(ctx context.Context, rule *NotificationRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE notification_rules
		SET name = $1, trigger_type = $2, threshold_value = $3,
		    keywords = $4, channels = $5, enabled = $6, updated_at = NOW()
		WHERE id = $7 AND tenant_id = $8
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		rule.Name,
		rule.TriggerType,
		rule.ThresholdValue,
		rule.Keywords,
		rule.Channels,
		rule.Enabled,
		rule.ID,
		rule.TenantID,
	).Scan(&rule.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRuleNotFound
	}

	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}

	r.logger.Info("rule updated",
		zap.String("rule_id", rule.ID.String()),
		zap.Bool("enabled", rule.Enabled),
	)

	return nil
}

// DisableRule retires a rule without deleting it, preserving
// referential integrity of existing notifications.
func (r *RuleRepository) DisableRule(ctx context.Context, tenantID, id uuid.UUID) error {
	query := `
		UPDATE notification_rules
		SET enabled = false, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, id, tenantID)
	if err != nil {
		return fmt.Errorf("disable rule: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrRuleNotFound
	}

	r.logger.Info("rule disabled", zap.String("rule_id", id.String()))

	return nil
}

// ListRules retrieves all rules for a tenant, enabled or not
func (r *RuleRepository) ListRules(ctx context.Context, tenantID uuid.UUID) ([]*NotificationRule, error) {
	return r.listRules(ctx, tenantID, false)
}

// ListEnabledRules retrieves the rules the evaluator considers for a
// tenant's events. Each call returns a consistent snapshot.
func (r *RuleRepository) ListEnabledRules(ctx context.Context, tenantID uuid.UUID) ([]*NotificationRule, error) {
	return r.listRules(ctx, tenantID, true)
}

func (r *RuleRepository) listRules(ctx context.Context, tenantID uuid.UUID, enabledOnly bool) ([]*NotificationRule, error) {
	query := `
		SELECT
			id, tenant_id, name, trigger_type, threshold_value,
			keywords, channels, enabled, created_at, updated_at
		FROM notification_rules
		WHERE tenant_id = $1
	`
	if enabledOnly {
		query += ` AND enabled = true`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.Pool().Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []*NotificationRule
	for rows.Next() {
		var rule NotificationRule
		err := rows.Scan(
			&rule.ID,
			&rule.TenantID,
			&rule.Name,
			&rule.TriggerType,
			&rule.ThresholdValue,
			&rule.Keywords,
			&rule.Channels,
			&rule.Enabled,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, &rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return rules, nil
}
