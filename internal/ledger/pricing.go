package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"frameworks/api_credits/pkg/models"
)

const pricingRuleColumns = `id, action_type, display_name, cost_per_action, free_allowance_per_month, is_active, created_at, updated_at`

func scanPricingRule(row *sql.Row) (*models.PricingRule, error) {
	var r models.PricingRule
	err := row.Scan(&r.ID, &r.ActionType, &r.DisplayName, &r.CostPerAction,
		&r.FreeAllowancePerMonth, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownAction
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pricing rule: %w", err)
	}
	return &r, nil
}

// LookupRule returns the active pricing rule for an action type. Rules
// are read live so price changes apply to the next charge immediately;
// in-flight charges keep the rule they read.
func (s *Service) LookupRule(ctx context.Context, actionType string) (*models.PricingRule, error) {
	if actionType == "" {
		return nil, NewValidationError("action_type is required")
	}
	query := `SELECT ` + pricingRuleColumns + `
		FROM bursar.pricing_rules
		WHERE action_type = $1 AND is_active`
	return scanPricingRule(s.db.QueryRowContext(ctx, query, actionType))
}

// ListRules returns all active pricing rules.
func (s *Service) ListRules(ctx context.Context) ([]models.PricingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pricingRuleColumns+`
		FROM bursar.pricing_rules
		WHERE is_active
		ORDER BY action_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pricing rules: %w", err)
	}
	defer rows.Close()

	var rules []models.PricingRule
	for rows.Next() {
		var r models.PricingRule
		if err := rows.Scan(&r.ID, &r.ActionType, &r.DisplayName, &r.CostPerAction,
			&r.FreeAllowancePerMonth, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pricing rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
