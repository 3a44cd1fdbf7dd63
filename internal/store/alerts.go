package store

import (
	"context"
	"encoding/json"
	"fmt"

	"tickwatch/internal/models"
)

// ============================================================================
// Price Alerts
// ============================================================================

// SavePriceAlert inserts or replaces a price alert.
func (s *SQLiteStore) SavePriceAlert(ctx context.Context, alert *models.PriceAlert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO price_alerts (id, user_id, symbol, condition, target_price, target_price2, percentage_change, active, recurring, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, alert.ID, alert.UserID, alert.Symbol, string(alert.Condition), alert.TargetPrice, alert.TargetPrice2, alert.PercentageChange, alert.Active, alert.Recurring, alert.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save price alert: %w", err)
	}
	return nil
}

// ListPriceAlerts returns price alerts matching filter.
func (s *SQLiteStore) ListPriceAlerts(ctx context.Context, filter AlertFilter) ([]models.PriceAlert, error) {
	query, args := alertQuery(`
		SELECT id, user_id, symbol, condition, target_price, target_price2, percentage_change, active, recurring, created_at
		FROM price_alerts`, filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query price alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.PriceAlert
	for rows.Next() {
		var a models.PriceAlert
		var condition string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Symbol, &condition, &a.TargetPrice, &a.TargetPrice2, &a.PercentageChange, &a.Active, &a.Recurring, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price alert: %w", err)
		}
		a.Condition = models.Condition(condition)
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

// GetActivePriceAlerts returns every active price alert.
func (s *SQLiteStore) GetActivePriceAlerts(ctx context.Context) ([]models.PriceAlert, error) {
	return s.ListPriceAlerts(ctx, AlertFilter{ActiveOnly: true})
}

// DeactivatePriceAlert marks a one-shot price alert as fired.
func (s *SQLiteStore) DeactivatePriceAlert(ctx context.Context, id string) error {
	return deactivate(ctx, s.db, "price_alerts", id)
}

// ============================================================================
// Social Alerts
// ============================================================================

// SaveSocialAlert inserts or replaces a social alert.
func (s *SQLiteStore) SaveSocialAlert(ctx context.Context, alert *models.SocialAlert) error {
	keywords, err := json.Marshal(alert.Keywords)
	if err != nil {
		return fmt.Errorf("failed to encode keywords: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO social_alerts (id, user_id, account, keywords, active, recurring, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, alert.ID, alert.UserID, alert.Account, string(keywords), alert.Active, alert.Recurring, alert.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save social alert: %w", err)
	}
	return nil
}

// ListSocialAlerts returns social alerts matching filter.
func (s *SQLiteStore) ListSocialAlerts(ctx context.Context, filter AlertFilter) ([]models.SocialAlert, error) {
	query, args := alertQuery(`
		SELECT id, user_id, account, keywords, active, recurring, created_at
		FROM social_alerts`, filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query social alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.SocialAlert
	for rows.Next() {
		var a models.SocialAlert
		var keywordsJSON string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Account, &keywordsJSON, &a.Active, &a.Recurring, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan social alert: %w", err)
		}
		if err := json.Unmarshal([]byte(keywordsJSON), &a.Keywords); err != nil {
			return nil, fmt.Errorf("failed to decode keywords of %s: %w", a.ID, err)
		}
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

// GetActiveSocialAlerts returns every active social alert.
func (s *SQLiteStore) GetActiveSocialAlerts(ctx context.Context) ([]models.SocialAlert, error) {
	return s.ListSocialAlerts(ctx, AlertFilter{ActiveOnly: true})
}

// DeactivateSocialAlert marks a one-shot social alert as fired.
func (s *SQLiteStore) DeactivateSocialAlert(ctx context.Context, id string) error {
	return deactivate(ctx, s.db, "social_alerts", id)
}

// ============================================================================
// Condition Groups
// ============================================================================

// SaveConditionGroup inserts or replaces a condition group.
func (s *SQLiteStore) SaveConditionGroup(ctx context.Context, group *models.ConditionGroup) error {
	assets, err := json.Marshal(group.Assets)
	if err != nil {
		return fmt.Errorf("failed to encode group assets: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO condition_groups (id, user_id, name, assets, logic_operator, active, recurring, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, group.ID, group.UserID, group.Name, string(assets), string(group.LogicOperator), group.Active, group.Recurring, group.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save condition group: %w", err)
	}
	return nil
}

// ListConditionGroups returns condition groups matching filter.
func (s *SQLiteStore) ListConditionGroups(ctx context.Context, filter AlertFilter) ([]models.ConditionGroup, error) {
	query, args := alertQuery(`
		SELECT id, user_id, name, assets, logic_operator, active, recurring, created_at
		FROM condition_groups`, filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query condition groups: %w", err)
	}
	defer rows.Close()

	var groups []models.ConditionGroup
	for rows.Next() {
		var g models.ConditionGroup
		var assetsJSON, logic string
		if err := rows.Scan(&g.ID, &g.UserID, &g.Name, &assetsJSON, &logic, &g.Active, &g.Recurring, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan condition group: %w", err)
		}
		if err := json.Unmarshal([]byte(assetsJSON), &g.Assets); err != nil {
			return nil, fmt.Errorf("failed to decode assets of %s: %w", g.ID, err)
		}
		g.LogicOperator = models.LogicOperator(logic)
		groups = append(groups, g)
	}

	return groups, rows.Err()
}

// GetActiveConditionGroups returns every active condition group.
func (s *SQLiteStore) GetActiveConditionGroups(ctx context.Context) ([]models.ConditionGroup, error) {
	return s.ListConditionGroups(ctx, AlertFilter{ActiveOnly: true})
}

// DeactivateConditionGroup marks a one-shot group as fired.
func (s *SQLiteStore) DeactivateConditionGroup(ctx context.Context, id string) error {
	return deactivate(ctx, s.db, "condition_groups", id)
}
