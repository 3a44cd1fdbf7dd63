// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"tickwatch/internal/models"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Price alerts
	SavePriceAlert(ctx context.Context, alert *models.PriceAlert) error
	ListPriceAlerts(ctx context.Context, filter AlertFilter) ([]models.PriceAlert, error)
	GetActivePriceAlerts(ctx context.Context) ([]models.PriceAlert, error)
	DeactivatePriceAlert(ctx context.Context, id string) error

	// Social alerts
	SaveSocialAlert(ctx context.Context, alert *models.SocialAlert) error
	ListSocialAlerts(ctx context.Context, filter AlertFilter) ([]models.SocialAlert, error)
	GetActiveSocialAlerts(ctx context.Context) ([]models.SocialAlert, error)
	DeactivateSocialAlert(ctx context.Context, id string) error

	// Condition groups
	SaveConditionGroup(ctx context.Context, group *models.ConditionGroup) error
	ListConditionGroups(ctx context.Context, filter AlertFilter) ([]models.ConditionGroup, error)
	GetActiveConditionGroups(ctx context.Context) ([]models.ConditionGroup, error)
	DeactivateConditionGroup(ctx context.Context, id string) error

	// Recipients
	SaveRecipient(ctx context.Context, r *models.Recipient) error
	GetRecipient(ctx context.Context, userID string) (*models.Recipient, error)

	// Usage ledger
	GetUsage(ctx context.Context, userID, identity, date string) (*models.UsageEntry, error)
	UpsertUsage(ctx context.Context, entry *models.UsageEntry) error
	ListUsage(ctx context.Context, userID, date string) ([]models.UsageEntry, error)

	// Sender stats
	GetSenderStats(ctx context.Context) ([]models.SenderStats, error)
	UpsertSenderStats(ctx context.Context, stats *models.SenderStats) error

	// Delivery logs
	SaveDeliveryLog(ctx context.Context, entry *models.DeliveryLog) error
	GetDeliveryLogs(ctx context.Context, filter DeliveryFilter) ([]models.DeliveryLog, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	UserID     string
	ActiveOnly bool
	Limit      int
}

// DeliveryFilter narrows delivery log queries.
type DeliveryFilter struct {
	UserID  string
	AlertID string
	Status  models.DeliveryStatus
	Since   time.Time
	Limit   int
}
