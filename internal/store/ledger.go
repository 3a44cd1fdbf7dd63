package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/models"
)

// ============================================================================
// Recipients
// ============================================================================

// SaveRecipient inserts or replaces a user's delivery profile.
func (s *SQLiteStore) SaveRecipient(ctx context.Context, r *models.Recipient) error {
	channel := r.PreferredChannel
	if channel == "" {
		channel = models.ChannelCall
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO recipients (user_id, phone, preferred_channel, telegram_chat_id, fallback_enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.UserID, r.Phone, string(channel), r.TelegramChatID, r.FallbackEnabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save recipient: %w", err)
	}
	return nil
}

// GetRecipient returns the delivery profile for userID.
func (s *SQLiteStore) GetRecipient(ctx context.Context, userID string) (*models.Recipient, error) {
	var r models.Recipient
	var channel string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, phone, preferred_channel, telegram_chat_id, fallback_enabled
		FROM recipients WHERE user_id = ?
	`, userID).Scan(&r.UserID, &r.Phone, &channel, &r.TelegramChatID, &r.FallbackEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recipient %s: %w", userID, apperrors.ErrNoRecipient)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}
	r.PreferredChannel = models.Channel(channel)
	return &r, nil
}

// ============================================================================
// Usage Ledger
// ============================================================================

const usageColumns = `user_id, identity, date, call_count, sms_count, last_call_at, last_sms_at,
	recent_calls, recent_sms, risk_score, consecutive_failures, blocked_until, block_reason, updated_at`

// GetUsage returns the ledger row for (user, identity, date), or nil when none exists.
func (s *SQLiteStore) GetUsage(ctx context.Context, userID, identity, date string) (*models.UsageEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+usageColumns+`
		FROM usage_ledger WHERE user_id = ? AND identity = ? AND date = ?`, userID, identity, date)
	e, err := scanUsage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return e, nil
}

// UpsertUsage writes entry, replacing the row with the same (user, identity, date).
func (s *SQLiteStore) UpsertUsage(ctx context.Context, entry *models.UsageEntry) error {
	recentCalls, err := json.Marshal(nonNilTimes(entry.RecentCalls))
	if err != nil {
		return fmt.Errorf("failed to encode recent calls: %w", err)
	}
	recentSMS, err := json.Marshal(nonNilTimes(entry.RecentSMS))
	if err != nil {
		return fmt.Errorf("failed to encode recent sms: %w", err)
	}
	updated := entry.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO usage_ledger (`+usageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, identity, date) DO UPDATE SET
			call_count = excluded.call_count,
			sms_count = excluded.sms_count,
			last_call_at = excluded.last_call_at,
			last_sms_at = excluded.last_sms_at,
			recent_calls = excluded.recent_calls,
			recent_sms = excluded.recent_sms,
			risk_score = excluded.risk_score,
			consecutive_failures = excluded.consecutive_failures,
			blocked_until = excluded.blocked_until,
			block_reason = excluded.block_reason,
			updated_at = excluded.updated_at
	`, entry.UserID, entry.Identity, entry.Date, entry.CallCount, entry.SMSCount, entry.LastCallAt, entry.LastSMSAt,
		string(recentCalls), string(recentSMS), entry.RiskScore, entry.ConsecutiveFailures, entry.BlockedUntil,
		entry.BlockReason, updated.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert usage: %w", err)
	}
	return nil
}

// ListUsage returns ledger rows for userID and/or date; empty arguments match everything.
func (s *SQLiteStore) ListUsage(ctx context.Context, userID, date string) ([]models.UsageEntry, error) {
	query := `SELECT ` + usageColumns + ` FROM usage_ledger WHERE 1=1`
	args := []interface{}{}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	if date != "" {
		query += " AND date = ?"
		args = append(args, date)
	}
	query += " ORDER BY date DESC, user_id, identity"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var entries []models.UsageEntry
	for rows.Next() {
		e, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUsage(row scanner) (*models.UsageEntry, error) {
	var e models.UsageEntry
	var recentCalls, recentSMS string
	if err := row.Scan(&e.UserID, &e.Identity, &e.Date, &e.CallCount, &e.SMSCount, &e.LastCallAt, &e.LastSMSAt,
		&recentCalls, &recentSMS, &e.RiskScore, &e.ConsecutiveFailures, &e.BlockedUntil, &e.BlockReason, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recentCalls), &e.RecentCalls); err != nil {
		return nil, fmt.Errorf("decoding recent calls: %w", err)
	}
	if err := json.Unmarshal([]byte(recentSMS), &e.RecentSMS); err != nil {
		return nil, fmt.Errorf("decoding recent sms: %w", err)
	}
	return &e, nil
}

func nonNilTimes(ts []time.Time) []time.Time {
	if ts == nil {
		return []time.Time{}
	}
	return ts
}

// ============================================================================
// Sender Stats
// ============================================================================

// GetSenderStats returns the stats of every identity ever used.
func (s *SQLiteStore) GetSenderStats(ctx context.Context) ([]models.SenderStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, calls, completed, failed, machine, total_duration, last_used_at
		FROM sender_stats ORDER BY identity
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sender stats: %w", err)
	}
	defer rows.Close()

	var stats []models.SenderStats
	for rows.Next() {
		var st models.SenderStats
		if err := rows.Scan(&st.Identity, &st.Calls, &st.Completed, &st.Failed, &st.Machine, &st.TotalDuration, &st.LastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sender stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// UpsertSenderStats writes the stats of one identity.
func (s *SQLiteStore) UpsertSenderStats(ctx context.Context, st *models.SenderStats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sender_stats (identity, calls, completed, failed, machine, total_duration, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			calls = excluded.calls,
			completed = excluded.completed,
			failed = excluded.failed,
			machine = excluded.machine,
			total_duration = excluded.total_duration,
			last_used_at = excluded.last_used_at
	`, st.Identity, st.Calls, st.Completed, st.Failed, st.Machine, st.TotalDuration, st.LastUsedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert sender stats: %w", err)
	}
	return nil
}

// ============================================================================
// Delivery Logs
// ============================================================================

// SaveDeliveryLog appends a delivery record.
func (s *SQLiteStore) SaveDeliveryLog(ctx context.Context, entry *models.DeliveryLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_logs (id, alert_id, user_id, channel, provider_message_id, status, fallback, error, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.AlertID, entry.UserID, string(entry.Channel), entry.ProviderMessageID, string(entry.Status),
		entry.Fallback, entry.Error, entry.Payload, entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save delivery log: %w", err)
	}
	return nil
}

// GetDeliveryLogs returns delivery records newest first.
func (s *SQLiteStore) GetDeliveryLogs(ctx context.Context, filter DeliveryFilter) ([]models.DeliveryLog, error) {
	query := `SELECT id, alert_id, user_id, channel, provider_message_id, status, fallback, error, payload, created_at
		FROM delivery_logs WHERE 1=1`
	args := []interface{}{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.AlertID != "" {
		query += " AND alert_id = ?"
		args = append(args, filter.AlertID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery logs: %w", err)
	}
	defer rows.Close()

	var logs []models.DeliveryLog
	for rows.Next() {
		var l models.DeliveryLog
		var channel, status string
		if err := rows.Scan(&l.ID, &l.AlertID, &l.UserID, &channel, &l.ProviderMessageID, &status, &l.Fallback, &l.Error, &l.Payload, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery log: %w", err)
		}
		l.Channel = models.Channel(channel)
		l.Status = models.DeliveryStatus(status)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
