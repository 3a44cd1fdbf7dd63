package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "tickwatch/internal/errors"
)

var _ DataStore = (*SQLiteStore)(nil)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Single-asset price alerts
	CREATE TABLE IF NOT EXISTS price_alerts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		condition TEXT NOT NULL,
		target_price REAL NOT NULL,
		target_price2 REAL,
		percentage_change REAL,
		active INTEGER NOT NULL DEFAULT 1,
		recurring INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	-- Keyword alerts on watched social accounts
	CREATE TABLE IF NOT EXISTS social_alerts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		account TEXT NOT NULL,
		keywords TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		recurring INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	-- Multi-asset AND/OR condition groups; assets stored as JSON
	CREATE TABLE IF NOT EXISTS condition_groups (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		assets TEXT NOT NULL,
		logic_operator TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		recurring INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	-- User directory
	CREATE TABLE IF NOT EXISTS recipients (
		user_id TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		preferred_channel TEXT NOT NULL DEFAULT 'call',
		telegram_chat_id INTEGER NOT NULL DEFAULT 0,
		fallback_enabled INTEGER NOT NULL DEFAULT 1,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Per-day usage per (user, sender identity)
	CREATE TABLE IF NOT EXISTS usage_ledger (
		user_id TEXT NOT NULL,
		identity TEXT NOT NULL,
		date TEXT NOT NULL,
		call_count INTEGER NOT NULL DEFAULT 0,
		sms_count INTEGER NOT NULL DEFAULT 0,
		last_call_at DATETIME,
		last_sms_at DATETIME,
		recent_calls TEXT NOT NULL DEFAULT '[]',
		recent_sms TEXT NOT NULL DEFAULT '[]',
		risk_score INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		blocked_until DATETIME,
		block_reason TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, identity, date)
	);

	-- Sender identity performance
	CREATE TABLE IF NOT EXISTS sender_stats (
		identity TEXT PRIMARY KEY,
		calls INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		machine INTEGER NOT NULL DEFAULT 0,
		total_duration REAL NOT NULL DEFAULT 0,
		last_used_at DATETIME
	);

	-- Append-only delivery audit
	CREATE TABLE IF NOT EXISTS delivery_logs (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		provider_message_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		fallback INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	-- Create indexes for performance
	CREATE INDEX IF NOT EXISTS idx_price_alerts_active ON price_alerts(active);
	CREATE INDEX IF NOT EXISTS idx_price_alerts_user ON price_alerts(user_id);
	CREATE INDEX IF NOT EXISTS idx_social_alerts_active ON social_alerts(active);
	CREATE INDEX IF NOT EXISTS idx_groups_active ON condition_groups(active);
	CREATE INDEX IF NOT EXISTS idx_usage_user_date ON usage_ledger(user_id, date);
	CREATE INDEX IF NOT EXISTS idx_delivery_user ON delivery_logs(user_id);
	CREATE INDEX IF NOT EXISTS idx_delivery_alert ON delivery_logs(alert_id);
	CREATE INDEX IF NOT EXISTS idx_delivery_created ON delivery_logs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// alertQuery appends the common alert filter clauses to query.
func alertQuery(query string, filter AlertFilter) (string, []interface{}) {
	args := []interface{}{}
	query += " WHERE 1=1"
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.ActiveOnly {
		query += " AND active = 1"
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return query, args
}

func deactivate(ctx context.Context, db *sql.DB, table, id string) error {
	result, err := db.ExecContext(ctx, "UPDATE "+table+" SET active = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to deactivate %s row: %w", table, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%s row %s: %w", table, id, apperrors.ErrDataNotFound)
	}
	return nil
}
