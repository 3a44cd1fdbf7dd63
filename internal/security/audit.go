package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// Governance events
	AuditBlockApplied AuditEventType = "BLOCK_APPLIED"
	AuditBlockCleared AuditEventType = "BLOCK_CLEARED"

	// Delivery events
	AuditDeliverySent   AuditEventType = "DELIVERY_SENT"
	AuditDeliveryFailed AuditEventType = "DELIVERY_FAILED"

	// Security events
	AuditInvalidSignature AuditEventType = "INVALID_SIGNATURE"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	UserID    string                 `json:"user_id,omitempty"`
	Identity  string                 `json:"identity,omitempty"`
	AlertID   string                 `json:"alert_id,omitempty"`
	Channel   string                 `json:"channel,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// AuditLogger appends governance and delivery events to a rotating JSON-lines file.
type AuditLogger struct {
	writer    io.WriteCloser
	mu        sync.Mutex
	sessionID string
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultAuditConfig returns the default audit configuration.
func DefaultAuditConfig() AuditConfig {
	home, _ := os.UserHomeDir()
	return AuditConfig{
		LogDir:     filepath.Join(home, ".config", "tickwatch", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365, // Keep audit logs for 1 year
		Compress:   true,
	}
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	// Ensure audit directory exists with restricted permissions
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	return NewAuditLoggerWithWriter(writer), nil
}

// NewAuditLoggerWithWriter creates an audit logger over an arbitrary writer.
func NewAuditLoggerWithWriter(w io.WriteCloser) *AuditLogger {
	return &AuditLogger{
		writer:    w,
		sessionID: uuid.NewString(),
	}
}

// Log logs an audit event.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = time.Now().UTC()
	event.SessionID = al.sessionID
	event.ErrorMsg = MaskString(event.ErrorMsg)

	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok {
		event.RequestID = reqID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	return nil
}

type requestIDKey struct{}

// WithRequestID tags ctx so audit events written under it carry the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// LogBlock records a risk block placed on a (user, identity) pair.
func (al *AuditLogger) LogBlock(ctx context.Context, userID, identity, reason string, riskScore int, until time.Time) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditBlockApplied,
		UserID:    userID,
		Identity:  identity,
		Success:   true,
		Details: map[string]interface{}{
			"reason":        reason,
			"risk_score":    riskScore,
			"blocked_until": until.UTC().Format(time.RFC3339),
		},
	})
}

// LogUnblock records an expired block being cleared.
func (al *AuditLogger) LogUnblock(ctx context.Context, userID, identity string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditBlockCleared,
		UserID:    userID,
		Identity:  identity,
		Success:   true,
	})
}

// LogDelivery records a final dispatch outcome.
func (al *AuditLogger) LogDelivery(ctx context.Context, userID, alertID, channel string, fallback bool, err error) error {
	event := AuditEvent{
		EventType: AuditDeliverySent,
		UserID:    userID,
		AlertID:   alertID,
		Channel:   channel,
		Success:   err == nil,
		Details:   map[string]interface{}{"fallback": fallback},
	}
	if err != nil {
		event.EventType = AuditDeliveryFailed
		event.ErrorMsg = err.Error()
	}
	return al.Log(ctx, event)
}

// LogInvalidSignature records a rejected inbound webhook.
func (al *AuditLogger) LogInvalidSignature(ctx context.Context, url string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditInvalidSignature,
		Success:   false,
		ErrorMsg:  "webhook signature mismatch",
		Details:   map[string]interface{}{"url": url},
	})
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}
