// Package notify delivers triggered alerts over voice calls, SMS and Telegram
// under governance, with bounded retry and SMS fallback.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tickwatch/internal/config"
	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/governor"
	"tickwatch/internal/logging"
	"tickwatch/internal/metrics"
	"tickwatch/internal/models"
	"tickwatch/internal/resilience"
	"tickwatch/internal/security"
)

// errRejected ends the retry loop when the governor refuses an attempt.
var errRejected = errors.New("rejected by governor")

// RecipientStore resolves a user's delivery profile.
type RecipientStore interface {
	GetRecipient(ctx context.Context, userID string) (*models.Recipient, error)
}

// DeliveryStore records delivery history.
type DeliveryStore interface {
	SaveDeliveryLog(ctx context.Context, entry *models.DeliveryLog) error
}

// Gate reserves governance capacity for a send.
type Gate interface {
	Acquire(ctx context.Context, req governor.Request) (*governor.Permit, governor.Decision)
}

// IdentityPicker selects the sender identity for an attempt.
type IdentityPicker interface {
	Next(excluding []string) string
}

// Request is one notification to deliver.
type Request struct {
	UserID           string
	AlertID          string
	Message          string
	PreferredChannel models.Channel // empty uses the recipient's preference
	Emergency        bool
}

// Result describes what happened to a Request.
type Result struct {
	Sent              bool               `json:"sent"`
	Channel           models.Channel     `json:"channel"`
	FallbackUsed      bool               `json:"fallbackUsed"`
	ProviderMessageID string             `json:"providerMessageId,omitempty"`
	Attempts          int                `json:"attempts"`
	Decision          *governor.Decision `json:"decision,omitempty"`
	Err               error              `json:"-"`
}

// Rejected reports whether the governor refused the send.
func (r Result) Rejected() bool {
	return r.Decision != nil && !r.Decision.Allowed
}

// Dispatcher sends notifications. It never returns transport errors to its
// caller as panics or blocking failures; everything ends up in Result.
type Dispatcher struct {
	cfg        config.DispatcherConfig
	recipients RecipientStore
	deliveries DeliveryStore
	gate       Gate
	identities IdentityPicker
	provider   Provider
	chat       ChatSender
	audit      *security.AuditLogger
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	retry      resilience.Retry
	now        func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithChat enables the Telegram channel.
func WithChat(chat ChatSender) Option {
	return func(d *Dispatcher) { d.chat = chat }
}

// WithAudit records deliveries to the audit trail.
func WithAudit(al *security.AuditLogger) Option {
	return func(d *Dispatcher) { d.audit = al }
}

// WithMetrics reports dispatch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the dispatcher clock.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg config.DispatcherConfig, recipients RecipientStore, deliveries DeliveryStore, gate Gate, identities IdentityPicker, provider Provider, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:        cfg,
		recipients: recipients,
		deliveries: deliveries,
		gate:       gate,
		identities: identities,
		provider:   provider,
		logger:     logging.WithComponent(logger, "dispatcher"),
		retry: resilience.Retry{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.InitialBackoff,
			Multiplier:   cfg.BackoffMultiplier,
			Retryable:    apperrors.IsRetryable,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send delivers req on the requested or preferred channel.
func (d *Dispatcher) Send(ctx context.Context, req Request) Result {
	rcpt, err := d.recipients.GetRecipient(ctx, req.UserID)
	if err != nil || rcpt == nil {
		if err == nil {
			err = apperrors.ErrNoRecipient
		}
		d.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("Cannot resolve recipient")
		return Result{Err: apperrors.Wrapf(err, "recipient %s", req.UserID)}
	}

	channel := req.PreferredChannel
	if channel == "" {
		channel = rcpt.PreferredChannel
	}
	if channel == "" {
		channel = models.ChannelCall
	}

	var res Result
	switch channel {
	case models.ChannelSMS:
		res = d.sendSMS(ctx, rcpt, req)
	case models.ChannelTelegram:
		res = d.sendTelegram(ctx, rcpt, req)
	default:
		res = d.sendCall(ctx, rcpt, req)
		if !res.Sent && res.Err != nil && d.cfg.FallbackEnabled && rcpt.FallbackEnabled {
			sms := d.sendSMS(ctx, rcpt, req)
			sms.Attempts += res.Attempts
			if sms.Rejected() {
				// The failed call is what gets recorded.
				res.Decision = sms.Decision
				res.Attempts = sms.Attempts
				d.finish(ctx, req, res, false)
				return res
			}
			sms.FallbackUsed = true
			res = sms
		}
	}

	d.finish(ctx, req, res, res.FallbackUsed)
	return res
}

// sendCall places a call with the shaped script.
func (d *Dispatcher) sendCall(ctx context.Context, rcpt *models.Recipient, req Request) Result {
	script := CallScript(req.Message, d.cfg.WordsPerMinute, d.cfg.MaxCallSeconds)
	return d.attempt(ctx, rcpt, req, models.ChannelCall, func(ctx context.Context, identity string) (string, error) {
		return d.provider.PlaceCall(ctx, CallRequest{
			From:    identity,
			To:      rcpt.Phone,
			Script:  script,
			UserID:  rcpt.UserID,
			AlertID: req.AlertID,
		})
	})
}

// sendSMS sends the message truncated to the SMS length limit.
func (d *Dispatcher) sendSMS(ctx context.Context, rcpt *models.Recipient, req Request) Result {
	body := TruncateRunes(req.Message, d.cfg.SMSMaxLength)
	return d.attempt(ctx, rcpt, req, models.ChannelSMS, func(ctx context.Context, identity string) (string, error) {
		return d.provider.SendSMS(ctx, SMSRequest{From: identity, To: rcpt.Phone, Body: body})
	})
}

// sendTelegram posts to the recipient's chat. It is governed under SMS quotas
// with the chat as the identity.
func (d *Dispatcher) sendTelegram(ctx context.Context, rcpt *models.Recipient, req Request) Result {
	if d.chat == nil || rcpt.TelegramChatID == 0 {
		d.logger.Warn().Str("user_id", rcpt.UserID).Msg("Telegram unavailable, using SMS")
		return d.sendSMS(ctx, rcpt, req)
	}
	identity := "telegram:" + strconv.FormatInt(rcpt.TelegramChatID, 10)
	return d.attemptWith(ctx, rcpt, req, models.ChannelTelegram, func([]string) string { return identity },
		func(ctx context.Context, _ string) (string, error) {
			return d.chat.SendChat(ctx, rcpt.TelegramChatID, req.Message)
		})
}

func (d *Dispatcher) attempt(ctx context.Context, rcpt *models.Recipient, req Request, channel models.Channel, send func(ctx context.Context, identity string) (string, error)) Result {
	return d.attemptWith(ctx, rcpt, req, channel, d.identities.Next, send)
}

// attemptWith runs the governed retry loop. Every attempt picks an identity not
// used by an earlier attempt and reserves governor capacity before calling send.
func (d *Dispatcher) attemptWith(ctx context.Context, rcpt *models.Recipient, req Request, channel models.Channel, pick func(excluding []string) string, send func(ctx context.Context, identity string) (string, error)) Result {
	res := Result{Channel: channel}
	var used []string
	var lastSendErr error

	attempts, err := d.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		identity := pick(used)
		used = append(used, identity)

		permit, decision := d.gate.Acquire(ctx, governor.Request{
			UserID:    rcpt.UserID,
			Identity:  identity,
			Channel:   channel,
			Emergency: req.Emergency,
		})
		res.Decision = &decision
		if permit == nil {
			return errRejected
		}

		id, err := send(ctx, identity)
		if err != nil {
			permit.Release()
			lastSendErr = err
			d.logger.Debug().Err(err).Int("attempt", attempt).Str("channel", string(channel)).
				Str("identity", security.MaskPhone(identity)).Msg("Send attempt failed")
			return err
		}
		permit.Commit(ctx)
		res.ProviderMessageID = id
		return nil
	})

	res.Attempts = attempts
	switch {
	case err == nil:
		res.Sent = true
	case errors.Is(err, errRejected):
		// Silent unless an earlier attempt already reached the provider and failed.
		res.Attempts = attempts - 1
		if lastSendErr != nil {
			res.Err = fmt.Errorf("%w after %d attempts: %w", apperrors.ErrRetriesExhausted, res.Attempts, lastSendErr)
		}
	case apperrors.IsRetryable(err):
		res.Err = fmt.Errorf("%w after %d attempts: %w", apperrors.ErrRetriesExhausted, attempts, err)
	default:
		res.Err = err
	}
	return res
}

// finish writes the delivery log, audit entry, metrics and log line for res.
// Governance rejections produce only a debug log.
func (d *Dispatcher) finish(ctx context.Context, req Request, res Result, fallback bool) {
	if res.Rejected() && res.Err == nil {
		d.metrics.Dispatched(string(res.Channel), "rejected")
		return
	}

	status := models.DeliverySent
	errMsg := ""
	if !res.Sent {
		status = models.DeliveryFailed
		if res.Err != nil {
			errMsg = security.MaskString(res.Err.Error())
		}
	}

	entry := &models.DeliveryLog{
		ID:                uuid.New().String(),
		AlertID:           req.AlertID,
		UserID:            req.UserID,
		Channel:           res.Channel,
		ProviderMessageID: res.ProviderMessageID,
		Status:            status,
		Fallback:          fallback,
		Error:             errMsg,
		Payload:           snapshot(req, res),
		CreatedAt:         d.now().UTC(),
	}
	if err := d.deliveries.SaveDeliveryLog(ctx, entry); err != nil {
		d.logger.Error().Err(err).Str("alert_id", req.AlertID).Msg("Failed to write delivery log")
	}

	if err := d.audit.LogDelivery(ctx, req.UserID, req.AlertID, string(res.Channel), fallback, res.Err); err != nil {
		d.logger.Error().Err(err).Str("alert_id", req.AlertID).Msg("Failed to write audit event")
	}
	d.metrics.Dispatched(string(res.Channel), string(status))
	logging.LogDispatch(d.logger, req.UserID, req.AlertID, string(res.Channel), res.Attempts, fallback, res.Err)
}

func snapshot(req Request, res Result) string {
	data, err := json.Marshal(map[string]interface{}{
		"message":   req.Message,
		"emergency": req.Emergency,
		"attempts":  res.Attempts,
		"requested": req.PreferredChannel,
	})
	if err != nil {
		return ""
	}
	return string(data)
}
