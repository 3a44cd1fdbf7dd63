package models

import "time"

// Recipient is the delivery profile of a user, read from the user directory.
type Recipient struct {
	UserID           string  `json:"userId"`
	Phone            string  `json:"phone"`
	PreferredChannel Channel `json:"preferredChannel"`
	TelegramChatID   int64   `json:"telegramChatId,omitempty"`
	FallbackEnabled  bool    `json:"fallbackEnabled"`
}

// UsageEntry is the per-day usage ledger row for one (user, sender identity) pair.
type UsageEntry struct {
	UserID              string      `json:"userId"`
	Identity            string      `json:"identity"`
	Date                string      `json:"date"` // YYYY-MM-DD, UTC
	CallCount           int         `json:"callCount"`
	SMSCount            int         `json:"smsCount"`
	LastCallAt          *time.Time  `json:"lastCallAt,omitempty"`
	LastSMSAt           *time.Time  `json:"lastSmsAt,omitempty"`
	RecentCalls         []time.Time `json:"recentCallTimestamps"`
	RecentSMS           []time.Time `json:"recentSmsTimestamps"`
	RiskScore           int         `json:"riskScore"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	BlockedUntil        *time.Time  `json:"blockedUntil,omitempty"`
	BlockReason         string      `json:"blockReason,omitempty"`
	UpdatedAt           time.Time   `json:"updatedAt"`
}

// CallOutcome is the final state reported for a placed call.
type CallOutcome string

const (
	OutcomeCompleted CallOutcome = "completed"
	OutcomeFailed    CallOutcome = "failed"
	OutcomeBusy      CallOutcome = "busy"
	OutcomeNoAnswer  CallOutcome = "no-answer"
	OutcomeCanceled  CallOutcome = "canceled"
)

// IsFailure reports whether the outcome counts as a failed delivery.
func (o CallOutcome) IsFailure() bool {
	switch o {
	case OutcomeFailed, OutcomeBusy, OutcomeNoAnswer, OutcomeCanceled:
		return true
	}
	return false
}

// SenderStats tracks the performance of one outbound sender identity.
type SenderStats struct {
	Identity            string     `json:"identity"`
	Calls               int        `json:"calls"`
	Completed           int        `json:"completed"`
	Failed              int        `json:"failed"`
	Machine             int        `json:"machine"`
	TotalDuration       float64    `json:"totalDuration"` // seconds
	LastUsedAt          *time.Time `json:"lastUsedAt,omitempty"`
	ConsecutiveUseCount int        `json:"consecutiveUseCount"`
}

// SuccessRate returns completed/calls, or 1 for an unused identity.
func (s *SenderStats) SuccessRate() float64 {
	if s.Calls == 0 {
		return 1
	}
	return float64(s.Completed) / float64(s.Calls)
}

// DeliveryStatus is the final state of a dispatch attempt.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryLog is an append-only audit record of a notification.
type DeliveryLog struct {
	ID                string         `json:"id"`
	AlertID           string         `json:"alertId"`
	UserID            string         `json:"userId"`
	Channel           Channel        `json:"channel"`
	ProviderMessageID string         `json:"providerMessageId"`
	Status            DeliveryStatus `json:"status"`
	Fallback          bool           `json:"fallback"`
	Error             string         `json:"error,omitempty"`
	Payload           string         `json:"payloadSnapshot"`
	CreatedAt         time.Time      `json:"createdAt"`
}
