// Package models provides domain models for tickwatch.
package models

import "time"

// Condition is the comparison a price alert or group asset applies.
type Condition string

const (
	ConditionAbove   Condition = "above"
	ConditionBelow   Condition = "below"
	ConditionBetween Condition = "between"
	ConditionChange  Condition = "change"
)

// Valid reports whether c is one of the four supported condition kinds.
func (c Condition) Valid() bool {
	switch c {
	case ConditionAbove, ConditionBelow, ConditionBetween, ConditionChange:
		return true
	}
	return false
}

// LogicOperator joins the assets of a condition group.
type LogicOperator string

const (
	LogicAND LogicOperator = "AND"
	LogicOR  LogicOperator = "OR"
)

// Channel is an outbound delivery channel.
type Channel string

const (
	ChannelCall     Channel = "call"
	ChannelSMS      Channel = "sms"
	ChannelTelegram Channel = "telegram"
)

// Tick is a normalized price event produced by a feed adapter.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// CachedPrice is the latest known price for a symbol.
// PercentageChange is nil unless a prior sample existed within the cache TTL.
type CachedPrice struct {
	Symbol           string    `json:"symbol"`
	Price            float64   `json:"price"`
	LastUpdated      time.Time `json:"lastUpdated"`
	PercentageChange *float64  `json:"percentageChange,omitempty"`
}

// SocialEvent is a normalized new post from a watched account.
type SocialEvent struct {
	Account     string    `json:"account"`
	PostID      string    `json:"postId"`
	Content     string    `json:"content"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 {
	return &v
}

// TriggerKind identifies what produced a Trigger.
type TriggerKind string

const (
	TriggerPrice  TriggerKind = "price"
	TriggerGroup  TriggerKind = "group"
	TriggerSocial TriggerKind = "social"
)

// Trigger is a satisfied alert condition awaiting dispatch.
type Trigger struct {
	Kind      TriggerKind `json:"kind"`
	AlertID   string      `json:"alertId"`
	UserID    string      `json:"userId"`
	Subject   string      `json:"subject"` // symbol, group name or account
	Message   string      `json:"message"`
	Emergency bool        `json:"emergency"`
	At        time.Time   `json:"at"`
}
