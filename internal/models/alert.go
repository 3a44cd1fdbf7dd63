package models

import "time"

// PriceAlert is a single-asset trigger condition owned by a user.
type PriceAlert struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Symbol           string    `json:"symbol"`
	Condition        Condition `json:"condition"`
	TargetPrice      float64   `json:"targetPrice"`
	TargetPrice2     *float64  `json:"targetPrice2,omitempty"`
	PercentageChange *float64  `json:"percentageChange,omitempty"` // threshold for "change"
	Active           bool      `json:"active"`
	Recurring        bool      `json:"recurring"`
	CreatedAt        time.Time `json:"createdAt"`
}

// ChangeThreshold returns the percentage threshold of a "change" alert.
// Older rows store the threshold in TargetPrice.
func (a *PriceAlert) ChangeThreshold() float64 {
	if a.PercentageChange != nil {
		return *a.PercentageChange
	}
	return a.TargetPrice
}

// SocialAlert fires when a post from Account mentions any of Keywords.
type SocialAlert struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Account   string    `json:"account"`
	Keywords  []string  `json:"keywords"`
	Active    bool      `json:"active"`
	Recurring bool      `json:"recurring"`
	CreatedAt time.Time `json:"createdAt"`
}

// GroupAsset is one per-symbol condition inside a ConditionGroup.
type GroupAsset struct {
	Symbol           string    `json:"symbol"`
	Condition        Condition `json:"condition"`
	Value            float64   `json:"value"`
	Value2           *float64  `json:"value2,omitempty"`
	PercentageChange *float64  `json:"percentageChange,omitempty"`
	IsReference      bool      `json:"isReference"`
}

// ChangeThreshold returns the percentage threshold of a "change" asset.
func (a *GroupAsset) ChangeThreshold() float64 {
	if a.PercentageChange != nil {
		return *a.PercentageChange
	}
	return a.Value
}

// ConditionGroup joins several asset conditions into one alert.
type ConditionGroup struct {
	ID            string        `json:"groupId"`
	UserID        string        `json:"userId"`
	Name          string        `json:"name"`
	Assets        []GroupAsset  `json:"assets"`
	LogicOperator LogicOperator `json:"logicOperator"`
	Active        bool          `json:"active"`
	Recurring     bool          `json:"recurring"`
	CreatedAt     time.Time     `json:"createdAt"`
}
