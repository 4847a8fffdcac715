package alert

import (
	"fmt"
	"time"
)

// Kind classifies what an alert watches
type Kind string

const (
	KindPrice  Kind = "PRICE"
	KindRisk   Kind = "RISK"
	KindVolume Kind = "VOLUME"
)

// Condition is the comparison an alert applies to fresh data
type Condition string

const (
	ConditionAbove       Condition = "above"
	ConditionBelow       Condition = "below"
	ConditionPctIncrease Condition = "pct_increase"
	ConditionPctDecrease Condition = "pct_decrease"
)

// Alert is a user-owned trigger rule. Scope is a symbol for PRICE/VOLUME
// alerts and a user id for RISK alerts.
type Alert struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      Kind      `json:"kind"`
	Scope     string    `json:"scope"`
	Condition Condition `json:"condition"`
	Threshold float64   `json:"threshold"`
	BasePrice float64   `json:"base_price,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// TriggeredAlert is one fired alert, reported exactly once
type TriggeredAlert struct {
	Alert       Alert     `json:"alert"`
	Value       float64   `json:"value"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Validate checks an alert rule before it is persisted
func (a Alert) Validate() error {
	switch a.Kind {
	case KindPrice, KindRisk, KindVolume:
	default:
		return fmt.Errorf("unknown alert kind %q", a.Kind)
	}

	switch a.Condition {
	case ConditionAbove, ConditionBelow:
	case ConditionPctIncrease, ConditionPctDecrease:
		if a.BasePrice <= 0 {
			return fmt.Errorf("percentage alerts require a positive base price")
		}
	default:
		return fmt.Errorf("unknown alert condition %q", a.Condition)
	}

	if a.UserID == "" {
		return fmt.Errorf("alert requires a user id")
	}
	if a.Scope == "" {
		return fmt.Errorf("alert requires a scope")
	}
	if a.Threshold <= 0 {
		return fmt.Errorf("alert threshold must be positive")
	}
	return nil
}

// matches evaluates the alert's condition against a current value
func (a Alert) matches(current float64) bool {
	switch a.Condition {
	case ConditionAbove:
		return current >= a.Threshold
	case ConditionBelow:
		return current <= a.Threshold
	case ConditionPctIncrease:
		if a.BasePrice <= 0 {
			return false
		}
		return (current-a.BasePrice)/a.BasePrice*100 >= a.Threshold
	case ConditionPctDecrease:
		if a.BasePrice <= 0 {
			return false
		}
		return (a.BasePrice-current)/a.BasePrice*100 >= a.Threshold
	default:
		return false
	}
}
