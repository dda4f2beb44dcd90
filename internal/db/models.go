package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trigger type constants
const (
	TriggerNegativeSentiment = "negative_sentiment"
	TriggerHighCallVolume    = "high_call_volume"
	TriggerLowAnswerRate     = "low_answer_rate"
	TriggerMissedCallSpike   = "missed_call_spike"
	TriggerKeywordDetected   = "keyword_detected"
	TriggerLongCallDuration  = "long_call_duration"
)

// Channel constants
const (
	ChannelInApp = "in_app"
	ChannelEmail = "email"
	ChannelSlack = "slack"
)

// Notification type constants
const (
	NotificationAlert   = "alert"
	NotificationWarning = "warning"
	NotificationInfo    = "info"
)

// NotificationRule is a tenant-owned alerting rule. Retired rules are
// disabled, never deleted, so existing notifications keep a valid
// rule reference.
type NotificationRule struct {
	ID             uuid.UUID `json:"id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	Name           string    `json:"name"`
	TriggerType    string    `json:"trigger_type"`
	ThresholdValue float64   `json:"threshold_value"`
	Keywords       []string  `json:"keywords,omitempty"`
	Channels       []string  `json:"channels"`
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Notification is one persisted alert record. Fan-out to channels is
// tracked separately; the record exists exactly once per trigger match.
type Notification struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	RuleID    *uuid.UUID `json:"rule_id,omitempty"` // nil for system-generated notifications
	CDRID     *uuid.UUID `json:"cdr_id,omitempty"`  // originating call, if any
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Read      bool       `json:"read"`
	CreatedAt time.Time  `json:"created_at"`
}

// DeliveryFailure records a permanent channel delivery failure for
// tenant-admin visibility. Never blocks the notification itself.
type DeliveryFailure struct {
	ID             uuid.UUID `json:"id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	NotificationID uuid.UUID `json:"notification_id"`
	RuleID         uuid.UUID `json:"rule_id"`
	Channel        string    `json:"channel"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// ValidationError reports malformed rule configuration. Rules failing
// validation are rejected at write time and never reach the evaluator.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule: %s %s", e.Field, e.Reason)
}

// ValidTriggerType reports whether t is a known trigger type.
func ValidTriggerType(t string) bool {
	switch t {
	case TriggerNegativeSentiment, TriggerHighCallVolume, TriggerLowAnswerRate,
		TriggerMissedCallSpike, TriggerKeywordDetected, TriggerLongCallDuration:
		return true
	}
	return false
}

// ValidChannel reports whether c is a known delivery channel.
func ValidChannel(c string) bool {
	return c == ChannelInApp || c == ChannelEmail || c == ChannelSlack
}

// Validate checks rule configuration against the trigger type's
// threshold domain. A rule with no channels is valid but inert.
func (r *NotificationRule) Validate() error {
	if r.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !ValidTriggerType(r.TriggerType) {
		return &ValidationError{Field: "trigger_type", Reason: fmt.Sprintf("unknown type %q", r.TriggerType)}
	}
	for _, ch := range r.Channels {
		if !ValidChannel(ch) {
			return &ValidationError{Field: "channels", Reason: fmt.Sprintf("unknown channel %q", ch)}
		}
	}

	switch r.TriggerType {
	case TriggerNegativeSentiment:
		if r.ThresholdValue < 0 || r.ThresholdValue > 1 {
			return &ValidationError{Field: "threshold_value", Reason: "must be within [0,1] for negative_sentiment"}
		}
	case TriggerLowAnswerRate:
		if r.ThresholdValue <= 0 || r.ThresholdValue > 1 {
			return &ValidationError{Field: "threshold_value", Reason: "must be within (0,1] for low_answer_rate"}
		}
	case TriggerHighCallVolume, TriggerMissedCallSpike:
		if r.ThresholdValue < 1 {
			return &ValidationError{Field: "threshold_value", Reason: "must be a count >= 1"}
		}
	case TriggerLongCallDuration:
		if r.ThresholdValue <= 0 {
			return &ValidationError{Field: "threshold_value", Reason: "must be a positive duration in seconds"}
		}
	case TriggerKeywordDetected:
		if len(r.Keywords) == 0 {
			return &ValidationError{Field: "keywords", Reason: "must not be empty for keyword_detected"}
		}
		for _, kw := range r.Keywords {
			if kw == "" {
				return &ValidationError{Field: "keywords", Reason: "must not contain empty strings"}
			}
		}
	}

	return nil
}
