// Package event defines the call-event facts the engine consumes.
// Events are produced upstream (webhook ingestion, transcription,
// sentiment scoring) and may be delivered more than once.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the call lifecycle fact an event carries.
type EventType string

const (
	TypeCallEnded              EventType = "call_ended"
	TypeTranscriptionCompleted EventType = "transcription_completed"
	TypeSentimentScored        EventType = "sentiment_scored"
	TypeMissed                 EventType = "missed"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case TypeCallEnded, TypeTranscriptionCompleted, TypeSentimentScored, TypeMissed:
		return true
	}
	return false
}

// CallEvent is an immutable fact about a call. The same logical event
// may arrive multiple times; processing must be idempotent per
// (rule, call) pair downstream.
type CallEvent struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	CallID     uuid.UUID `json:"call_id"`
	Type       EventType `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    Payload   `json:"payload"`
}

// Payload holds the type-specific fields of a call event. Fields not
// relevant to the event type are left at their zero value.
type Payload struct {
	SentimentScore   *float64 `json:"sentiment_score,omitempty"` // [0,1], lower = more negative
	DurationSeconds  float64  `json:"duration_seconds,omitempty"`
	Answered         bool     `json:"answered,omitempty"`
	DetectedKeywords []string `json:"detected_keywords,omitempty"`
	CallerNumber     string   `json:"caller_number,omitempty"`
	CalleeNumber     string   `json:"callee_number,omitempty"`
}

// Validate checks an inbound event for structural problems before it
// enters the evaluation pipeline.
func (e *CallEvent) Validate() error {
	if e.TenantID == uuid.Nil {
		return fmt.Errorf("event missing tenant_id")
	}
	if e.CallID == uuid.Nil {
		return fmt.Errorf("event missing call_id")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type: %q", e.Type)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("event missing occurred_at")
	}
	if e.Type == TypeSentimentScored {
		if e.Payload.SentimentScore == nil {
			return fmt.Errorf("sentiment_scored event missing sentiment_score")
		}
		if s := *e.Payload.SentimentScore; s < 0 || s > 1 {
			return fmt.Errorf("sentiment_score out of range [0,1]: %v", s)
		}
	}
	if e.Type == TypeCallEnded && e.Payload.DurationSeconds < 0 {
		return fmt.Errorf("negative duration_seconds: %v", e.Payload.DurationSeconds)
	}
	return nil
}
