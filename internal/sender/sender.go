// Package sender implements the delivery channels a notification fans
// out to. Each channel is one Sender implementation behind a common
// interface; the dispatcher never branches on channel names itself.
package sender

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"
)

// Status classifies the result of one delivery attempt.
type Status int

const (
	StatusSuccess Status = iota
	StatusRetryable
	StatusPermanent
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRetryable:
		return "retryable_failure"
	case StatusPermanent:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Outcome is the result of a channel send. Err carries detail for
// logging and the delivery-failure ledger; it is nil on success.
type Outcome struct {
	Status Status
	Err    error
}

// Success returns a successful outcome.
func Success() Outcome {
	return Outcome{Status: StatusSuccess}
}

// Retryable returns a retryable failure outcome.
func Retryable(err error) Outcome {
	return Outcome{Status: StatusRetryable, Err: err}
}

// Permanent returns a permanent failure outcome.
func Permanent(err error) Outcome {
	return Outcome{Status: StatusPermanent, Err: err}
}

// Delivery carries everything a channel needs to render and send one
// notification. The notification record itself is already persisted
// before any Delivery is constructed.
type Delivery struct {
	NotificationID uuid.UUID
	TenantID       uuid.UUID
	RuleID         uuid.UUID
	RuleName       string
	TriggerType    string
	Title          string
	Message        string
	CDRID          *uuid.UUID
	MatchedAt      time.Time
}

// Sender delivers a notification over one channel.
type Sender interface {
	Channel() string
	Send(ctx context.Context, d *Delivery) Outcome
}

// Registry routes deliveries to the sender registered for a channel.
type Registry struct {
	senders map[string]Sender
	logger  *zap.Logger
}

// NewRegistry builds a registry from the given senders, keyed by their
// channel. Later senders for the same channel replace earlier ones.
func NewRegistry(logger *zap.Logger, senders ...Sender) *Registry {
	byChannel := make(map[string]Sender, len(senders))
	for _, s := range senders {
		byChannel[s.Channel()] = s
	}
	return &Registry{
		senders: byChannel,
		logger:  logger,
	}
}

// Sender returns the sender registered for channel, or an error when
// the channel has no registered implementation.
func (r *Registry) Sender(channel string) (Sender, error) {
	s, ok := r.senders[channel]
	if !ok {
		return nil, fmt.Errorf("no sender registered for channel: %s", channel)
	}
	return s, nil
}

// Channels returns the channels with a registered sender.
func (r *Registry) Channels() []string {
	channels := make([]string, 0, len(r.senders))
	for ch := range r.senders {
		channels = append(channels, ch)
	}
	return channels
}
