package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/callwatch/engine/internal/db"
	"github.com/callwatch/engine/internal/metrics"
	"github.com/callwatch/engine/internal/sender"
)

// NotificationStore is the slice of the notification repository the
// dispatcher writes through.
type NotificationStore interface {
	CreateNotification(ctx context.Context, notif *db.Notification) (bool, error)
	RecordDeliveryFailure(ctx context.Context, failure *db.DeliveryFailure) error
}

// DedupeStore caches (rule, call) pairs that already produced a
// notification. Seen is a fast path over the store's unique index;
// MarkProcessed records a pair after its write succeeded.
type DedupeStore interface {
	Seen(ctx context.Context, ruleID, callID uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, ruleID, callID uuid.UUID) error
}

// Dispatcher turns trigger matches into exactly one persisted
// notification each, then fans deliveries out to the rule's channels.
// The notification write always precedes any channel send, so a
// notification's existence never depends on delivery success.
type Dispatcher struct {
	store    NotificationStore
	dedupe   DedupeStore
	registry *sender.Registry
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given store and senders.
func NewDispatcher(store NotificationStore, dedupe DedupeStore, registry *sender.Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		dedupe:   dedupe,
		registry: registry,
		logger:   logger,
	}
}

// Dispatch processes one trigger match. Returns the created
// notification, or (nil, nil) when the match was a replay already
// absorbed by deduplication.
func (d *Dispatcher) Dispatch(ctx context.Context, match TriggerMatch) (*db.Notification, error) {
	rule := match.Rule
	ev := match.Event

	seen, err := d.dedupe.Seen(ctx, rule.ID, ev.CallID)
	if err != nil {
		// Redis down: proceed and let the unique index on
		// (rule_id, cdr_id) absorb any duplicate.
		d.logger.Warn("dedupe check unavailable, relying on store constraint",
			zap.String("rule_id", rule.ID.String()),
			zap.Error(err),
		)
	} else if seen {
		metrics.RecordDuplicateEvent()
		return nil, nil
	}

	title, message := renderTemplate(match)

	ruleID := rule.ID
	callID := ev.CallID
	notif := &db.Notification{
		ID:       uuid.New(),
		TenantID: ev.TenantID,
		RuleID:   &ruleID,
		CDRID:    &callID,
		Type:     notificationType(rule.TriggerType),
		Title:    title,
		Message:  message,
	}

	// The insert is the atomic check-and-mark: the unique index on
	// (rule_id, cdr_id) lets exactly one of any concurrent duplicates
	// create the row.
	created, err := d.store.CreateNotification(ctx, notif)
	if err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}

	// Mark only after the row exists. A crash before this point leaves
	// no mark, so the redelivery re-runs the insert instead of acking
	// a notification that was never written.
	if markErr := d.dedupe.MarkProcessed(ctx, rule.ID, ev.CallID); markErr != nil {
		d.logger.Warn("failed to record dedupe mark",
			zap.String("rule_id", rule.ID.String()),
			zap.Error(markErr),
		)
	}

	if !created {
		metrics.RecordDuplicateEvent()
		return nil, nil
	}

	d.fanOut(ctx, notif, match)

	return notif, nil
}

// fanOut starts one delivery per enabled channel. Channel sends are
// independent: one channel's failure or cancellation never affects a
// sibling channel or the persisted notification. The in_app channel is
// satisfied by the store write itself but still routes through its
// sender for uniform accounting.
func (d *Dispatcher) fanOut(ctx context.Context, notif *db.Notification, match TriggerMatch) {
	delivery := &sender.Delivery{
		NotificationID: notif.ID,
		TenantID:       notif.TenantID,
		RuleID:         match.Rule.ID,
		RuleName:       match.Rule.Name,
		TriggerType:    match.Rule.TriggerType,
		Title:          notif.Title,
		Message:        notif.Message,
		CDRID:          notif.CDRID,
		MatchedAt:      match.MatchedAt,
	}

	for _, channel := range match.Rule.Channels {
		s, err := d.registry.Sender(channel)
		if err != nil {
			d.logger.Error("channel has no sender",
				zap.String("channel", channel),
				zap.String("rule_id", match.Rule.ID.String()),
			)
			continue
		}

		d.wg.Add(1)
		go func(channel string, s sender.Sender) {
			defer d.wg.Done()

			// The delivery outlives the event's processing context.
			sendCtx := context.WithoutCancel(ctx)
			outcome := s.Send(sendCtx, delivery)

			metrics.RecordDelivery(channel, outcome.Status.String())
			metrics.RecordDeliveryLatency(channel, time.Since(match.MatchedAt))

			switch outcome.Status {
			case sender.StatusSuccess:
				d.logger.Info("notification delivered",
					zap.String("notification_id", notif.ID.String()),
					zap.String("channel", channel),
				)
			case sender.StatusPermanent:
				d.recordFailure(sendCtx, notif, match, channel, outcome)
			case sender.StatusRetryable:
				// Retries exhausted. Logged for operators; the
				// notification record itself already exists.
				d.logger.Error("delivery failed after retries",
					zap.String("notification_id", notif.ID.String()),
					zap.String("channel", channel),
					zap.Error(outcome.Err),
				)
			}
		}(channel, s)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, notif *db.Notification, match TriggerMatch, channel string, outcome sender.Outcome) {
	reason := "delivery failed"
	if outcome.Err != nil {
		reason = outcome.Err.Error()
	}

	failure := &db.DeliveryFailure{
		ID:             uuid.New(),
		TenantID:       notif.TenantID,
		NotificationID: notif.ID,
		RuleID:         match.Rule.ID,
		Channel:        channel,
		Reason:         reason,
	}

	if err := d.store.RecordDeliveryFailure(ctx, failure); err != nil {
		d.logger.Error("failed to record delivery failure",
			zap.String("notification_id", notif.ID.String()),
			zap.String("channel", channel),
			zap.Error(err),
		)
	}
}

// Wait blocks until all in-flight channel deliveries finish. Used on
// shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// notificationType maps a trigger type to the notification severity
// shown in the UI.
func notificationType(triggerType string) string {
	switch triggerType {
	case db.TriggerNegativeSentiment, db.TriggerMissedCallSpike:
		return db.NotificationAlert
	case db.TriggerHighCallVolume, db.TriggerLowAnswerRate, db.TriggerLongCallDuration:
		return db.NotificationWarning
	default:
		return db.NotificationInfo
	}
}

// renderTemplate builds the human-readable title and message for a
// trigger match.
func renderTemplate(match TriggerMatch) (title, message string) {
	rule := match.Rule

	switch rule.TriggerType {
	case db.TriggerNegativeSentiment:
		return "Negative sentiment detected",
			fmt.Sprintf("A call scored %.2f, at or below your sentiment threshold of %.2f.", match.Value, rule.ThresholdValue)
	case db.TriggerHighCallVolume:
		return "High call volume",
			fmt.Sprintf("%.0f calls in the trailing window exceeded your threshold of %.0f.", match.Value, rule.ThresholdValue)
	case db.TriggerLowAnswerRate:
		return "Low answer rate",
			fmt.Sprintf("The answer rate dropped to %.0f%%, below your threshold of %.0f%%.", match.Value*100, rule.ThresholdValue*100)
	case db.TriggerMissedCallSpike:
		return "Missed call spike",
			fmt.Sprintf("%.0f missed calls in the trailing window exceeded your threshold of %.0f.", match.Value, rule.ThresholdValue)
	case db.TriggerKeywordDetected:
		return "Keyword detected",
			fmt.Sprintf("Keywords detected on a call: %s.", strings.Join(match.MatchedKeywords, ", "))
	case db.TriggerLongCallDuration:
		return "Long call duration",
			fmt.Sprintf("A call lasted %.0f seconds, over your threshold of %.0f seconds.", match.Value, rule.ThresholdValue)
	default:
		return rule.Name, fmt.Sprintf("Rule %q matched.", rule.Name)
	}
}
