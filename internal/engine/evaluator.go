// Package engine contains the alerting core: rule evaluation against
// call events, and dispatch of trigger matches into notifications and
// channel deliveries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/callwatch/engine/internal/db"
	"github.com/callwatch/engine/internal/event"
	"github.com/callwatch/engine/internal/metrics"
	"github.com/callwatch/engine/internal/redis"
)

// ErrAggregateUnavailable wraps windowed-counter lookup failures. Only
// the rule that needed the aggregate is skipped; evaluation of the
// event's other rules continues.
var ErrAggregateUnavailable = errors.New("windowed aggregate unavailable")

// TriggerMatch is the evaluator's intermediate output: one enabled rule
// that matched one event. Consumed immediately by the dispatcher, never
// persisted.
type TriggerMatch struct {
	Rule      *db.NotificationRule
	Event     *event.CallEvent
	MatchedAt time.Time

	// Value is the observed quantity that satisfied the rule:
	// sentiment score, window count, answer rate, or duration.
	Value float64

	// MatchedKeywords holds the intersection for keyword rules.
	MatchedKeywords []string
}

// AggregateSource provides trailing-window counts for the volume/rate
// trigger types.
type AggregateSource interface {
	Count(ctx context.Context, tenantID uuid.UUID, counter string, now time.Time) (int64, error)
	AnswerRate(ctx context.Context, tenantID uuid.UUID, now time.Time) (float64, bool, error)
}

// Evaluator matches call events against a tenant's enabled rules.
// Evaluation of each rule is independent: rules cannot suppress each
// other, and order never affects the result set.
type Evaluator struct {
	aggregates AggregateSource
	logger     *zap.Logger
	now        func() time.Time
}

// NewEvaluator creates an evaluator over the given aggregate source.
func NewEvaluator(aggregates AggregateSource, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		aggregates: aggregates,
		logger:     logger,
		now:        time.Now,
	}
}

// Evaluate returns a TriggerMatch for every enabled rule the event
// satisfies. Aggregate lookup failures skip only the affected rule.
func (e *Evaluator) Evaluate(ctx context.Context, ev *event.CallEvent, rules []*db.NotificationRule) []TriggerMatch {
	var matches []TriggerMatch

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		match, err := e.evaluateRule(ctx, ev, rule)
		if err != nil {
			if errors.Is(err, ErrAggregateUnavailable) {
				metrics.RecordAggregateFailure(rule.TriggerType)
				e.logger.Warn("aggregate lookup failed, skipping rule",
					zap.String("rule_id", rule.ID.String()),
					zap.String("trigger_type", rule.TriggerType),
					zap.Error(err),
				)
				continue
			}
			e.logger.Error("rule evaluation failed",
				zap.String("rule_id", rule.ID.String()),
				zap.Error(err),
			)
			continue
		}

		if match != nil {
			metrics.RecordRuleMatched(rule.TriggerType)
			matches = append(matches, *match)
		}
	}

	return matches
}

func (e *Evaluator) evaluateRule(ctx context.Context, ev *event.CallEvent, rule *db.NotificationRule) (*TriggerMatch, error) {
	switch rule.TriggerType {
	case db.TriggerNegativeSentiment:
		return e.evaluateSentiment(ev, rule), nil
	case db.TriggerKeywordDetected:
		return e.evaluateKeywords(ev, rule), nil
	case db.TriggerLongCallDuration:
		return e.evaluateDuration(ev, rule), nil
	case db.TriggerHighCallVolume:
		return e.evaluateWindowCount(ctx, ev, rule, redis.CounterCalls)
	case db.TriggerMissedCallSpike:
		return e.evaluateWindowCount(ctx, ev, rule, redis.CounterMissed)
	case db.TriggerLowAnswerRate:
		return e.evaluateAnswerRate(ctx, ev, rule)
	default:
		return nil, fmt.Errorf("unknown trigger type: %s", rule.TriggerType)
	}
}

// evaluateSentiment matches when the score is at or below the
// threshold: lower scores are more negative, so the threshold is an
// upper bound on "negative enough".
func (e *Evaluator) evaluateSentiment(ev *event.CallEvent, rule *db.NotificationRule) *TriggerMatch {
	if ev.Type != event.TypeSentimentScored || ev.Payload.SentimentScore == nil {
		return nil
	}

	score := *ev.Payload.SentimentScore
	if score > rule.ThresholdValue {
		return nil
	}

	return e.match(ev, rule, score, nil)
}

func (e *Evaluator) evaluateKeywords(ev *event.CallEvent, rule *db.NotificationRule) *TriggerMatch {
	if ev.Type != event.TypeTranscriptionCompleted {
		return nil
	}

	configured := make(map[string]bool, len(rule.Keywords))
	for _, kw := range rule.Keywords {
		configured[kw] = true
	}

	var hits []string
	for _, kw := range ev.Payload.DetectedKeywords {
		if configured[kw] {
			hits = append(hits, kw)
		}
	}
	if len(hits) == 0 {
		return nil
	}

	return e.match(ev, rule, float64(len(hits)), hits)
}

func (e *Evaluator) evaluateDuration(ev *event.CallEvent, rule *db.NotificationRule) *TriggerMatch {
	if ev.Type != event.TypeCallEnded {
		return nil
	}

	if ev.Payload.DurationSeconds < rule.ThresholdValue {
		return nil
	}

	return e.match(ev, rule, ev.Payload.DurationSeconds, nil)
}

func (e *Evaluator) evaluateWindowCount(ctx context.Context, ev *event.CallEvent, rule *db.NotificationRule, counter string) (*TriggerMatch, error) {
	if ev.Type != event.TypeCallEnded && ev.Type != event.TypeMissed {
		return nil, nil
	}

	count, err := e.aggregates.Count(ctx, ev.TenantID, counter, e.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregateUnavailable, err)
	}

	if float64(count) <= rule.ThresholdValue {
		return nil, nil
	}

	return e.match(ev, rule, float64(count), nil), nil
}

func (e *Evaluator) evaluateAnswerRate(ctx context.Context, ev *event.CallEvent, rule *db.NotificationRule) (*TriggerMatch, error) {
	if ev.Type != event.TypeCallEnded && ev.Type != event.TypeMissed {
		return nil, nil
	}

	rate, ok, err := e.aggregates.AnswerRate(ctx, ev.TenantID, e.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregateUnavailable, err)
	}
	if !ok {
		// No calls in the window: the rate is undefined, not zero.
		return nil, nil
	}

	if rate >= rule.ThresholdValue {
		return nil, nil
	}

	return e.match(ev, rule, rate, nil), nil
}

func (e *Evaluator) match(ev *event.CallEvent, rule *db.NotificationRule, value float64, keywords []string) *TriggerMatch {
	return &TriggerMatch{
		Rule:            rule,
		Event:           ev,
		MatchedAt:       e.now(),
		Value:           value,
		MatchedKeywords: keywords,
	}
}
