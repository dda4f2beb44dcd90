package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Counter names for windowed aggregates. Keys are scoped per tenant so
// one tenant's traffic never affects another's aggregates.
const (
	CounterCalls    = "calls"
	CounterMissed   = "missed"
	CounterAnswered = "answered"
)

// WindowStore maintains trailing-window call counters using Redis
// sorted sets: one member per occurrence, scored by timestamp, trimmed
// to the window on every read.
type WindowStore struct {
	client *Client
	logger *zap.Logger
	window time.Duration
}

// NewWindowStore creates a window store with the given trailing window.
func NewWindowStore(client *Client, logger *zap.Logger, window time.Duration) *WindowStore {
	return &WindowStore{
		client: client,
		logger: logger,
		window: window,
	}
}

// Window returns the configured trailing window length.
func (s *WindowStore) Window() time.Duration {
	return s.window
}

func (s *WindowStore) buildKey(tenantID uuid.UUID, counter string) string {
	return fmt.Sprintf("window:%s:%s", tenantID, counter)
}

// Record adds one occurrence to a tenant's counter at the given time.
// The member embeds the call ID so a replayed event does not double-count.
func (s *WindowStore) Record(ctx context.Context, tenantID uuid.UUID, counter string, callID uuid.UUID, at time.Time) error {
	key := s.buildKey(tenantID, counter)

	pipe := s.client.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.UnixNano()),
		Member: callID.String(),
	})
	pipe.Expire(ctx, key, s.window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis zadd failed: %w", err)
	}

	return nil
}

// Count returns the number of occurrences for a tenant's counter inside
// the trailing window ending at now.
func (s *WindowStore) Count(ctx context.Context, tenantID uuid.UUID, counter string, now time.Time) (int64, error) {
	key := s.buildKey(tenantID, counter)
	windowStart := now.Add(-s.window)

	pipe := s.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis pipeline failed: %w", err)
	}

	return countCmd.Val(), nil
}

// AnswerRate returns answered/total for the trailing window. ok is
// false when no calls fell inside the window, in which case the rate
// is undefined and rate-based rules must not fire.
func (s *WindowStore) AnswerRate(ctx context.Context, tenantID uuid.UUID, now time.Time) (rate float64, ok bool, err error) {
	total, err := s.Count(ctx, tenantID, CounterCalls, now)
	if err != nil {
		return 0, false, err
	}
	if total == 0 {
		return 0, false, nil
	}

	answered, err := s.Count(ctx, tenantID, CounterAnswered, now)
	if err != nil {
		return 0, false, err
	}

	return float64(answered) / float64(total), true, nil
}
