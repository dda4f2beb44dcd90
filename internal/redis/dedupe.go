package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// dedupeTTL bounds how long a processed (rule, call) mark is retained.
// The partial unique index on notifications backstops anything that
// outlives the mark.
const dedupeTTL = 24 * time.Hour

// Deduper caches which (rule_id, call_id) pairs already produced a
// notification, so replays can be dropped without touching the store.
// The unique index on notifications is the authoritative check; the
// mark is set only after a successful write, so a crash before the
// write leaves no mark and the redelivery re-runs the insert.
type Deduper struct {
	client *Client
	logger *zap.Logger
}

// NewDeduper creates a new deduper.
func NewDeduper(client *Client, logger *zap.Logger) *Deduper {
	return &Deduper{
		client: client,
		logger: logger,
	}
}

func (d *Deduper) buildKey(ruleID, callID uuid.UUID) string {
	return fmt.Sprintf("dedupe:%s:%s", ruleID, callID)
}

// Seen reports whether the pair's notification was already persisted.
func (d *Deduper) Seen(ctx context.Context, ruleID, callID uuid.UUID) (bool, error) {
	key := d.buildKey(ruleID, callID)

	n, err := d.client.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}

	if n > 0 {
		d.logger.Debug("duplicate event absorbed",
			zap.String("rule_id", ruleID.String()),
			zap.String("call_id", callID.String()),
		)
	}

	return n > 0, nil
}

// MarkProcessed records the pair after its notification was written.
// Must never be called before the write; an early mark followed by a
// crash would make the redelivery skip the insert.
func (d *Deduper) MarkProcessed(ctx context.Context, ruleID, callID uuid.UUID) error {
	key := d.buildKey(ruleID, callID)

	if err := d.client.rdb.Set(ctx, key, "1", dedupeTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}
