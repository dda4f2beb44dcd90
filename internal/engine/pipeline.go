package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/callwatch/engine/internal/db"
	"github.com/callwatch/engine/internal/event"
	"github.com/callwatch/engine/internal/metrics"
	"github.com/callwatch/engine/internal/redis"
)

// RuleSource provides the evaluator's per-tenant rule snapshot.
type RuleSource interface {
	ListEnabledRules(ctx context.Context, tenantID uuid.UUID) ([]*db.NotificationRule, error)
}

// CounterSink records call occurrences into the windowed counters.
type CounterSink interface {
	Record(ctx context.Context, tenantID uuid.UUID, counter string, callID uuid.UUID, at time.Time) error
}

// Pipeline runs the event-processing worker pool. Each event is
// handled by exactly one worker; events for different tenants (and
// concurrent duplicates for the same tenant) may be in flight at once.
type Pipeline struct {
	rules      RuleSource
	counters   CounterSink
	evaluator  *Evaluator
	dispatcher *Dispatcher
	logger     *zap.Logger

	events  chan *event.CallEvent
	workers int
}

// NewPipeline creates a pipeline with the given number of workers.
func NewPipeline(rules RuleSource, counters CounterSink, evaluator *Evaluator, dispatcher *Dispatcher, workers int, logger *zap.Logger) *Pipeline {
	if workers < 1 {
		workers = 1
	}

	return &Pipeline{
		rules:      rules,
		counters:   counters,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		logger:     logger,
		events:     make(chan *event.CallEvent, workers*4),
		workers:    workers,
	}
}

// Start launches the worker pool and blocks until ctx is cancelled and
// all queued events have been drained.
func (p *Pipeline) Start(ctx context.Context) {
	var done = make(chan struct{})

	// Accepted events must finish against live stores even after the
	// shutdown signal, so workers process under a context that survives
	// cancellation. The drain ends when the queue is closed, not when
	// ctx expires.
	procCtx := context.WithoutCancel(ctx)

	for i := 0; i < p.workers; i++ {
		go func(id int) {
			for ev := range p.events {
				if err := p.Process(procCtx, ev); err != nil {
					p.logger.Error("event processing failed",
						zap.Int("worker", id),
						zap.String("call_id", ev.CallID.String()),
						zap.Error(err),
					)
				}
			}
			done <- struct{}{}
		}(i)
	}

	<-ctx.Done()
	close(p.events)
	for i := 0; i < p.workers; i++ {
		<-done
	}
	p.dispatcher.Wait()
	p.logger.Info("pipeline stopped")
}

// EventFeed is a pull-based at-least-once event source. Receive
// returns (nil, "", nil) on an empty poll; Delete acknowledges a
// message so it is not redelivered.
type EventFeed interface {
	Receive(ctx context.Context) (*event.CallEvent, string, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// RunFeed pulls events from the feed until ctx is cancelled. Each
// event is processed before its message is acknowledged, so a crash
// mid-processing redelivers the event and the dedupe layer absorbs
// the replay. Invalid events are acknowledged and dropped.
func (p *Pipeline) RunFeed(ctx context.Context, feed EventFeed) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev, receipt, err := feed.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("feed receive failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if ev == nil {
			continue
		}

		if err := ev.Validate(); err != nil {
			p.logger.Warn("dropping invalid event from feed", zap.Error(err))
			if err := feed.Delete(ctx, receipt); err != nil {
				p.logger.Error("feed ack failed", zap.Error(err))
			}
			continue
		}

		if err := p.Process(ctx, ev); err != nil {
			// Leave the message unacknowledged; the feed will
			// redeliver it after the visibility timeout.
			continue
		}

		if err := feed.Delete(ctx, receipt); err != nil {
			p.logger.Error("feed ack failed", zap.Error(err))
		}
	}
}

// Submit validates an event and queues it for processing. Blocks when
// the queue is full (backpressure to the feed).
func (p *Pipeline) Submit(ctx context.Context, ev *event.CallEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	select {
	case p.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs one event through the full pipeline: windowed-counter
// updates, rule evaluation over a consistent snapshot, and dispatch of
// every match. A failure of one match's dispatch does not stop the
// others.
func (p *Pipeline) Process(ctx context.Context, ev *event.CallEvent) error {
	p.recordCounters(ctx, ev)

	rules, err := p.rules.ListEnabledRules(ctx, ev.TenantID)
	if err != nil {
		return fmt.Errorf("list enabled rules: %w", err)
	}

	matches := p.evaluator.Evaluate(ctx, ev, rules)
	metrics.RecordEventProcessed(string(ev.Type))

	var firstErr error
	for _, match := range matches {
		if _, err := p.dispatcher.Dispatch(ctx, match); err != nil {
			p.logger.Error("dispatch failed",
				zap.String("rule_id", match.Rule.ID.String()),
				zap.String("call_id", ev.CallID.String()),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// recordCounters feeds the windowed aggregates. Counter failures only
// degrade the volume/rate triggers; threshold triggers keep working.
func (p *Pipeline) recordCounters(ctx context.Context, ev *event.CallEvent) {
	record := func(counter string) {
		if err := p.counters.Record(ctx, ev.TenantID, counter, ev.CallID, ev.OccurredAt); err != nil {
			p.logger.Warn("failed to record windowed counter",
				zap.String("counter", counter),
				zap.String("tenant_id", ev.TenantID.String()),
				zap.Error(err),
			)
		}
	}

	switch ev.Type {
	case event.TypeCallEnded:
		record(redis.CounterCalls)
		if ev.Payload.Answered {
			record(redis.CounterAnswered)
		}
	case event.TypeMissed:
		record(redis.CounterMissed)
	}
}
