package sender

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls the bounded retry applied to a network channel.
type RetryConfig struct {
	MaxAttempts    int           // total attempts, including the first
	InitialBackoff time.Duration // doubled after each failed attempt
	AttemptTimeout time.Duration // per-attempt deadline; expiry counts as retryable
}

// DefaultRetryConfig matches the delivery policy: up to 3 attempts with
// exponential backoff, 10s per attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		AttemptTimeout: 10 * time.Second,
	}
}

// RetryingSender wraps a Sender with bounded retry for retryable
// failures. Permanent failures stop immediately; success stops
// immediately; context cancellation stops between attempts.
type RetryingSender struct {
	inner  Sender
	config RetryConfig
	logger *zap.Logger
}

// WithRetry wraps sender with the given retry policy.
func WithRetry(inner Sender, cfg RetryConfig, logger *zap.Logger) *RetryingSender {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}

	return &RetryingSender{
		inner:  inner,
		config: cfg,
		logger: logger,
	}
}

func (r *RetryingSender) Channel() string {
	return r.inner.Channel()
}

func (r *RetryingSender) Send(ctx context.Context, d *Delivery) Outcome {
	backoff := r.config.InitialBackoff

	var last Outcome
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
		last = r.inner.Send(attemptCtx, d)
		cancel()

		// A send cut short by the attempt deadline is retryable.
		if last.Status != StatusSuccess && attemptCtx.Err() != nil && ctx.Err() == nil {
			last = Retryable(fmt.Errorf("send timed out after %s: %w", r.config.AttemptTimeout, attemptCtx.Err()))
		}

		if last.Status != StatusRetryable {
			return last
		}

		r.logger.Warn("channel send failed, will retry",
			zap.String("channel", r.inner.Channel()),
			zap.String("notification_id", d.NotificationID.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.config.MaxAttempts),
			zap.Error(last.Err),
		)

		if attempt == r.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return Retryable(fmt.Errorf("delivery cancelled: %w", ctx.Err()))
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return last
}
