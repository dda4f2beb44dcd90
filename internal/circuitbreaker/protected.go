package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/callwatch/engine/internal/sender"
)

// ProtectedSender wraps a channel sender with a CircuitBreaker. An
// open circuit surfaces as a retryable failure so the dispatcher's
// retry policy, not the breaker, decides what happens next.
type ProtectedSender struct {
	inner   sender.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(inner sender.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		inner:   inner,
		breaker: breaker,
		logger:  logger,
	}
}

// Channel delegates to the underlying sender.
func (p *ProtectedSender) Channel() string {
	return p.inner.Channel()
}

// Send attempts a delivery through the circuit breaker.
func (p *ProtectedSender) Send(ctx context.Context, d *sender.Delivery) sender.Outcome {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("notification_id", d.NotificationID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return sender.Retryable(fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name))
	}

	outcome := p.inner.Send(ctx, d)
	switch outcome.Status {
	case sender.StatusSuccess:
		p.breaker.RecordSuccess()
	case sender.StatusRetryable:
		p.breaker.RecordFailure()
	}
	// Permanent failures say nothing about downstream health
	// (misconfigured tenant, bad webhook URL), so they don't trip
	// the breaker.

	return outcome
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
