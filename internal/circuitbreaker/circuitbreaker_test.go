package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/callwatch/engine/internal/sender"
)

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), zap.NewNop())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), zap.NewNop())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: 1 * time.Second}, zap.NewNop())
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

// fixedSender always returns the configured outcome.
type fixedSender struct {
	outcome sender.Outcome
	sends   int
}

func (f *fixedSender) Channel() string { return "slack" }

func (f *fixedSender) Send(_ context.Context, _ *sender.Delivery) sender.Outcome {
	f.sends++
	return f.outcome
}

func protectedDelivery() *sender.Delivery {
	return &sender.Delivery{
		NotificationID: uuid.New(),
		TenantID:       uuid.New(),
		RuleID:         uuid.New(),
		MatchedAt:      time.Now(),
	}
}

func TestProtectedSender_OpenCircuitIsRetryable(t *testing.T) {
	inner := &fixedSender{outcome: sender.Retryable(errors.New("webhook host down"))}
	cb := New(Config{Name: "slack", MaxFailures: 2, RecoveryTimeout: time.Minute}, zap.NewNop())
	p := NewProtectedSender(inner, cb, zap.NewNop())

	for i := 0; i < 2; i++ {
		p.Send(context.Background(), protectedDelivery())
	}

	// Breaker is now open; the inner sender must not be reached.
	outcome := p.Send(context.Background(), protectedDelivery())
	if outcome.Status != sender.StatusRetryable {
		t.Fatalf("status = %v, want retryable", outcome.Status)
	}
	if !errors.Is(outcome.Err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", outcome.Err)
	}
	if inner.sends != 2 {
		t.Errorf("inner sends = %d, want 2 (fail fast while open)", inner.sends)
	}
}

func TestProtectedSender_PermanentFailureDoesNotTrip(t *testing.T) {
	inner := &fixedSender{outcome: sender.Permanent(errors.New("tenant misconfigured"))}
	cb := New(Config{Name: "slack", MaxFailures: 2, RecoveryTimeout: time.Minute}, zap.NewNop())
	p := NewProtectedSender(inner, cb, zap.NewNop())

	for i := 0; i < 5; i++ {
		p.Send(context.Background(), protectedDelivery())
	}

	if cb.GetState() != StateClosed {
		t.Errorf("breaker state = %s, want closed (permanent failures are per-tenant, not downstream health)", cb.GetState())
	}
}

func TestProtectedSender_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "slack", MaxFailures: 2, RecoveryTimeout: time.Minute}, zap.NewNop())

	failing := &fixedSender{outcome: sender.Retryable(errors.New("down"))}
	p := NewProtectedSender(failing, cb, zap.NewNop())
	p.Send(context.Background(), protectedDelivery())

	failing.outcome = sender.Success()
	p.Send(context.Background(), protectedDelivery())

	failing.outcome = sender.Retryable(errors.New("down"))
	p.Send(context.Background(), protectedDelivery())

	if cb.GetState() != StateClosed {
		t.Errorf("breaker state = %s, want closed (non-consecutive failures)", cb.GetState())
	}
}
