package sender

import (
	"context"

	"go.uber.org/zap"

	"github.com/callwatch/engine/internal/db"
)

// InAppSender covers the in_app channel. The notification row the
// dispatcher persisted IS the in-app delivery, so sending is a no-op
// that always succeeds once the record exists.
type InAppSender struct {
	logger *zap.Logger
}

// NewInAppSender creates the in-app channel sender.
func NewInAppSender(logger *zap.Logger) *InAppSender {
	return &InAppSender{logger: logger}
}

func (s *InAppSender) Channel() string {
	return db.ChannelInApp
}

func (s *InAppSender) Send(_ context.Context, d *Delivery) Outcome {
	s.logger.Debug("in-app notification available",
		zap.String("notification_id", d.NotificationID.String()),
		zap.String("tenant_id", d.TenantID.String()),
	)
	return Success()
}
