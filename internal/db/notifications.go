package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotificationNotFound is returned when a notification lookup matches no row.
var ErrNotificationNotFound = errors.New("notification not found")

// NotificationRepository handles database operations for notifications
// and their delivery-failure ledger.
type NotificationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
	}
}

// CreateNotification inserts a new notification. The partial unique
// index on (rule_id, cdr_id) absorbs replayed events: a conflicting
// insert writes nothing and returns created=false.
func (r *NotificationRepository) CreateNotification(ctx context.Context, notif *Notification) (bool, error) {
	query := `
		INSERT INTO notifications (
			id, tenant_id, rule_id, cdr_id, type, title, message, read
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, false
		)
		ON CONFLICT (rule_id, cdr_id) WHERE rule_id IS NOT NULL AND cdr_id IS NOT NULL
		DO NOTHING
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.TenantID,
		notif.RuleID,
		notif.CDRID,
		notif.Type,
		notif.Title,
		notif.Message,
	).Scan(&notif.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict path: an identical (rule, call) notification already exists.
		return false, nil
	}

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return false, fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("tenant_id", notif.TenantID.String()),
		zap.String("type", notif.Type),
	)

	return true, nil
}

// GetNotification retrieves a notification by ID
func (r *NotificationRepository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		SELECT id, tenant_id, rule_id, cdr_id, type, title, message, read, created_at
		FROM notifications
		WHERE id = $1
	`

	var notif Notification
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&notif.ID,
		&notif.TenantID,
		&notif.RuleID,
		&notif.CDRID,
		&notif.Type,
		&notif.Title,
		&notif.Message,
		&notif.Read,
		&notif.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return &notif, nil
}

// ListNotifications retrieves notifications for a tenant, newest first,
// optionally filtered to unread only.
func (r *NotificationRepository) ListNotifications(
	ctx context.Context,
	tenantID uuid.UUID,
	limit int,
	offset int,
	unreadOnly bool,
) ([]*Notification, error) {
	query := `
		SELECT id, tenant_id, rule_id, cdr_id, type, title, message, read, created_at
		FROM notifications
		WHERE tenant_id = $1
	`
	if unreadOnly {
		query += ` AND read = false`
	}
	query += `
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var notif Notification
		err := rows.Scan(
			&notif.ID,
			&notif.TenantID,
			&notif.RuleID,
			&notif.CDRID,
			&notif.Type,
			&notif.Title,
			&notif.Message,
			&notif.Read,
			&notif.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// UnreadCount returns the number of unread notifications for a tenant.
// Derived from the read column directly so it can never drift.
func (r *NotificationRepository) UnreadCount(ctx context.Context, tenantID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM notifications WHERE tenant_id = $1 AND read = false`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, tenantID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}

	return count, nil
}

// MarkRead transitions a notification to read. Idempotent: marking an
// already-read notification is a no-op, not an error.
func (r *NotificationRepository) MarkRead(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE notifications SET read = true WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}

	return nil
}

// RecordDeliveryFailure logs a permanent channel failure against the
// rule/channel for tenant-admin visibility.
func (r *NotificationRepository) RecordDeliveryFailure(ctx context.Context, failure *DeliveryFailure) error {
	query := `
		INSERT INTO delivery_failures (
			id, tenant_id, notification_id, rule_id, channel, reason
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		failure.ID,
		failure.TenantID,
		failure.NotificationID,
		failure.RuleID,
		failure.Channel,
		failure.Reason,
	).Scan(&failure.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert delivery failure: %w", err)
	}

	r.logger.Warn("delivery failure recorded",
		zap.String("notification_id", failure.NotificationID.String()),
		zap.String("channel", failure.Channel),
		zap.String("reason", failure.Reason),
	)

	return nil
}

// ListDeliveryFailures retrieves recent delivery failures for a tenant
func (r *NotificationRepository) ListDeliveryFailures(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*DeliveryFailure, error) {
	query := `
		SELECT id, tenant_id, notification_id, rule_id, channel, reason, created_at
		FROM delivery_failures
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query delivery failures: %w", err)
	}
	defer rows.Close()

	var failures []*DeliveryFailure
	for rows.Next() {
		var f DeliveryFailure
		err := rows.Scan(
			&f.ID,
			&f.TenantID,
			&f.NotificationID,
			&f.RuleID,
			&f.Channel,
			&f.Reason,
			&f.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery failure: %w", err)
		}
		failures = append(failures, &f)
	}

	return failures, nil
}
