// Package api exposes the HTTP surface: call-event ingestion, the
// notification inbox, rule management, and the delivery-failure ledger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/callwatch/engine/internal/db"
	"github.com/callwatch/engine/internal/event"
	"github.com/callwatch/engine/internal/sqs"
)

// NotificationReader defines the notification repository operations the
// API depends on.
type NotificationReader interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotifications(ctx context.Context, tenantID uuid.UUID, limit, offset int, unreadOnly bool) ([]*db.Notification, error)
	UnreadCount(ctx context.Context, tenantID uuid.UUID) (int, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	ListDeliveryFailures(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.DeliveryFailure, error)
}

// RuleStore defines the rule repository operations the API depends on.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *db.NotificationRule) error
	GetRule(ctx context.Context, id uuid.UUID) (*db.NotificationRule, error)
	UpdateRule(ctx context.Context, rule *db.NotificationRule) error
	DisableRule(ctx context.Context, tenantID, id uuid.UUID) error
	ListRules(ctx context.Context, tenantID uuid.UUID) ([]*db.NotificationRule, error)
}

// EventSink accepts validated call events for in-process evaluation.
// Used when no queue is configured.
type EventSink interface {
	Submit(ctx context.Context, ev *event.CallEvent) error
}

// RuleRequest is the request body for creating or updating a rule.
type RuleRequest struct {
	TenantID       string   `json:"tenant_id"`
	Name           string   `json:"name"`
	TriggerType    string   `json:"trigger_type"`
	ThresholdValue float64  `json:"threshold_value"`
	Keywords       []string `json:"keywords,omitempty"`
	Channels       []string `json:"channels"`
	Enabled        *bool    `json:"enabled,omitempty"`
}

// EventResponse is returned after accepting a call event.
type EventResponse struct {
	Status string `json:"status"`
	CallID string `json:"call_id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger        *zap.Logger
	notifications NotificationReader
	rules         RuleStore
	events        EventSink
	producer      *sqs.Producer // nil if SQS not configured
}

// NewHandler creates a handler that feeds events straight into the
// in-process pipeline.
func NewHandler(logger *zap.Logger, notifications NotificationReader, rules RuleStore, events EventSink) *Handler {
	return &Handler{
		logger:        logger,
		notifications: notifications,
		rules:         rules,
		events:        events,
	}
}

// NewHandlerWithSQS creates a handler that enqueues events to SQS
// instead of processing them in-process.
func NewHandlerWithSQS(logger *zap.Logger, notifications NotificationReader, rules RuleStore, producer *sqs.Producer) *Handler {
	return &Handler{
		logger:        logger,
		notifications: notifications,
		rules:         rules,
		producer:      producer,
	}
}

// SubmitEvent handles POST /v1/events. Events are accepted for
// asynchronous evaluation; duplicates of an already-processed event are
// accepted too and absorbed downstream.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var ev event.CallEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := ev.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event", err.Error())
		return
	}

	if h.producer != nil {
		msgID, err := h.producer.Enqueue(ctx, &ev)
		if err != nil {
			h.logger.Error("failed to enqueue event",
				zap.Error(err),
				zap.String("call_id", ev.CallID.String()),
			)
			h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue event", "")
			return
		}
		h.logger.Info("event enqueued",
			zap.String("call_id", ev.CallID.String()),
			zap.String("sqs_message_id", msgID),
		)
	} else {
		if err := h.events.Submit(ctx, &ev); err != nil {
			h.logger.Error("failed to submit event",
				zap.Error(err),
				zap.String("call_id", ev.CallID.String()),
			)
			h.writeError(w, http.StatusInternalServerError, "submit_error", "Failed to submit event", "")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(EventResponse{
		Status: "accepted",
		CallID: ev.CallID.String(),
	})
}

// ListNotifications handles GET /v1/notifications?tenant_id=xxx&limit=20&offset=0&unread_only=true
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r)
	unreadOnly := r.URL.Query().Get("unread_only") == "true"

	notifications, err := h.notifications.ListNotifications(ctx, tenantID, limit, offset, unreadOnly)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	unread, err := h.notifications.UnreadCount(ctx, tenantID)
	if err != nil {
		h.logger.Error("failed to count unread notifications",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count unread notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":         notifications,
		"limit":        limit,
		"offset":       offset,
		"count":        len(notifications),
		"unread_count": unread,
	})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r, "Invalid notification ID")
	if !ok {
		return
	}

	notif, err := h.notifications.GetNotification(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(notif)
}

// MarkNotificationRead handles POST /v1/notifications/{id}/read.
// Idempotent: re-marking an already-read notification succeeds.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r, "Invalid notification ID")
	if !ok {
		return
	}

	if err := h.notifications.MarkRead(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to mark notification read",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notification read", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":   id.String(),
		"read": "true",
	})
}

// CreateRule handles POST /v1/rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule := &db.NotificationRule{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Name:           req.Name,
		TriggerType:    req.TriggerType,
		ThresholdValue: req.ThresholdValue,
		Keywords:       req.Keywords,
		Channels:       req.Channels,
		Enabled:        enabled,
	}

	if err := h.rules.CreateRule(ctx, rule); err != nil {
		var verr *db.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, "invalid_rule", "Rule validation failed", verr.Error())
			return
		}
		h.logger.Error("failed to create rule",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create rule", "")
		return
	}

	h.logger.Info("rule created",
		zap.String("id", rule.ID.String()),
		zap.String("tenant_id", req.TenantID),
		zap.String("trigger_type", rule.TriggerType),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(rule)
}

// GetRule handles GET /v1/rules/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r, "Invalid rule ID")
	if !ok {
		return
	}

	rule, err := h.rules.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrRuleNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Rule not found", "")
			return
		}
		h.logger.Error("failed to get rule",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get rule", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rule)
}

// ListRules handles GET /v1/rules?tenant_id=xxx
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	rules, err := h.rules.ListRules(ctx, tenantID)
	if err != nil {
		h.logger.Error("failed to list rules",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list rules", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  rules,
		"count": len(rules),
	})
}

// UpdateRule handles PUT /v1/rules/{id}
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r, "Invalid rule ID")
	if !ok {
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule := &db.NotificationRule{
		ID:             id,
		TenantID:       tenantID,
		Name:           req.Name,
		TriggerType:    req.TriggerType,
		ThresholdValue: req.ThresholdValue,
		Keywords:       req.Keywords,
		Channels:       req.Channels,
		Enabled:        enabled,
	}

	if err := h.rules.UpdateRule(ctx, rule); err != nil {
		var verr *db.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, "invalid_rule", "Rule validation failed", verr.Error())
			return
		}
		if errors.Is(err, db.ErrRuleNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Rule not found", "")
			return
		}
		h.logger.Error("failed to update rule",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update rule", "")
		return
	}

	h.logger.Info("rule updated",
		zap.String("id", id.String()),
		zap.String("trigger_type", rule.TriggerType),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rule)
}

// DisableRule handles DELETE /v1/rules/{id}. Rules are disabled, not
// deleted, so existing notifications keep their rule reference.
func (h *Handler) DisableRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r, "Invalid rule ID")
	if !ok {
		return
	}

	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	if err := h.rules.DisableRule(ctx, tenantID, id); err != nil {
		if errors.Is(err, db.ErrRuleNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Rule not found", "")
			return
		}
		h.logger.Error("failed to disable rule",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to disable rule", "")
		return
	}

	h.logger.Info("rule disabled", zap.String("id", id.String()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     id.String(),
		"status": "disabled",
	})
}

// ListDeliveryFailures handles GET /v1/delivery-failures?tenant_id=xxx
func (h *Handler) ListDeliveryFailures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r)

	failures, err := h.notifications.ListDeliveryFailures(ctx, tenantID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list delivery failures",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list delivery failures", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   failures,
		"limit":  limit,
		"offset": offset,
		"count":  len(failures),
	})
}

func (h *Handler) tenantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantIDStr := r.URL.Query().Get("tenant_id")
	if tenantIDStr == "" {
		tenantIDStr = r.Header.Get("X-Tenant-ID")
	}
	if tenantIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant_id", "tenant_id query parameter is required")
		return uuid.Nil, false
	}

	tenantID, err := uuid.Parse(tenantIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return uuid.Nil, false
	}
	return tenantID, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, title string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
