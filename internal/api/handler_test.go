package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/callwatch/engine/internal/db"
	"github.com/callwatch/engine/internal/event"
)

var errDatabase = errors.New("database error")

// MockNotifications is a fake notification repository for testing
type MockNotifications struct {
	notifications map[string]*db.Notification
	failures      []*db.DeliveryFailure

	shouldFail bool
}

func NewMockNotifications() *MockNotifications {
	return &MockNotifications{
		notifications: make(map[string]*db.Notification),
	}
}

func (m *MockNotifications) GetNotification(_ context.Context, id uuid.UUID) (*db.Notification, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	notif, exists := m.notifications[id.String()]
	if !exists {
		return nil, db.ErrNotificationNotFound
	}
	return notif, nil
}

func (m *MockNotifications) ListNotifications(_ context.Context, tenantID uuid.UUID, limit, offset int, unreadOnly bool) ([]*db.Notification, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var result []*db.Notification
	for _, notif := range m.notifications {
		if notif.TenantID != tenantID {
			continue
		}
		if unreadOnly && notif.Read {
			continue
		}
		result = append(result, notif)
	}
	return result, nil
}

func (m *MockNotifications) UnreadCount(_ context.Context, tenantID uuid.UUID) (int, error) {
	if m.shouldFail {
		return 0, errDatabase
	}
	count := 0
	for _, notif := range m.notifications {
		if notif.TenantID == tenantID && !notif.Read {
			count++
		}
	}
	return count, nil
}

func (m *MockNotifications) MarkRead(_ context.Context, id uuid.UUID) error {
	if m.shouldFail {
		return errDatabase
	}
	notif, exists := m.notifications[id.String()]
	if !exists {
		return db.ErrNotificationNotFound
	}
	notif.Read = true
	return nil
}

func (m *MockNotifications) ListDeliveryFailures(_ context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.DeliveryFailure, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var result []*db.DeliveryFailure
	for _, f := range m.failures {
		if f.TenantID == tenantID {
			result = append(result, f)
		}
	}
	return result, nil
}

// MockRules is a fake rule repository that runs real validation.
type MockRules struct {
	rules map[string]*db.NotificationRule

	shouldFail bool
}

func NewMockRules() *MockRules {
	return &MockRules{rules: make(map[string]*db.NotificationRule)}
}

func (m *MockRules) CreateRule(_ context.Context, rule *db.NotificationRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if m.shouldFail {
		return errDatabase
	}
	m.rules[rule.ID.String()] = rule
	return nil
}

func (m *MockRules) GetRule(_ context.Context, id uuid.UUID) (*db.NotificationRule, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	rule, exists := m.rules[id.String()]
	if !exists {
		return nil, db.ErrRuleNotFound
	}
	return rule, nil
}

func (m *MockRules) UpdateRule(_ context.Context, rule *db.NotificationRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if m.shouldFail {
		return errDatabase
	}
	if _, exists := m.rules[rule.ID.String()]; !exists {
		return db.ErrRuleNotFound
	}
	m.rules[rule.ID.String()] = rule
	return nil
}

func (m *MockRules) DisableRule(_ context.Context, tenantID, id uuid.UUID) error {
	if m.shouldFail {
		return errDatabase
	}
	rule, exists := m.rules[id.String()]
	if !exists || rule.TenantID != tenantID {
		return db.ErrRuleNotFound
	}
	rule.Enabled = false
	return nil
}

func (m *MockRules) ListRules(_ context.Context, tenantID uuid.UUID) ([]*db.NotificationRule, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var result []*db.NotificationRule
	for _, rule := range m.rules {
		if rule.TenantID == tenantID {
			result = append(result, rule)
		}
	}
	return result, nil
}

// MockSink captures submitted events.
type MockSink struct {
	events    []*event.CallEvent
	submitErr error
}

func (m *MockSink) Submit(_ context.Context, ev *event.CallEvent) error {
	if m.submitErr != nil {
		return m.submitErr
	}
	m.events = append(m.events, ev)
	return nil
}

func newTestHandler() (*Handler, *MockNotifications, *MockRules, *MockSink) {
	notifications := NewMockNotifications()
	rules := NewMockRules()
	sink := &MockSink{}
	h := NewHandler(zap.NewNop(), notifications, rules, sink)
	return h, notifications, rules, sink
}

func TestSubmitEvent(t *testing.T) {
	h, _, _, sink := newTestHandler()

	score := 0.2
	body, _ := json.Marshal(event.CallEvent{
		TenantID:   uuid.New(),
		CallID:     uuid.New(),
		Type:       event.TypeSentimentScored,
		OccurredAt: time.Now(),
		Payload:    event.Payload{SentimentScore: &score},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.SubmitEvent(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	if len(sink.events) != 1 {
		t.Errorf("submitted events = %d, want 1", len(sink.events))
	}
}

func TestSubmitEventInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"missing tenant", fmt.Sprintf(`{"call_id":%q,"event_type":"call_ended","occurred_at":"2026-08-01T10:00:00Z"}`, uuid.New())},
		{"unknown event type", fmt.Sprintf(`{"tenant_id":%q,"call_id":%q,"event_type":"call_exploded","occurred_at":"2026-08-01T10:00:00Z"}`, uuid.New(), uuid.New())},
		{"sentiment out of range", fmt.Sprintf(`{"tenant_id":%q,"call_id":%q,"event_type":"sentiment_scored","occurred_at":"2026-08-01T10:00:00Z","payload":{"sentiment_score":1.5}}`, uuid.New(), uuid.New())},
	}

	h, _, _, sink := newTestHandler()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader([]byte(tt.body)))
			rec := httptest.NewRecorder()

			h.SubmitEvent(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}

	if len(sink.events) != 0 {
		t.Errorf("invalid events reached the sink: %d", len(sink.events))
	}
}

func TestListNotificationsWithUnreadCount(t *testing.T) {
	h, notifications, _, _ := newTestHandler()
	tenantID := uuid.New()

	for i := 0; i < 3; i++ {
		id := uuid.New()
		notifications.notifications[id.String()] = &db.Notification{
			ID:       id,
			TenantID: tenantID,
			Type:     db.NotificationAlert,
			Title:    "Negative sentiment detected",
			Read:     i == 0,
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications?tenant_id="+tenantID.String(), nil)
	rec := httptest.NewRecorder()

	h.ListNotifications(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp struct {
		Count       int `json:"count"`
		UnreadCount int `json:"unread_count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 3 {
		t.Errorf("count = %d, want 3", resp.Count)
	}
	if resp.UnreadCount != 2 {
		t.Errorf("unread_count = %d, want 2", resp.UnreadCount)
	}
}

func TestListNotificationsUnreadOnly(t *testing.T) {
	h, notifications, _, _ := newTestHandler()
	tenantID := uuid.New()

	readID, unreadID := uuid.New(), uuid.New()
	notifications.notifications[readID.String()] = &db.Notification{ID: readID, TenantID: tenantID, Read: true}
	notifications.notifications[unreadID.String()] = &db.Notification{ID: unreadID, TenantID: tenantID}

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications?tenant_id="+tenantID.String()+"&unread_only=true", nil)
	rec := httptest.NewRecorder()

	h.ListNotifications(rec, req)

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1 unread", resp.Count)
	}
}

func TestListNotificationsMissingTenant(t *testing.T) {
	h, _, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
	rec := httptest.NewRecorder()

	h.ListNotifications(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func markReadRequest(id string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/"+id+"/read", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestMarkNotificationReadIdempotent(t *testing.T) {
	h, notifications, _, _ := newTestHandler()

	id := uuid.New()
	notifications.notifications[id.String()] = &db.Notification{ID: id, TenantID: uuid.New()}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.MarkNotificationRead(rec, markReadRequest(id.String()))
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	if !notifications.notifications[id.String()].Read {
		t.Error("notification not marked read")
	}
}

func TestMarkNotificationReadNotFound(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := httptest.NewRecorder()
	h.MarkNotificationRead(rec, markReadRequest(uuid.New().String()))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCreateRule(t *testing.T) {
	h, _, rules, _ := newTestHandler()

	body, _ := json.Marshal(RuleRequest{
		TenantID:       uuid.New().String(),
		Name:           "angry callers",
		TriggerType:    db.TriggerNegativeSentiment,
		ThresholdValue: 0.3,
		Channels:       []string{db.ChannelInApp, db.ChannelEmail},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/rules", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateRule(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if len(rules.rules) != 1 {
		t.Errorf("stored rules = %d, want 1", len(rules.rules))
	}

	var created db.NotificationRule
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !created.Enabled {
		t.Error("rule should default to enabled")
	}
}

func TestCreateRuleValidation(t *testing.T) {
	tests := []struct {
		name string
		req  RuleRequest
	}{
		{
			"unknown trigger type",
			RuleRequest{TenantID: uuid.New().String(), Name: "r", TriggerType: "sudden_silence", Channels: []string{db.ChannelInApp}},
		},
		{
			"sentiment threshold above 1",
			RuleRequest{TenantID: uuid.New().String(), Name: "r", TriggerType: db.TriggerNegativeSentiment, ThresholdValue: 1.5, Channels: []string{db.ChannelInApp}},
		},
		{
			"keyword rule without keywords",
			RuleRequest{TenantID: uuid.New().String(), Name: "r", TriggerType: db.TriggerKeywordDetected, Channels: []string{db.ChannelInApp}},
		},
		{
			"unknown channel",
			RuleRequest{TenantID: uuid.New().String(), Name: "r", TriggerType: db.TriggerNegativeSentiment, ThresholdValue: 0.3, Channels: []string{"pager"}},
		},
		{
			"empty name",
			RuleRequest{TenantID: uuid.New().String(), TriggerType: db.TriggerNegativeSentiment, ThresholdValue: 0.3, Channels: []string{db.ChannelInApp}},
		},
	}

	h, _, rules, _ := newTestHandler()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.req)
			req := httptest.NewRequest(http.MethodPost, "/v1/rules", bytes.NewReader(body))
			rec := httptest.NewRecorder()

			h.CreateRule(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d; body: %s", rec.Code, http.StatusBadRequest, rec.Body.String())
			}

			var errResp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if errResp.Type != "invalid_rule" {
				t.Errorf("error type = %q, want invalid_rule", errResp.Type)
			}
		})
	}

	if len(rules.rules) != 0 {
		t.Errorf("invalid rules stored: %d", len(rules.rules))
	}
}

func TestUpdateRuleNotFound(t *testing.T) {
	h, _, _, _ := newTestHandler()

	body, _ := json.Marshal(RuleRequest{
		TenantID:       uuid.New().String(),
		Name:           "renamed",
		TriggerType:    db.TriggerNegativeSentiment,
		ThresholdValue: 0.2,
		Channels:       []string{db.ChannelInApp},
	})

	id := uuid.New().String()
	req := httptest.NewRequest(http.MethodPut, "/v1/rules/"+id, bytes.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	h.UpdateRule(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestDisableRule(t *testing.T) {
	h, _, rules, _ := newTestHandler()

	tenantID := uuid.New()
	id := uuid.New()
	rules.rules[id.String()] = &db.NotificationRule{
		ID:          id,
		TenantID:    tenantID,
		Name:        "volume watch",
		TriggerType: db.TriggerHighCallVolume,
		Enabled:     true,
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/rules/"+id.String()+"?tenant_id="+tenantID.String(), nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id.String())
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	h.DisableRule(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if rules.rules[id.String()].Enabled {
		t.Error("rule still enabled after disable")
	}
}

func TestListDeliveryFailures(t *testing.T) {
	h, notifications, _, _ := newTestHandler()

	tenantID := uuid.New()
	notifications.failures = []*db.DeliveryFailure{
		{ID: uuid.New(), TenantID: tenantID, Channel: db.ChannelEmail, Reason: "address rejected"},
		{ID: uuid.New(), TenantID: uuid.New(), Channel: db.ChannelSlack, Reason: "webhook gone"},
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/delivery-failures?tenant_id="+tenantID.String(), nil)
	rec := httptest.NewRecorder()

	h.ListDeliveryFailures(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1 (tenant isolation)", resp.Count)
	}
}
