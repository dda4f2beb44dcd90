package sender

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func slackDelivery(tenantID uuid.UUID) *Delivery {
	return &Delivery{
		NotificationID: uuid.New(),
		TenantID:       tenantID,
		RuleID:         uuid.New(),
		RuleName:       "angry callers",
		TriggerType:    "negative_sentiment",
		Title:          "Negative sentiment detected",
		Message:        "A call scored 0.10, at or below your sentiment threshold of 0.30.",
		MatchedAt:      time.Now(),
	}
}

func slackSource(tenantID uuid.UUID, webhookURL string) *StaticConfigSource {
	return NewStaticConfigSource(map[uuid.UUID]*TenantChannels{
		tenantID: {SlackWebhookURL: webhookURL},
	})
}

func TestSlackSenderSuccess(t *testing.T) {
	var gotBody slackMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Errorf("invalid payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tenantID := uuid.New()
	s := NewSlackSender(slackSource(tenantID, srv.URL), SlackConfig{}, zap.NewNop())

	outcome := s.Send(context.Background(), slackDelivery(tenantID))
	if outcome.Status != StatusSuccess {
		t.Fatalf("status = %v, want success (err: %v)", outcome.Status, outcome.Err)
	}
	if !strings.Contains(gotBody.Text, "Negative sentiment detected") {
		t.Errorf("payload text missing title: %q", gotBody.Text)
	}
}

func TestSlackSenderStatusClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       Status
	}{
		{"server error is retryable", http.StatusInternalServerError, StatusRetryable},
		{"bad gateway is retryable", http.StatusBadGateway, StatusRetryable},
		{"rate limited is retryable", http.StatusTooManyRequests, StatusRetryable},
		{"gone webhook is permanent", http.StatusNotFound, StatusPermanent},
		{"bad payload is permanent", http.StatusBadRequest, StatusPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer srv.Close()

			tenantID := uuid.New()
			s := NewSlackSender(slackSource(tenantID, srv.URL), SlackConfig{}, zap.NewNop())

			outcome := s.Send(context.Background(), slackDelivery(tenantID))
			if outcome.Status != tt.want {
				t.Errorf("status = %v, want %v", outcome.Status, tt.want)
			}
		})
	}
}

func TestSlackSenderConnectionErrorRetryable(t *testing.T) {
	// A server that is already closed refuses connections.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	tenantID := uuid.New()
	s := NewSlackSender(slackSource(tenantID, url), SlackConfig{Timeout: time.Second}, zap.NewNop())

	outcome := s.Send(context.Background(), slackDelivery(tenantID))
	if outcome.Status != StatusRetryable {
		t.Errorf("status = %v, want retryable", outcome.Status)
	}
}

func TestSlackSenderMissingConfigPermanent(t *testing.T) {
	tests := []struct {
		name   string
		source ChannelConfigSource
	}{
		{"tenant not configured", NewStaticConfigSource(nil)},
		{"empty webhook url", slackSource(uuid.Nil, "")},
		{"invalid webhook url", slackSource(uuid.Nil, "not a url")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSlackSender(tt.source, SlackConfig{}, zap.NewNop())
			outcome := s.Send(context.Background(), slackDelivery(uuid.Nil))
			if outcome.Status != StatusPermanent {
				t.Errorf("status = %v, want permanent", outcome.Status)
			}
		})
	}
}
