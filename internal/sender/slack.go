package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/callwatch/engine/internal/db"
)

// SlackSender posts notifications to a tenant's Slack incoming webhook.
type SlackSender struct {
	client  *http.Client
	tenants ChannelConfigSource
	logger  *zap.Logger
}

// SlackConfig holds slack sender settings.
type SlackConfig struct {
	Timeout time.Duration
}

// slackMessage is the incoming-webhook payload.
type slackMessage struct {
	Text string `json:"text"`
}

// NewSlackSender creates a slack webhook sender.
func NewSlackSender(tenants ChannelConfigSource, cfg SlackConfig, logger *zap.Logger) *SlackSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &SlackSender{
		client: &http.Client{
			Timeout: timeout,
		},
		tenants: tenants,
		logger:  logger,
	}
}

func (s *SlackSender) Channel() string {
	return db.ChannelSlack
}

// Send posts one alert message to the tenant's webhook URL.
func (s *SlackSender) Send(ctx context.Context, d *Delivery) Outcome {
	cfg, err := s.tenants.ChannelConfig(ctx, d.TenantID)
	if err != nil {
		if errors.Is(err, ErrTenantNotConfigured) {
			return Permanent(fmt.Errorf("slack channel not configured for tenant %s", d.TenantID))
		}
		return Retryable(fmt.Errorf("resolve tenant channel config: %w", err))
	}

	webhookURL := cfg.SlackWebhookURL
	if webhookURL == "" {
		return Permanent(fmt.Errorf("tenant %s has no slack webhook url", d.TenantID))
	}
	if u, err := url.Parse(webhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Permanent(fmt.Errorf("invalid slack webhook url for tenant %s", d.TenantID))
	}

	text := fmt.Sprintf("*%s*\n%s\n_Rule: %s_", d.Title, d.Message, d.RuleName)
	body, err := json.Marshal(slackMessage{Text: text})
	if err != nil {
		return Permanent(fmt.Errorf("marshal slack message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("create slack request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Callwatch/1.0")
	req.Header.Set("X-Callwatch-Notification-ID", d.NotificationID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		// Timeouts and connection errors are worth retrying.
		return Retryable(fmt.Errorf("slack request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		s.logger.Info("slack message delivered",
			zap.String("notification_id", d.NotificationID.String()),
			zap.Int("status_code", resp.StatusCode),
		)
		return Success()
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Retryable(fmt.Errorf("slack returned status %d: %s", resp.StatusCode, respBody))
	default:
		// 4xx other than 429: the webhook is gone or the payload is bad.
		return Permanent(fmt.Errorf("slack returned status %d: %s", resp.StatusCode, respBody))
	}
}
