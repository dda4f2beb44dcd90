package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// ErrTenantNotConfigured is returned when a tenant has no channel
// credentials for the requested channel.
var ErrTenantNotConfigured = errors.New("tenant has no configuration for channel")

// TenantChannels holds one tenant's injected channel credentials.
type TenantChannels struct {
	EmailRecipients []string `json:"email_recipients"`
	SlackWebhookURL string   `json:"slack_webhook_url"`
}

// ChannelConfigSource resolves per-tenant channel credentials. Backed
// by deployment configuration; the engine never hard-codes recipients
// or webhook URLs.
type ChannelConfigSource interface {
	ChannelConfig(ctx context.Context, tenantID uuid.UUID) (*TenantChannels, error)
}

// StaticConfigSource serves tenant channel config from an in-memory
// map, loaded once at startup.
type StaticConfigSource struct {
	tenants map[uuid.UUID]*TenantChannels
}

// NewStaticConfigSource creates a config source over the given map.
func NewStaticConfigSource(tenants map[uuid.UUID]*TenantChannels) *StaticConfigSource {
	if tenants == nil {
		tenants = make(map[uuid.UUID]*TenantChannels)
	}
	return &StaticConfigSource{tenants: tenants}
}

// LoadConfigFile reads a JSON file mapping tenant IDs to channel
// credentials and returns a static source over it.
func LoadConfigFile(path string) (*StaticConfigSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant channels file: %w", err)
	}

	var raw map[string]*TenantChannels
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse tenant channels file: %w", err)
	}

	tenants := make(map[uuid.UUID]*TenantChannels, len(raw))
	for id, cfg := range raw {
		tenantID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid tenant id %q in channels file: %w", id, err)
		}
		tenants[tenantID] = cfg
	}

	return NewStaticConfigSource(tenants), nil
}

// ChannelConfig returns the tenant's channel credentials.
func (s *StaticConfigSource) ChannelConfig(_ context.Context, tenantID uuid.UUID) (*TenantChannels, error) {
	cfg, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrTenantNotConfigured
	}
	return cfg, nil
}
