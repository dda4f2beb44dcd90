package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("PORT")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("ENV")
	os.Unsetenv("WINDOW_DURATION")
	os.Unsetenv("WORKER_COUNT")
	os.Unsetenv("RATE_LIMIT")
	os.Unsetenv("RATE_LIMIT_WINDOW")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}

	if cfg.WindowDuration != time.Hour {
		t.Errorf("expected 1h window, got %s", cfg.WindowDuration)
	}

	if cfg.WorkerCount != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.WorkerCount)
	}

	if cfg.SendRetries != 3 {
		t.Errorf("expected 3 send retries, got %d", cfg.SendRetries)
	}

	if cfg.RateLimit != 100 {
		t.Errorf("expected rate limit 100, got %d", cfg.RateLimit)
	}

	if cfg.RateLimitWindow != time.Minute {
		t.Errorf("expected 1m rate limit window, got %s", cfg.RateLimitWindow)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("PORT", "9000")
	os.Setenv("WINDOW_DURATION", "30m")
	os.Setenv("WORKER_COUNT", "8")
	os.Setenv("RATE_LIMIT", "250")
	os.Setenv("RATE_LIMIT_WINDOW", "30s")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("WINDOW_DURATION")
		os.Unsetenv("WORKER_COUNT")
		os.Unsetenv("RATE_LIMIT")
		os.Unsetenv("RATE_LIMIT_WINDOW")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}

	if cfg.WindowDuration != 30*time.Minute {
		t.Errorf("expected 30m window, got %s", cfg.WindowDuration)
	}

	if cfg.WorkerCount != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.WorkerCount)
	}

	if cfg.RateLimit != 250 {
		t.Errorf("expected rate limit 250, got %d", cfg.RateLimit)
	}

	if cfg.RateLimitWindow != 30*time.Second {
		t.Errorf("expected 30s rate limit window, got %s", cfg.RateLimitWindow)
	}
}

func TestLoad_InvalidWindow(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"not a duration", "soon"},
		{"zero window", "0s"},
		{"negative window", "-5m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv("WINDOW_DURATION", tt.value)
			defer os.Unsetenv("WINDOW_DURATION")

			if _, err := Load(); err == nil {
				t.Errorf("expected error for WINDOW_DURATION=%q", tt.value)
			}
		})
	}
}

func TestLoad_InvalidWorkerCount(t *testing.T) {
	os.Setenv("WORKER_COUNT", "0")
	defer os.Unsetenv("WORKER_COUNT")

	if _, err := Load(); err == nil {
		t.Error("expected error for WORKER_COUNT=0")
	}
}

func TestLoad_InvalidRateLimit(t *testing.T) {
	os.Setenv("RATE_LIMIT", "0")
	defer os.Unsetenv("RATE_LIMIT")

	if _, err := Load(); err == nil {
		t.Error("expected error for RATE_LIMIT=0")
	}
}
