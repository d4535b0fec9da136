package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"TICK_INTERVAL", "BUS_CAPACITY", "DOWNLOAD_POLL_INTERVAL", "DOWNLOAD_MAX_BACKOFF", "DOWNLOAD_NOT_FOUND_BUDGET", "ASSET_BACKEND", "CDN_BASE_URL", "ADMIN_USERS"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.TickInterval != 100*time.Millisecond {
		t.Errorf("TickInterval = %v, want 100ms", cfg.TickInterval)
	}
	if cfg.BusCapacity != 256 {
		t.Errorf("BusCapacity = %d, want 256", cfg.BusCapacity)
	}
	if cfg.DownloadPollInterval != 5*time.Second {
		t.Errorf("DownloadPollInterval = %v, want 5s", cfg.DownloadPollInterval)
	}
	if cfg.AssetBackend != AssetBackendLocal {
		t.Errorf("AssetBackend = %q, want local", cfg.AssetBackend)
	}
	if cfg.CDNBaseURL == "" {
		t.Errorf("expected default cdn base url")
	}
	if len(cfg.AdminUsers) != 0 {
		t.Errorf("expected no admin users, got %v", cfg.AdminUsers)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "250ms")
	t.Setenv("DOWNLOAD_POLL_INTERVAL", "10s")
	t.Setenv("DOWNLOAD_MAX_BACKOFF", "1s")
	t.Setenv("CDN_BASE_URL", "http://cdn.local/")
	t.Setenv("ADMIN_USERS", " alice, Bob ,,")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.TickInterval != 250*time.Millisecond {
		t.Errorf("TickInterval = %v", cfg.TickInterval)
	}
	if cfg.DownloadMaxBackoff != 10*time.Second {
		t.Errorf("max backoff should be raised to the poll interval, got %v", cfg.DownloadMaxBackoff)
	}
	if cfg.CDNBaseURL != "http://cdn.local" {
		t.Errorf("CDNBaseURL = %q", cfg.CDNBaseURL)
	}
	if !cfg.IsAdminUser("bob") || !cfg.IsAdminUser("alice") || cfg.IsAdminUser("mallory") {
		t.Errorf("unexpected admin users: %v", cfg.AdminUsers)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"TICK_INTERVAL", "fast"},
		{"TICK_INTERVAL", "-1s"},
		{"BUS_CAPACITY", "0"},
		{"DOWNLOAD_NOT_FOUND_BUDGET", "many"},
		{"ASSET_BACKEND", "s3"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestValidateChatReady(t *testing.T) {
	t.Setenv("TWITCH_CHANNEL", "chan")
	t.Setenv("TWITCH_BOT_USERNAME", "bot")
	t.Setenv("TWITCH_OAUTH_TOKEN", "oauth:token")
	cfg, _ := Load()
	if err := cfg.ValidateChatReady(); err != nil {
		t.Errorf("expected valid chat config, got %v", err)
	}
	t.Setenv("TWITCH_CHANNEL", "")
	cfg, _ = Load()
	if err := cfg.ValidateChatReady(); err == nil {
		t.Errorf("expected error when missing twitch envs")
	}
}

func TestValidateAssetBackend(t *testing.T) {
	t.Setenv("ASSET_BACKEND", "minio")
	t.Setenv("MINIO_ENDPOINT", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.ValidateAssetBackend(); err == nil {
		t.Errorf("expected minio validation error")
	}
	t.Setenv("MINIO_ENDPOINT", "localhost:9000")
	t.Setenv("MINIO_ACCESS_KEY", "k")
	t.Setenv("MINIO_SECRET_KEY", "s")
	cfg, _ = Load()
	if err := cfg.ValidateAssetBackend(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
