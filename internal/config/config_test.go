package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.MaxAccountRetryAttempts != 3 {
		t.Errorf("MaxAccountRetryAttempts = %d, want 3", cfg.MaxAccountRetryAttempts)
	}
	if cfg.MaxUpstreamRetries != 3 {
		t.Errorf("MaxUpstreamRetries = %d, want 3", cfg.MaxUpstreamRetries)
	}
	if cfg.AccountFlushInterval.Milliseconds() != 5000 {
		t.Errorf("AccountFlushInterval = %v, want 5000ms", cfg.AccountFlushInterval)
	}
	if cfg.TokenRefreshMargin.Milliseconds() != 2*60*1000 {
		t.Errorf("TokenRefreshMargin = %v, want 2m", cfg.TokenRefreshMargin)
	}
	if len(cfg.ProxyModels) == 0 {
		t.Error("ProxyModels should default to a non-empty list")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "9090")
	t.Setenv("GATEWAY_ADMIN_TOKEN", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090 from env override", cfg.Port)
	}
	if cfg.AdminToken != "secret" {
		t.Errorf("AdminToken = %q, want %q", cfg.AdminToken, "secret")
	}
}
