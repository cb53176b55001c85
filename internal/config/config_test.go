package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.BalanceTTL != 30*time.Minute {
		t.Errorf("Expected balance TTL 30m, got %v", cfg.BalanceTTL)
	}
	if cfg.TransactionTTL != 6*time.Hour {
		t.Errorf("Expected transaction TTL 6h, got %v", cfg.TransactionTTL)
	}
	if cfg.StaleThreshold != 0.5 {
		t.Errorf("Expected stale threshold 0.5, got %v", cfg.StaleThreshold)
	}
	if cfg.RefreshBuffer != 5*time.Minute {
		t.Errorf("Expected refresh buffer 5m, got %v", cfg.RefreshBuffer)
	}
	if cfg.SyncInterval != 6*time.Hour {
		t.Errorf("Expected sync interval 6h, got %v", cfg.SyncInterval)
	}
	if cfg.SyncMinGap != time.Hour {
		t.Errorf("Expected sync min gap 1h, got %v", cfg.SyncMinGap)
	}
	if cfg.ExchangesPerHour != 5 {
		t.Errorf("Expected 5 exchanges/hour, got %d", cfg.ExchangesPerHour)
	}
	if cfg.RefreshesPerHour != 10 {
		t.Errorf("Expected 10 refreshes/hour, got %d", cfg.RefreshesPerHour)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BALANCE_TTL", "10m")
	t.Setenv("STALE_THRESHOLD", "0.75")
	t.Setenv("ALLOWED_SCHEMES", "penny, penny-dev")

	cfg := Load()

	if cfg.BalanceTTL != 10*time.Minute {
		t.Errorf("Expected balance TTL 10m, got %v", cfg.BalanceTTL)
	}
	if cfg.StaleThreshold != 0.75 {
		t.Errorf("Expected stale threshold 0.75, got %v", cfg.StaleThreshold)
	}
	if len(cfg.AllowedSchemes) != 2 || cfg.AllowedSchemes[1] != "penny-dev" {
		t.Errorf("Unexpected schemes: %v", cfg.AllowedSchemes)
	}
}

func TestValidate(t *testing.T) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}

	cfg.StaleThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for out-of-range stale threshold")
	}

	cfg = Load()
	cfg.RateLimitStore = RateLimitStoreRedis
	cfg.RedisAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for redis store without address")
	}
}
