package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Aggregator.Interval != time.Second {
		t.Errorf("aggregator interval = %v, want 1s", cfg.Aggregator.Interval)
	}
	if got := len(cfg.Predict.Leverages); got != 4 {
		t.Errorf("leverages = %v", cfg.Predict.Leverages)
	}
	if cfg.Predict.Durations[0] != 15*time.Second {
		t.Errorf("first duration = %v, want 15s", cfg.Predict.Durations[0])
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PREDICT_LEVERAGES", "5, 25")
	t.Setenv("ENABLE_OKX", "false")
	t.Setenv("EXCHANGE_PROXY_URLS", "socks5://10.0.0.1:1080, ,http://10.0.0.2:3128")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Predict.Leverages) != 2 || cfg.Predict.Leverages[1] != 25 {
		t.Errorf("leverages = %v, want [5 25]", cfg.Predict.Leverages)
	}
	for _, name := range cfg.Exchange.EnabledExchanges() {
		if name == "okx" {
			t.Error("okx should be disabled")
		}
	}
	if len(cfg.Exchange.ProxyURLs) != 2 {
		t.Errorf("proxy urls = %v", cfg.Exchange.ProxyURLs)
	}
}

func TestLoadRejectsBadLeverage(t *testing.T) {
	t.Setenv("PREDICT_LEVERAGES", "10,abc")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric leverage")
	}
}

func TestValidateLockOutlivesSweep(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg.Predict.LockTTL = cfg.Aggregator.Interval
	if err := cfg.Validate(); err == nil {
		t.Fatal("lock TTL equal to sweep interval must be rejected")
	}

	cfg.Predict.LockTTL = cfg.Aggregator.Interval + time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("lock TTL above sweep interval should pass: %v", err)
	}
}
