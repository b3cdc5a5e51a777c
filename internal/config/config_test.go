package config

import "testing"

func TestLoadAppliesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("/nonexistent/bridge.yaml")
	if err != nil {
		t.Fatalf("expected defaults to satisfy validation, got %v", err)
	}
	if cfg.Cache.MaxEntries != 10000 {
		t.Fatalf("expected default max entries 10000, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.OPCUA.Endpoint == "" {
		t.Fatalf("expected a default endpoint")
	}
}

func TestValidateRejectsRefreshAboveExpire(t *testing.T) {
	cfg := &Config{}
	cfg.Cache.RefreshThreshold = 20 * 1e9
	cfg.Cache.ExpireTime = 10 * 1e9
	cfg.Cache.MaxEntries = 1
	cfg.Cache.MaxMemoryMB = 1
	cfg.Cache.ConcurrentReads = 1
	cfg.Background.Threads = 1
	cfg.Background.QueueSize = 1
	cfg.OPCUA.BatchSize = 1
	cfg.OPCUA.Endpoint = "opc.tcp://host:4840"
	cfg.Connection.RetryMax = 1
	cfg.Connection.InitialDelay = 1
	cfg.Connection.MaxDelay = 2

	if err := validate(cfg); err == nil {
		t.Fatal("expected validation error when refresh_threshold >= expire")
	}
}

func TestValidateRejectsNonPositiveCaps(t *testing.T) {
	cfg := &Config{}
	cfg.Cache.RefreshThreshold = 1
	cfg.Cache.ExpireTime = 10
	cfg.Cache.MaxEntries = 0
	cfg.OPCUA.Endpoint = "opc.tcp://host:4840"

	if err := validate(cfg); err == nil {
		t.Fatal("expected validation error for zero max_entries")
	}
}
