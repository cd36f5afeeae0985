package main

import (
	"strings"
	"testing"
	"time"
)

func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RPC_URL", "ws://localhost:8545")
	t.Setenv("PRIVATE_KEY", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	t.Setenv("FACTORY_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("ORACLE_ADDRESS", "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
}

func TestLoadConfigDefaults(t *testing.T) {
	setValidEnv(t)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WebhookPort != 8080 {
		t.Errorf("port %d, want 8080", cfg.WebhookPort)
	}
	if cfg.JobConcurrency != 5 || cfg.RetryMaxAttempts != 3 {
		t.Errorf("concurrency/retries defaults wrong: %d/%d", cfg.JobConcurrency, cfg.RetryMaxAttempts)
	}
	if cfg.RetryDelayBase != 5*time.Second {
		t.Errorf("retry base %s, want 5s", cfg.RetryDelayBase)
	}
	if cfg.GasMultiplier != 1.2 {
		t.Errorf("gas multiplier %f, want 1.2", cfg.GasMultiplier)
	}
	if cfg.PersistenceBackend != "file" {
		t.Errorf("backend %s, want file", cfg.PersistenceBackend)
	}
	if cfg.SampleStride != time.Minute {
		t.Errorf("stride %s, want 1m", cfg.SampleStride)
	}
	if cfg.BackfillDepth != 10000 {
		t.Errorf("backfill depth %d, want 10000", cfg.BackfillDepth)
	}
}

func TestLoadConfigCollectsAllProblems(t *testing.T) {
	t.Setenv("RPC_URL", "")
	t.Setenv("PRIVATE_KEY", "")
	t.Setenv("FACTORY_ADDRESS", "not-hex")
	t.Setenv("ORACLE_ADDRESS", "")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("expected configuration error")
	}
	msg := err.Error()
	for _, want := range []string{"RPC_URL", "PRIVATE_KEY", "FACTORY_ADDRESS", "ORACLE_ADDRESS"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error does not mention %s: %s", want, msg)
		}
	}
}

func TestLoadConfigRejectsBadGasMultiplier(t *testing.T) {
	setValidEnv(t)
	t.Setenv("GAS_LIMIT_MULTIPLIER", "0.5")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("gas multiplier below 1 must be rejected")
	}
}

func TestLoadConfigBackendValidation(t *testing.T) {
	setValidEnv(t)
	t.Setenv("PERSISTENCE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("postgres backend without DATABASE_URL must be rejected")
	}

	t.Setenv("DATABASE_URL", "postgres://runner@localhost/runner")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PersistenceBackend != "postgres" {
		t.Errorf("backend %s", cfg.PersistenceBackend)
	}

	t.Setenv("PERSISTENCE_BACKEND", "cassandra")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("unknown backend must be rejected")
	}
}

func TestLoadConfigGenericSources(t *testing.T) {
	setValidEnv(t)
	t.Setenv("FETCHER_WEATHERAPI_URL", "https://api.example.com/v1?at={time}")
	t.Setenv("FETCHER_WEATHERAPI_API_KEY", "sekret")
	t.Setenv("FETCHER_WEATHERAPI_PATH", "data.value")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	src, ok := cfg.GenericSources["WEATHERAPI"]
	if !ok {
		t.Fatalf("generic source not parsed: %+v", cfg.GenericSources)
	}
	if src.URL != "https://api.example.com/v1?at={time}" || src.APIKey != "sekret" || src.Path != "data.value" {
		t.Errorf("source fields wrong: %+v", src)
	}
}

func TestLoadConfigGenericSourceRequiresURL(t *testing.T) {
	setValidEnv(t)
	t.Setenv("FETCHER_ORPHAN_API_KEY", "sekret")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("generic source without URL must be rejected")
	}
}

func TestLoadConfigDisputeOverride(t *testing.T) {
	setValidEnv(t)
	t.Setenv("DISPUTE_WINDOW_SECONDS_OVERRIDE", "30")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DisputeWindowOverride != 30*time.Second {
		t.Errorf("override %s, want 30s", cfg.DisputeWindowOverride)
	}
}
