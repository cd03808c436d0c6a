package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ESCROW_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FeeBps != 200 || cfg.MaxMoveHistory != 512 || cfg.HTTPAddr != ":8080" || cfg.ArbiterInterval != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Fees().RateBps != 200 {
		t.Fatalf("fees not derived")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	body := "redis_url: redis://file:6379/0\nfee_bps: 150\narbiter_interval: 30s\nverify_outcomes: true\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("ESCROW_CONFIG", path)
	t.Setenv("REDIS_URL", "redis://env:6379/1")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.1, 10.0.0.0/8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisURL != "redis://env:6379/1" {
		t.Fatalf("env should win over file: %s", cfg.RedisURL)
	}
	if cfg.FeeBps != 150 || cfg.ArbiterInterval != 30*time.Second || !cfg.VerifyOutcomes {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[1] != "10.0.0.0/8" {
		t.Fatalf("trusted proxies: %v", cfg.TrustedProxies)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("ESCROW_CONFIG", "")
	t.Setenv("FEE_BPS", "20000")
	t.Setenv("MAX_MOVE_HISTORY", "0")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "fee rate") || !strings.Contains(err.Error(), "max_move_history") {
		t.Fatalf("expected both validation errors, got %v", err)
	}

	t.Setenv("FEE_BPS", "abc")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "FEE_BPS") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoad_UnknownFileKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	if err := os.WriteFile(path, []byte("fee_bsp: 100\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("ESCROW_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatalf("typo in config file should be reported")
	}
}
