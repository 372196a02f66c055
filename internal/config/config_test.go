package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithFakeChain(t *testing.T) {
	t.Setenv("VOLT_CONFIG", "")
	t.Setenv("CHAIN_FAKE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 3000 || cfg.Mirror.MaxAttempts != 10 || cfg.Settlement.Interval != time.Hour {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	size, err := cfg.FractionSize()
	if err != nil || size.String() != "10" {
		t.Fatalf("unexpected fraction size %s (%v)", size, err)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voltsettle.yaml")
	body := `
service:
  httpPort: 8080
  hmacClockSkew: 30s
chain:
  privateKey: "0xabc"
mirror:
  baseUrl: http://mirror.local
  maxAttempts: 4
ledger:
  fractionSize: "25"
  vusdToken: 0.0.7029847
settlement:
  interval: 15m
  batchSize: 20
redis:
  addr: localhost:6379
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOLT_CONFIG", path)
	t.Setenv("API_HTTP_PORT", "9090")
	t.Setenv("SETTLEMENT_INTERVAL_SECONDS", "60")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 9090 {
		t.Fatalf("env should override file port, got %d", cfg.Service.HTTPPort)
	}
	if cfg.Service.HMACClockSkew != 30*time.Second {
		t.Fatalf("unexpected skew %s", cfg.Service.HMACClockSkew)
	}
	if cfg.Mirror.BaseURL != "http://mirror.local" || cfg.Mirror.MaxAttempts != 4 {
		t.Fatalf("unexpected mirror config: %+v", cfg.Mirror)
	}
	if cfg.Ledger.VUSDToken != "0.0.7029847" || cfg.Ledger.FractionSize != "25" {
		t.Fatalf("unexpected ledger config: %+v", cfg.Ledger)
	}
	if cfg.Settlement.Interval != time.Minute || cfg.Settlement.BatchSize != 20 {
		t.Fatalf("unexpected settlement config: %+v", cfg.Settlement)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("unexpected redis addr %q", cfg.Redis.Addr)
	}
	// untouched groups keep their defaults
	if cfg.Ledger.ReservationLease != 10*time.Minute {
		t.Fatalf("default lease lost: %s", cfg.Ledger.ReservationLease)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Service.HTTPPort = 0
	cfg.Ledger.FractionSize = "-1"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"httpPort", "fractionSize", "privateKey"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
