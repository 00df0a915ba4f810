package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ============================================================
// Loading
// ============================================================

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %s, want :8080", cfg.HTTPAddr)
	}
	if cfg.Persist.FlushTimeout() != 10*time.Millisecond {
		t.Errorf("FlushTimeout = %v, want 10ms", cfg.Persist.FlushTimeout())
	}
	if cfg.ExecutorCron != "@every 30s" {
		t.Errorf("ExecutorCron = %q", cfg.ExecutorCron)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dca.yaml")
	doc := `
http_addr: ":9999"
assets:
  base: [USDC]
  order: [WETH]
pools:
  - base: USDC
    order: WETH
    period_seconds: 3600
    scaling_factor: "1000000000000"
    min_total_sell_qty: "1000"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %s, want :9999", cfg.HTTPAddr)
	}
	// Unset fields keep their defaults
	if cfg.MetricsAddr != ":9091" {
		t.Errorf("MetricsAddr = %s, want default :9091", cfg.MetricsAddr)
	}
	if len(cfg.Pools) != 1 {
		t.Fatalf("got %d pools, want 1", len(cfg.Pools))
	}
	if cfg.Pools[0].Period() != time.Hour {
		t.Errorf("Period = %v, want 1h", cfg.Pools[0].Period())
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DCA_NATS_URL", "nats://override:4222")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NATSURL != "nats://override:4222" {
		t.Errorf("NATSURL = %s, want override", cfg.NATSURL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/dca.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

// ============================================================
// Validation
// ============================================================

func validBase() Config {
	cfg := Default()
	cfg.Assets = AssetsConfig{Base: []string{"USDC"}, Order: []string{"WETH"}}
	cfg.Pools = []PoolConfig{{
		Base:          "USDC",
		Order:         "WETH",
		PeriodSeconds: 3600,
		ScalingFactor: "1",
	}}
	return cfg
}

func TestValidate_OK(t *testing.T) {
	cfg := validBase()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"same asset both sides", func(c *Config) { c.Pools[0].Order = "USDC" }},
		{"base not enabled", func(c *Config) { c.Pools[0].Base = "DAI" }},
		{"order not enabled", func(c *Config) { c.Pools[0].Order = "WBTC" }},
		{"zero period", func(c *Config) { c.Pools[0].PeriodSeconds = 0 }},
		{"bad scaling factor", func(c *Config) { c.Pools[0].ScalingFactor = "1e9" }},
		{"zero scaling factor", func(c *Config) { c.Pools[0].ScalingFactor = "0" }},
		{"bad min qty", func(c *Config) { c.Pools[0].MinTotalSellQty = "abc" }},
		{"negative fee", func(c *Config) { c.Fees.Bps = -1 }},
		{"zero rate den", func(c *Config) { c.Strategy.RateDen = 0 }},
		{"zero batch size", func(c *Config) { c.Persist.BatchSize = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBase()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
