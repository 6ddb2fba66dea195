package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "default", cfg.Tenant)
	assert.Equal(t, time.Minute, cfg.Engine.TickInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.Engine.EventRetention)
	assert.Equal(t, 6*time.Hour, cfg.Engine.DedupCooldown)
	assert.Equal(t, 7*24*time.Hour, cfg.Engine.DismissedTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Engine.ResolvedTTL)
	assert.Equal(t, 500, cfg.Engine.MaxRecords)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.False(t, cfg.Telemetry.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("INSIGHTS_PORT", "9090")
	t.Setenv("INSIGHTS_TENANT", "acme")
	t.Setenv("INSIGHTS_TICK_INTERVAL", "15s")
	t.Setenv("INSIGHTS_MAX_RECORDS", "42")
	t.Setenv("INSIGHTS_STORE", "sqlite")
	t.Setenv("INSIGHTS_DB_PATH", "/var/lib/insights/i.db")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := Load()
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "acme", cfg.Tenant)
	assert.Equal(t, 15*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, 42, cfg.Engine.MaxRecords)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/insights/i.db", cfg.Store.DBPath)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoad_MalformedEnvFallsBack(t *testing.T) {
	t.Setenv("INSIGHTS_PORT", "eighty")
	t.Setenv("INSIGHTS_DEDUP_COOLDOWN", "six hours")

	cfg := Load()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 6*time.Hour, cfg.Engine.DedupCooldown)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"port":      func(c *Config) { c.Port = 0 },
		"tick":      func(c *Config) { c.Engine.TickInterval = 0 },
		"retention": func(c *Config) { c.Engine.EventRetention = -time.Hour },
		"cooldown":  func(c *Config) { c.Engine.DedupCooldown = 0 },
		"ttl":       func(c *Config) { c.Engine.ResolvedTTL = 0 },
		"cap":       func(c *Config) { c.Engine.MaxRecords = 0 },
		"driver":    func(c *Config) { c.Store.Driver = "postgres" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Load()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func writeThresholds(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadThresholds_EmptyPath(t *testing.T) {
	table, err := LoadThresholds("")
	require.NoError(t, err)
	assert.Empty(t, table.Analyzers)
	assert.Empty(t, table.Alerts)
}

func TestLoadThresholds_File(t *testing.T) {
	path := writeThresholds(t, `
analyzers:
  INS-C01:
    max_ratio: 20
    run_interval_seconds: 300
tenants:
  acme:
    INS-C01:
      max_ratio: 30
    INS-B01:
      disabled: 1
alerts:
  - code: INS-C03
    min_severity: high
    cooldown_seconds: 600
  - code: "*"
    min_severity: critical
`)

	table, err := LoadThresholds(path)
	require.NoError(t, err)

	assert.Equal(t, 20.0, table.Analyzers["INS-C01"]["max_ratio"])
	assert.Equal(t, 300.0, table.Analyzers["INS-C01"][KeyRunIntervalSeconds])
	assert.Equal(t, 30.0, table.Tenants["acme"]["INS-C01"]["max_ratio"])
	assert.Equal(t, 1.0, table.Tenants["acme"]["INS-B01"][KeyDisabled])
	require.Len(t, table.Alerts, 2)
	assert.Equal(t, AlertRuleConfig{Code: "INS-C03", MinSeverity: "high", CooldownSeconds: 600}, table.Alerts[0])
	assert.Equal(t, "*", table.Alerts[1].Code)
}

func TestLoadThresholds_DottedKeys(t *testing.T) {
	path := writeThresholds(t, `
analyzers:
  INS-C03:
    "price_in_per_1k:gpt-4.1": 0.5
    "price_out_per_1k:gpt-4.1": 1.5
tenants:
  acme.eu:
    INS-C03:
      "price_in_per_1k:gpt-4.1": 0.25
`)

	table, err := LoadThresholds(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, table.Analyzers["INS-C03"]["price_in_per_1k:gpt-4.1"])
	assert.Equal(t, 1.5, table.Analyzers["INS-C03"]["price_out_per_1k:gpt-4.1"])
	assert.Equal(t, 0.25, table.Tenants["acme.eu"]["INS-C03"]["price_in_per_1k:gpt-4.1"])

	cfg := table.Resolve("acme.eu", "INS-C03", nil)
	assert.Equal(t, 0.25, cfg["price_in_per_1k:gpt-4.1"])
	assert.Equal(t, 1.5, cfg["price_out_per_1k:gpt-4.1"])
}

func TestLoadThresholds_Rejects(t *testing.T) {
	cases := map[string]string{
		"negative analyzer": "analyzers:\n  INS-C01:\n    max_ratio: -1\n",
		"negative tenant":   "tenants:\n  acme:\n    INS-C01:\n      min_calls: -5\n",
		"bad severity":      "alerts:\n  - code: INS-C01\n    min_severity: urgent\n",
		"negative cooldown": "alerts:\n  - code: INS-C01\n    min_severity: low\n    cooldown_seconds: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadThresholds(writeThresholds(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadThresholds_MissingFile(t *testing.T) {
	_, err := LoadThresholds(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestResolve_Precedence(t *testing.T) {
	table := &ThresholdTable{
		Analyzers: map[string]map[string]float64{
			"INS-C01": {"max_ratio": 20, "min_calls": 10},
		},
		Tenants: map[string]map[string]map[string]float64{
			"acme": {"INS-C01": {"max_ratio": 30}},
		},
	}
	defaults := map[string]float64{"max_ratio": 15, "min_calls": 5, "window_calls": 50}

	assert.Equal(t, map[string]float64{"max_ratio": 30, "min_calls": 10, "window_calls": 50},
		table.Resolve("acme", "INS-C01", defaults))
	assert.Equal(t, map[string]float64{"max_ratio": 20, "min_calls": 10, "window_calls": 50},
		table.Resolve("other", "INS-C01", defaults))
	assert.Equal(t, defaults, table.Resolve("acme", "INS-P01", defaults))

	// The result is a copy.
	got := table.Resolve("acme", "INS-P01", defaults)
	got["max_ratio"] = 99
	assert.Equal(t, 15.0, defaults["max_ratio"])
}

func TestResolve_NilTable(t *testing.T) {
	var table *ThresholdTable
	assert.Equal(t, map[string]float64{"a": 1}, table.Resolve("x", "INS-C01", map[string]float64{"a": 1}))
}
