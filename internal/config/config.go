// Package config loads insights engine configuration from the environment
// and the optional per-analyzer threshold file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the insights engine.
type Config struct {
	Port    int
	Version string
	Tenant  string

	Engine    EngineConfig
	Store     StoreConfig
	Alerts    AlertConfig
	Telemetry TelemetryConfig

	// ThresholdsFile is an optional YAML threshold table.
	ThresholdsFile string
}

// EngineConfig controls the maintenance tick and insight lifecycle.
type EngineConfig struct {
	TickInterval     time.Duration
	EventRetention   time.Duration
	DedupCooldown    time.Duration
	DismissedTTL     time.Duration
	ResolvedTTL      time.Duration
	MaxRecords       int
	AnalyzerWatchdog time.Duration
}

// StoreConfig selects the insight store backend.
type StoreConfig struct {
	Driver  string // "memory" or "sqlite"
	DataDir string // memory store snapshot directory; empty disables persistence
	DBPath  string // sqlite database file
}

// AlertConfig configures the optional webhook sink.
type AlertConfig struct {
	WebhookURL    string
	WebhookSecret string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("INSIGHTS_PORT", 8080),
		Version: envStr("INSIGHTS_VERSION", "0.1.0"),
		Tenant:  envStr("INSIGHTS_TENANT", "default"),
		Engine: EngineConfig{
			TickInterval:     envDuration("INSIGHTS_TICK_INTERVAL", 60*time.Second),
			EventRetention:   envDuration("INSIGHTS_EVENT_RETENTION", 7*24*time.Hour),
			DedupCooldown:    envDuration("INSIGHTS_DEDUP_COOLDOWN", 6*time.Hour),
			DismissedTTL:     envDuration("INSIGHTS_DISMISSED_TTL", 7*24*time.Hour),
			ResolvedTTL:      envDuration("INSIGHTS_RESOLVED_TTL", 30*24*time.Hour),
			MaxRecords:       envInt("INSIGHTS_MAX_RECORDS", 500),
			AnalyzerWatchdog: envDuration("INSIGHTS_ANALYZER_WATCHDOG", 30*time.Second),
		},
		Store: StoreConfig{
			Driver:  envStr("INSIGHTS_STORE", "memory"),
			DataDir: envStr("INSIGHTS_DATA_DIR", ""),
			DBPath:  envStr("INSIGHTS_DB_PATH", "insights.db"),
		},
		Alerts: AlertConfig{
			WebhookURL:    envStr("INSIGHTS_ALERT_WEBHOOK_URL", ""),
			WebhookSecret: envStr("INSIGHTS_ALERT_WEBHOOK_SECRET", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "agentoven-insights"),
		},
		ThresholdsFile: envStr("INSIGHTS_THRESHOLDS_FILE", ""),
	}
}

// Validate checks invariants that would otherwise surface as odd runtime behavior.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("INSIGHTS_PORT out of range: %d", c.Port)
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("INSIGHTS_TICK_INTERVAL must be positive")
	}
	if c.Engine.EventRetention <= 0 {
		return fmt.Errorf("INSIGHTS_EVENT_RETENTION must be positive")
	}
	if c.Engine.DedupCooldown <= 0 {
		return fmt.Errorf("INSIGHTS_DEDUP_COOLDOWN must be positive")
	}
	if c.Engine.DismissedTTL <= 0 || c.Engine.ResolvedTTL <= 0 {
		return fmt.Errorf("insight retention TTLs must be positive")
	}
	if c.Engine.MaxRecords <= 0 {
		return fmt.Errorf("INSIGHTS_MAX_RECORDS must be positive")
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("INSIGHTS_STORE must be memory or sqlite, got %q", c.Store.Driver)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
