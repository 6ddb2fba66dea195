package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Reserved threshold keys understood by the runner rather than the analyzer.
const (
	KeyRunIntervalSeconds = "run_interval_seconds"
	KeyCooldownSeconds    = "cooldown_seconds"
	KeyDisabled           = "disabled"
)

// ThresholdTable is the per-analyzer threshold table with optional
// per-tenant overrides. Tenant values win key-by-key over analyzer values,
// which in turn win over the analyzer's built-in defaults.
type ThresholdTable struct {
	Analyzers map[string]map[string]float64            `yaml:"analyzers"`
	Tenants   map[string]map[string]map[string]float64 `yaml:"tenants"`
	Alerts    []AlertRuleConfig                        `yaml:"alerts"`
}

// AlertRuleConfig is the raw form of an alert rule. Code "*" or "" matches
// every analyzer.
type AlertRuleConfig struct {
	Code            string `yaml:"code"`
	MinSeverity     string `yaml:"min_severity"`
	CooldownSeconds int    `yaml:"cooldown_seconds"`
}

// LoadThresholds reads a threshold table from a YAML file. An empty path
// yields an empty table so every analyzer runs on its defaults.
func LoadThresholds(path string) (*ThresholdTable, error) {
	if path == "" {
		return &ThresholdTable{}, nil
	}

	// Model names and tenants may contain dots, so keys split on "::" only.
	k := koanf.New("::")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load thresholds from %q: %w", path, err)
	}

	var table ThresholdTable
	if err := k.UnmarshalWithConf("", &table, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse thresholds from %q: %w", path, err)
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("thresholds validation failed for %q: %w", path, err)
	}
	return &table, nil
}

// Validate rejects negative thresholds and malformed alert rules.
func (t *ThresholdTable) Validate() error {
	check := func(scope, code string, values map[string]float64) error {
		for key, v := range values {
			if v < 0 {
				return fmt.Errorf("%s %s.%s: negative value %v", scope, code, key, v)
			}
		}
		return nil
	}
	for code, values := range t.Analyzers {
		if err := check("analyzers", code, values); err != nil {
			return err
		}
	}
	for tenant, codes := range t.Tenants {
		for code, values := range codes {
			if err := check("tenants."+tenant, code, values); err != nil {
				return err
			}
		}
	}
	for i, r := range t.Alerts {
		switch strings.ToLower(r.MinSeverity) {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("alerts[%d]: unknown min_severity %q", i, r.MinSeverity)
		}
		if r.CooldownSeconds < 0 {
			return fmt.Errorf("alerts[%d]: negative cooldown_seconds", i)
		}
	}
	return nil
}

// Resolve merges defaults, analyzer-level values and tenant overrides for
// one analyzer code. The returned map is a fresh copy.
func (t *ThresholdTable) Resolve(tenant, code string, defaults map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	if t == nil {
		return out
	}
	for k, v := range t.Analyzers[code] {
		out[k] = v
	}
	if codes, ok := t.Tenants[tenant]; ok {
		for k, v := range codes[code] {
			out[k] = v
		}
	}
	return out
}
