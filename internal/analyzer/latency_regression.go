package analyzer

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

// LatencyRegression compares the last hour's p95 LLM call latency per
// (agent, model) to the p95 of the preceding 24 hours.
type LatencyRegression struct{}

// NewLatencyRegression creates the INS-P01 detector.
func NewLatencyRegression() *LatencyRegression { return &LatencyRegression{} }

func (*LatencyRegression) Code() string               { return "INS-P01" }
func (*LatencyRegression) Name() string               { return "Latency Regression" }
func (*LatencyRegression) Category() models.Category  { return models.CategoryPerformance }
func (*LatencyRegression) RunInterval() time.Duration { return 15 * time.Minute }

func (*LatencyRegression) Defaults() Config {
	return Config{
		"latency_multiplier":   2.0,
		"min_recent_samples":   10,
		"min_baseline_samples": 30,
	}
}

type latencySeries struct {
	recent   []float64
	baseline []float64
}

func (a *LatencyRegression) Analyze(view View, cfg Config) ([]models.Insight, error) {
	now := view.Now()
	hourAgo := now.Add(-time.Hour)
	calls := within(view.ByKind(models.KindLLMCall), now.Add(-25*time.Hour), now)

	series := make(map[[2]string]*latencySeries)
	for _, e := range calls {
		ms, ok := e.Float("duration_ms")
		if !ok || ms < 0 {
			continue
		}
		k := [2]string{e.AgentID, e.String("model")}
		s := series[k]
		if s == nil {
			s = &latencySeries{}
			series[k] = s
		}
		if e.Timestamp.After(hourAgo) {
			s.recent = append(s.recent, ms)
		} else {
			s.baseline = append(s.baseline, ms)
		}
	}

	keys := make([][2]string, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	multiplier := cfg.Float("latency_multiplier", 2.0)
	minRecent := cfg.Int("min_recent_samples", 10)
	minBaseline := cfg.Int("min_baseline_samples", 30)

	var out []models.Insight
	for _, k := range keys {
		s := series[k]
		if len(s.recent) < minRecent || len(s.baseline) < minBaseline {
			continue
		}
		recentP95 := percentile(s.recent, 95)
		baseP95 := percentile(s.baseline, 95)
		if baseP95 <= 0 || recentP95 <= multiplier*baseP95 {
			continue
		}
		ratio := recentP95 / baseP95
		severity := models.SeverityMedium
		if ratio >= 2*multiplier {
			severity = models.SeverityHigh
		}
		model := nonEmpty(k[1], "unknown")
		out = append(out, emit(a, now, finding{
			agentID:  k[0],
			matchKey: "model:" + model,
			severity: severity,
			title:    fmt.Sprintf("Latency regression on %s", model),
			description: fmt.Sprintf("p95 latency over the last hour is %.0fms, %.2fx the prior 24h p95 of %.0fms.",
				recentP95, ratio, baseP95),
			recommendation: "Check provider status and recent prompt size growth; consider a faster model or a fallback route.",
			evidence: map[string]interface{}{
				"model":            model,
				"recent_p95_ms":    round2(recentP95),
				"baseline_p95_ms":  round2(baseP95),
				"ratio":            round2(ratio),
				"threshold":        multiplier,
				"recent_samples":   len(s.recent),
				"baseline_samples": len(s.baseline),
			},
			impact: models.Impact{
				AffectedCallsPerDay: float64(len(s.recent) * 24),
				Confidence:          sampleConfidence(len(s.recent), 4*minRecent),
			},
		}))
	}
	return out, nil
}
