package analyzer

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

// PromptBloat flags LLM calls whose input consistently dwarfs their output,
// which usually means context is being resent wholesale.
type PromptBloat struct{}

// NewPromptBloat creates the INS-C01 detector.
func NewPromptBloat() *PromptBloat { return &PromptBloat{} }

func (*PromptBloat) Code() string               { return "INS-C01" }
func (*PromptBloat) Name() string               { return "Prompt Bloat" }
func (*PromptBloat) Category() models.Category  { return models.CategoryCost }
func (*PromptBloat) RunInterval() time.Duration { return 10 * time.Minute }

func (*PromptBloat) Defaults() Config {
	return withPricing(Config{
		"window_calls":  50,
		"max_ratio":     15,
		"min_tokens_in": 4000,
		"min_calls":     5,
	})
}

type callGroup struct {
	agentID string
	name    string
	calls   []models.Event
}

func (a *PromptBloat) Analyze(view View, cfg Config) ([]models.Insight, error) {
	now := view.Now()
	groups := make(map[[2]string]*callGroup)
	for _, e := range view.ByKind(models.KindLLMCall) {
		if e.Timestamp.After(now) {
			break
		}
		name := e.String("name")
		if name == "" {
			continue
		}
		if _, ok := e.Float("tokens_in"); !ok {
			continue
		}
		if _, ok := e.Float("tokens_out"); !ok {
			continue
		}
		k := [2]string{e.AgentID, name}
		g := groups[k]
		if g == nil {
			g = &callGroup{agentID: e.AgentID, name: name}
			groups[k] = g
		}
		g.calls = append(g.calls, e)
	}

	keys := make([][2]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	window := cfg.Int("window_calls", 50)
	minCalls := cfg.Int("min_calls", 5)
	maxRatio := cfg.Float("max_ratio", 15)
	minIn := cfg.Float("min_tokens_in", 4000)
	dayAgo := now.Add(-24 * time.Hour)

	var out []models.Insight
	for _, k := range keys {
		g := groups[k]
		calls := g.calls
		if window > 0 && len(calls) > window {
			calls = calls[len(calls)-window:]
		}
		if len(calls) < minCalls {
			continue
		}

		var sumIn, sumOut float64
		perDay := 0
		for _, e := range calls {
			in, _ := e.Float("tokens_in")
			outTok, _ := e.Float("tokens_out")
			sumIn += in
			sumOut += outTok
		}
		for _, e := range g.calls {
			if e.Timestamp.After(dayAgo) {
				perDay++
			}
		}
		n := float64(len(calls))
		avgIn, avgOut := sumIn/n, sumOut/n
		if avgOut <= 0 || avgIn <= minIn {
			continue
		}
		ratio := avgIn / avgOut
		if ratio <= maxRatio {
			continue
		}

		severity := models.SeverityMedium
		if ratio > 2*maxRatio {
			severity = models.SeverityHigh
		}
		model := calls[len(calls)-1].String("model")
		excessTokens := avgIn - maxRatio*avgOut
		savings := excessTokens / 1000 * priceFor(cfg, keyPriceIn, model) * float64(perDay) * 30

		out = append(out, emit(a, now, finding{
			agentID:  g.agentID,
			matchKey: g.name,
			severity: severity,
			title:    fmt.Sprintf("Prompt bloat in %s", g.name),
			description: fmt.Sprintf("The last %d %s calls averaged %.0f input tokens for %.0f output tokens (%.2f:1).",
				len(calls), g.name, avgIn, avgOut, ratio),
			recommendation: "Trim resent context: summarize history, drop unused tool schemas, or cache static prompt prefixes.",
			evidence: map[string]interface{}{
				"call_name":      g.name,
				"model":          model,
				"calls_sampled":  len(calls),
				"avg_tokens_in":  round2(avgIn),
				"avg_tokens_out": round2(avgOut),
				"ratio":          round2(ratio),
				"max_ratio":      maxRatio,
				"min_tokens_in":  minIn,
			},
			impact: models.Impact{
				EstimatedMonthlySavingsUSD: round2(savings),
				AffectedCallsPerDay:        float64(perDay),
				Confidence:                 sampleConfidence(len(calls), window),
			},
		}))
	}
	return out, nil
}
