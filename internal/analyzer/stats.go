package analyzer

import (
	"math"
	"sort"
	"strings"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// median does not reorder its input.
func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// percentile uses the nearest-rank method; p is in (0, 100].
func percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// sampleConfidence grows from 0.5 towards 1 as n approaches full.
func sampleConfidence(n, full int) float64 {
	if full <= 0 {
		return 1
	}
	c := 0.5 + 0.5*float64(n)/float64(full)
	if c > 1 {
		c = 1
	}
	return round2(c)
}

// ── Pricing ─────────────────────────────────────────────────

// Threshold keys for token pricing. A model-specific price is looked up as
// "<key>:<model>" before falling back to the generic key.
const (
	keyPriceIn  = "price_in_per_1k"
	keyPriceOut = "price_out_per_1k"
)

var pricingDefaults = Config{
	keyPriceIn:  0.003,
	keyPriceOut: 0.015,
}

func priceFor(cfg Config, key, model string) float64 {
	if model != "" {
		if v, ok := cfg[key+":"+strings.ToLower(model)]; ok {
			return v
		}
	}
	return cfg.Float(key, pricingDefaults[key])
}

// callCost returns the cost of an llm_call event. A producer-supplied cost
// wins; otherwise the call is priced from its token counts. ok is false
// when neither is present.
func callCost(e models.Event, cfg Config) (cost float64, ok bool) {
	if c, has := e.Float("cost"); has {
		return c, true
	}
	in, hasIn := e.Float("tokens_in")
	out, hasOut := e.Float("tokens_out")
	if !hasIn && !hasOut {
		return 0, false
	}
	model := e.String("model")
	return in/1000*priceFor(cfg, keyPriceIn, model) + out/1000*priceFor(cfg, keyPriceOut, model), true
}

func withPricing(c Config) Config {
	for k, v := range pricingDefaults {
		c[k] = v
	}
	return c
}
