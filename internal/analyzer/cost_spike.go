package analyzer

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

// CostSpike compares the last hour of LLM spend to the rolling 24-hour
// hourly average, and each task's spend to the median of its task type.
type CostSpike struct{}

// NewCostSpike creates the INS-C03 detector.
func NewCostSpike() *CostSpike { return &CostSpike{} }

func (*CostSpike) Code() string               { return "INS-C03" }
func (*CostSpike) Name() string               { return "Cost Spike" }
func (*CostSpike) Category() models.Category  { return models.CategoryCost }
func (*CostSpike) RunInterval() time.Duration { return 5 * time.Minute }

func (*CostSpike) Defaults() Config {
	return withPricing(Config{
		"hourly_spike_multiplier": 2.0,
		"min_baseline_hours":      3,
		"task_spike_multiplier":   5.0,
		"min_tasks_per_type":      5,
	})
}

const baselineHours = 24

func (a *CostSpike) Analyze(view View, cfg Config) ([]models.Insight, error) {
	now := view.Now()
	calls := within(view.ByKind(models.KindLLMCall), now.Add(-(baselineHours+1)*time.Hour), now)
	if len(calls) == 0 {
		return nil, nil
	}

	var out []models.Insight
	if ins, ok := a.hourly(now, calls, cfg); ok {
		out = append(out, ins)
	}
	out = append(out, a.perTask(now, calls, cfg)...)
	return out, nil
}

// hourly buckets calls by whole hours before now: bucket 0 is the current
// hour, buckets 1..24 are the baseline.
func (a *CostSpike) hourly(now time.Time, calls []models.Event, cfg Config) (models.Insight, bool) {
	var (
		buckets      [baselineHours + 1]float64
		seen         [baselineHours + 1]bool
		currentCalls int
		unpriced     int
		byAgent      = make(map[string]float64)
		byCall       = make(map[string]float64)
	)
	for _, e := range calls {
		cost, ok := callCost(e, cfg)
		if !ok {
			unpriced++
			continue
		}
		idx := int(now.Sub(e.Timestamp) / time.Hour)
		if idx < 0 || idx > baselineHours {
			continue
		}
		buckets[idx] += cost
		seen[idx] = true
		if idx == 0 {
			currentCalls++
			byAgent[e.AgentID] += cost
			byCall[e.String("name")] += cost
		}
	}

	var baseline []float64
	for h := 1; h <= baselineHours; h++ {
		if seen[h] {
			baseline = append(baseline, buckets[h])
		}
	}
	if len(baseline) < cfg.Int("min_baseline_hours", 3) {
		return models.Insight{}, false
	}
	avg := mean(baseline)
	current := buckets[0]
	if avg <= 0 || current <= 0 {
		return models.Insight{}, false
	}
	multiplier := cfg.Float("hourly_spike_multiplier", 2.0)
	ratio := current / avg
	if ratio <= multiplier {
		return models.Insight{}, false
	}

	severity := models.SeverityHigh
	if ratio >= 2*multiplier {
		severity = models.SeverityCritical
	}
	topAgent, topAgentCost := topOf(byAgent)
	topCall, topCallCost := topOf(byCall)

	excess := current - avg
	return emit(a, now, finding{
		matchKey: "hourly",
		severity: severity,
		title:    "Hourly LLM spend spike",
		description: fmt.Sprintf("LLM spend in the last hour was $%.2f, %.2fx the 24h hourly average of $%.2f.",
			current, ratio, avg),
		recommendation: fmt.Sprintf("Check %s (agent %s) which accounts for $%.2f of the last hour.",
			nonEmpty(topCall, "unnamed calls"), nonEmpty(topAgent, "unknown"), topCallCost),
		evidence: map[string]interface{}{
			"current_hour_cost":    round2(current),
			"baseline_hourly_cost": round2(avg),
			"ratio":                round2(ratio),
			"threshold":            multiplier,
			"baseline_hours":       len(baseline),
			"current_hour_calls":   currentCalls,
			"top_agent":            topAgent,
			"top_agent_cost":       round2(topAgentCost),
			"top_call":             topCall,
			"top_call_cost":        round2(topCallCost),
			"unpriced_calls":       unpriced,
		},
		impact: models.Impact{
			EstimatedMonthlySavingsUSD: round2(excess * 24 * 30),
			AffectedCallsPerDay:        float64(currentCalls * 24),
			Confidence:                 sampleConfidence(len(baseline), baselineHours),
		},
	}), true
}

type taskSpend struct {
	id       string
	agentID  string
	taskType string
	cost     float64
	lastAt   time.Time
}

// perTask flags task types where a task active in the last hour cost more
// than task_spike_multiplier times the median task of that type.
func (a *CostSpike) perTask(now time.Time, calls []models.Event, cfg Config) []models.Insight {
	windowStart := now.Add(-baselineHours * time.Hour)
	tasks := make(map[string]*taskSpend)
	for _, e := range calls {
		if e.TaskID == "" || !e.Timestamp.After(windowStart) {
			continue
		}
		cost, ok := callCost(e, cfg)
		if !ok {
			continue
		}
		t := tasks[e.TaskID]
		if t == nil {
			t = &taskSpend{id: e.TaskID, agentID: e.AgentID}
			tasks[e.TaskID] = t
		}
		if t.taskType == "" {
			t.taskType = e.String("task_type")
		}
		t.cost += cost
		t.lastAt = e.Timestamp
	}

	byType := make(map[string][]*taskSpend)
	for _, t := range tasks {
		if t.taskType != "" {
			byType[t.taskType] = append(byType[t.taskType], t)
		}
	}

	multiplier := cfg.Float("task_spike_multiplier", 5.0)
	minTasks := cfg.Int("min_tasks_per_type", 5)
	recent := now.Add(-time.Hour)

	types := make([]string, 0, len(byType))
	for tt := range byType {
		types = append(types, tt)
	}
	sort.Strings(types)

	var out []models.Insight
	for _, tt := range types {
		group := byType[tt]
		if len(group) < minTasks {
			continue
		}
		costs := make([]float64, len(group))
		for i, t := range group {
			costs[i] = t.cost
		}
		med := median(costs)
		if med <= 0 {
			continue
		}

		var worst *taskSpend
		spiking := 0
		var excess float64
		for _, t := range group {
			if !t.lastAt.After(recent) || t.cost <= multiplier*med {
				continue
			}
			spiking++
			excess += t.cost - med
			if worst == nil || t.cost > worst.cost || (t.cost == worst.cost && t.id < worst.id) {
				worst = t
			}
		}
		if worst == nil {
			continue
		}

		ratio := worst.cost / med
		severity := models.SeverityHigh
		if ratio >= 2*multiplier {
			severity = models.SeverityCritical
		}
		out = append(out, emit(a, now, finding{
			taskType: tt,
			matchKey: "task_type:" + tt,
			severity: severity,
			title:    fmt.Sprintf("Task cost spike in %s", tt),
			description: fmt.Sprintf("Task %s cost $%.2f, %.1fx the median $%.2f for %s tasks.",
				worst.id, worst.cost, ratio, med, tt),
			recommendation: "Inspect the task trace for runaway loops or oversized context and cap per-task spend.",
			evidence: map[string]interface{}{
				"task_id":       worst.id,
				"agent_id":      worst.agentID,
				"task_cost":     round2(worst.cost),
				"median_cost":   round2(med),
				"ratio":         round2(ratio),
				"threshold":     multiplier,
				"tasks_sampled": len(group),
				"spiking_tasks": spiking,
			},
			impact: models.Impact{
				EstimatedMonthlySavingsUSD: round2(excess * 30),
				AffectedCallsPerDay:        float64(spiking),
				Confidence:                 sampleConfidence(len(group), 4*minTasks),
			},
		}))
	}
	return out
}

func topOf(m map[string]float64) (string, float64) {
	var (
		best  string
		value float64
		found bool
	)
	for k, v := range m {
		if !found || v > value || (v == value && k < best) {
			best, value, found = k, v, true
		}
	}
	return best, value
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
