package analyzer

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

// EscalationRate flags agents that hand too many tasks back to humans.
type EscalationRate struct{}

// NewEscalationRate creates the INS-B01 detector.
func NewEscalationRate() *EscalationRate { return &EscalationRate{} }

func (*EscalationRate) Code() string               { return "INS-B01" }
func (*EscalationRate) Name() string               { return "Escalation Rate" }
func (*EscalationRate) Category() models.Category  { return models.CategoryBehavior }
func (*EscalationRate) RunInterval() time.Duration { return 30 * time.Minute }

func (*EscalationRate) Defaults() Config {
	return Config{
		"max_escalation_rate": 0.2,
		"min_escalations":     5,
	}
}

func (a *EscalationRate) Analyze(view View, cfg Config) ([]models.Insight, error) {
	now := view.Now()
	from := now.Add(-24 * time.Hour)

	escalations := make(map[string]int)
	reasons := make(map[string]map[string]int)
	for _, e := range within(view.ByType(models.EventEscalation), from, now) {
		escalations[e.AgentID]++
		if r := e.String("reason"); r != "" {
			if reasons[e.AgentID] == nil {
				reasons[e.AgentID] = make(map[string]int)
			}
			reasons[e.AgentID][r]++
		}
	}
	if len(escalations) == 0 {
		return nil, nil
	}
	finished := make(map[string]int)
	for _, t := range []models.EventType{models.EventTaskCompleted, models.EventTaskFailed} {
		for _, e := range within(view.ByType(t), from, now) {
			finished[e.AgentID]++
		}
	}

	agents := make([]string, 0, len(escalations))
	for id := range escalations {
		agents = append(agents, id)
	}
	sort.Strings(agents)

	maxRate := cfg.Float("max_escalation_rate", 0.2)
	minEsc := cfg.Int("min_escalations", 5)

	var out []models.Insight
	for _, agentID := range agents {
		esc := escalations[agentID]
		if esc < minEsc {
			continue
		}
		// An agent that escalates without finishing anything escalates everything.
		rate := 1.0
		if n := finished[agentID]; n > 0 {
			rate = float64(esc) / float64(n)
		}
		if rate <= maxRate {
			continue
		}
		severity := models.SeverityMedium
		if rate > 2*maxRate {
			severity = models.SeverityHigh
		}
		topReason, _ := topCount(reasons[agentID])
		out = append(out, emit(a, now, finding{
			agentID:  agentID,
			matchKey: "escalations",
			severity: severity,
			title:    fmt.Sprintf("High escalation rate for %s", nonEmpty(agentID, "unattributed agents")),
			description: fmt.Sprintf("%d escalations against %d finished tasks in 24h (%.0f%%, limit %.0f%%).",
				esc, finished[agentID], rate*100, maxRate*100),
			recommendation: "Review escalated tasks for a missing tool permission or an ambiguous instruction the agent cannot resolve.",
			evidence: map[string]interface{}{
				"escalations":    esc,
				"finished_tasks": finished[agentID],
				"rate":           round2(rate),
				"max_rate":       maxRate,
				"top_reason":     topReason,
			},
			impact: models.Impact{
				AffectedCallsPerDay: float64(esc),
				Confidence:          sampleConfidence(esc, 4*minEsc),
			},
		}))
	}
	return out, nil
}

func topCount(m map[string]int) (string, int) {
	var (
		best  string
		count int
	)
	for k, v := range m {
		if v > count || (v == count && k < best) {
			best, count = k, v
		}
	}
	return best, count
}
