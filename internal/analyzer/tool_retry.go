package analyzer

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

// ToolRetryWaste flags tools an agent keeps calling even though most calls fail.
type ToolRetryWaste struct{}

// NewToolRetryWaste creates the INS-E01 detector.
func NewToolRetryWaste() *ToolRetryWaste { return &ToolRetryWaste{} }

func (*ToolRetryWaste) Code() string               { return "INS-E01" }
func (*ToolRetryWaste) Name() string               { return "Tool Retry Waste" }
func (*ToolRetryWaste) Category() models.Category  { return models.CategoryEfficiency }
func (*ToolRetryWaste) RunInterval() time.Duration { return 30 * time.Minute }

func (*ToolRetryWaste) Defaults() Config {
	return Config{
		"min_failures":      10,
		"max_failure_ratio": 0.5,
	}
}

type toolTally struct {
	failed    int
	succeeded int
	lastError string
}

func (a *ToolRetryWaste) Analyze(view View, cfg Config) ([]models.Insight, error) {
	now := view.Now()
	from := now.Add(-24 * time.Hour)

	tallies := make(map[[2]string]*toolTally)
	tally := func(e models.Event) *toolTally {
		k := [2]string{e.AgentID, e.String("tool")}
		t := tallies[k]
		if t == nil {
			t = &toolTally{}
			tallies[k] = t
		}
		return t
	}
	for _, e := range within(view.ByType(models.EventActionFailed), from, now) {
		if e.String("tool") == "" {
			continue
		}
		t := tally(e)
		t.failed++
		if msg := e.String("error"); msg != "" {
			t.lastError = msg
		}
	}
	if len(tallies) == 0 {
		return nil, nil
	}
	for _, e := range within(view.ByType(models.EventActionCompleted), from, now) {
		if e.String("tool") == "" {
			continue
		}
		k := [2]string{e.AgentID, e.String("tool")}
		if t, ok := tallies[k]; ok {
			t.succeeded++
		}
	}

	keys := make([][2]string, 0, len(tallies))
	for k := range tallies {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	minFailures := cfg.Int("min_failures", 10)
	maxRatio := cfg.Float("max_failure_ratio", 0.5)

	var out []models.Insight
	for _, k := range keys {
		t := tallies[k]
		total := t.failed + t.succeeded
		ratio := float64(t.failed) / float64(total)
		if t.failed < minFailures || ratio <= maxRatio {
			continue
		}
		severity := models.SeverityMedium
		if t.failed >= 5*minFailures {
			severity = models.SeverityHigh
		}
		tool := k[1]
		out = append(out, emit(a, now, finding{
			agentID:  k[0],
			matchKey: "tool:" + tool,
			severity: severity,
			title:    fmt.Sprintf("Wasted retries on tool %s", tool),
			description: fmt.Sprintf("%d of %d calls to %s failed in the last 24h (%.0f%%).",
				t.failed, total, tool, ratio*100),
			recommendation: "Fix the tool's input validation or add a circuit breaker instead of letting the agent retry blindly.",
			evidence: map[string]interface{}{
				"tool":              tool,
				"failures":          t.failed,
				"successes":         t.succeeded,
				"failure_ratio":     round2(ratio),
				"max_failure_ratio": maxRatio,
				"last_error":        t.lastError,
			},
			impact: models.Impact{
				AffectedCallsPerDay: float64(t.failed),
				Confidence:          sampleConfidence(total, 4*minFailures),
			},
		}))
	}
	return out, nil
}
