package analyzer

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

// PartialStuckness finds agents that are alive but no longer finishing
// work. It correlates three streams by agent: the latest heartbeat, the
// task_completed history, and task_started for durations the producer did
// not report.
type PartialStuckness struct{}

// NewPartialStuckness creates the INS-R02 detector.
func NewPartialStuckness() *PartialStuckness { return &PartialStuckness{} }

func (*PartialStuckness) Code() string               { return "INS-R02" }
func (*PartialStuckness) Name() string               { return "Partial Stuckness" }
func (*PartialStuckness) Category() models.Category  { return models.CategoryReliability }
func (*PartialStuckness) RunInterval() time.Duration { return 2 * time.Minute }

func (*PartialStuckness) Defaults() Config {
	return Config{
		"heartbeat_fresh_seconds": 300,
		"stuck_multiplier":        3,
		"window_tasks":            20,
		"min_completions":         3,
		"min_stuck_seconds":       120,
	}
}

func (a *PartialStuckness) Analyze(view View, cfg Config) ([]models.Insight, error) {
	now := view.Now()
	fresh := cfg.Seconds("heartbeat_fresh_seconds", 5*time.Minute)
	multiplier := cfg.Float("stuck_multiplier", 3)
	window := cfg.Int("window_tasks", 20)
	minCompletions := cfg.Int("min_completions", 3)
	minStuck := cfg.Seconds("min_stuck_seconds", 2*time.Minute)

	lastBeat := make(map[string]time.Time)
	for _, e := range view.ByType(models.EventHeartbeat) {
		if e.AgentID == "" || e.Timestamp.After(now) {
			continue
		}
		lastBeat[e.AgentID] = e.Timestamp
	}
	if len(lastBeat) == 0 {
		return nil, nil
	}

	started := make(map[string]time.Time)
	for _, e := range view.ByType(models.EventTaskStarted) {
		if e.TaskID != "" {
			if _, ok := started[e.TaskID]; !ok {
				started[e.TaskID] = e.Timestamp
			}
		}
	}

	completions := make(map[string][]models.Event)
	for _, e := range view.ByType(models.EventTaskCompleted) {
		if e.Timestamp.After(now) {
			break
		}
		if _, alive := lastBeat[e.AgentID]; alive {
			completions[e.AgentID] = append(completions[e.AgentID], e)
		}
	}

	agents := make([]string, 0, len(lastBeat))
	for id := range lastBeat {
		agents = append(agents, id)
	}
	sort.Strings(agents)

	var out []models.Insight
	for _, agentID := range agents {
		beat := lastBeat[agentID]
		if now.Sub(beat) > fresh {
			continue
		}
		done := completions[agentID]
		if window > 0 && len(done) > window {
			done = done[len(done)-window:]
		}
		durations := make([]float64, 0, len(done))
		for _, e := range done {
			if ms, ok := e.Float("duration_ms"); ok && ms > 0 {
				durations = append(durations, ms/1000)
				continue
			}
			if at, ok := started[e.TaskID]; ok && e.Timestamp.After(at) {
				durations = append(durations, e.Timestamp.Sub(at).Seconds())
			}
		}
		if len(durations) < minCompletions {
			continue
		}

		avg := time.Duration(mean(durations) * float64(time.Second))
		threshold := time.Duration(multiplier * float64(avg))
		if threshold < minStuck {
			threshold = minStuck
		}
		lastDone := done[len(done)-1].Timestamp
		elapsed := now.Sub(lastDone)
		if elapsed <= threshold {
			continue
		}

		severity := models.SeverityHigh
		if elapsed > 2*threshold {
			severity = models.SeverityCritical
		}
		out = append(out, emit(a, now, finding{
			agentID:  agentID,
			matchKey: "stuck",
			severity: severity,
			title:    fmt.Sprintf("Agent %s is alive but not completing tasks", agentID),
			description: fmt.Sprintf("Last task completed %s ago; tasks normally take %s. Heartbeat seen %s ago.",
				elapsed.Round(time.Second), avg.Round(time.Second), now.Sub(beat).Round(time.Second)),
			recommendation: "Inspect the agent's in-flight task for a blocked tool call, lock wait or retry loop.",
			evidence: map[string]interface{}{
				"last_heartbeat_at":         beat,
				"last_completion_at":        lastDone,
				"seconds_since_completion":  round2(elapsed.Seconds()),
				"avg_task_duration_seconds": round2(avg.Seconds()),
				"threshold_seconds":         round2(threshold.Seconds()),
				"stuck_multiplier":          multiplier,
				"completions_considered":    len(durations),
			},
			impact: models.Impact{
				AffectedCallsPerDay: round2(float64(24*time.Hour) / float64(maxDuration(avg, time.Second))),
				Confidence:          sampleConfidence(len(durations), window),
			},
		}))
	}
	return out, nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
