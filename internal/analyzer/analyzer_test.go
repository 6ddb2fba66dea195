package analyzer_test

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/insights/internal/analyzer"
	"github.com/agentoven/agentoven/insights/pkg/models"
)

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

// fakeView buckets events the way the index does.
type fakeView struct {
	at     time.Time
	byType map[models.EventType][]models.Event
	byKind map[string][]models.Event
}

func newView(at time.Time, events ...models.Event) *fakeView {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	v := &fakeView{at: at, byType: map[models.EventType][]models.Event{}, byKind: map[string][]models.Event{}}
	for _, e := range events {
		v.byType[e.Type] = append(v.byType[e.Type], e)
		if e.Type == models.EventCustom && e.Kind() != "" {
			v.byKind[e.Kind()] = append(v.byKind[e.Kind()], e)
		}
	}
	return v
}

func (v *fakeView) ByType(t models.EventType) []models.Event { return v.byType[t] }
func (v *fakeView) ByKind(k string) []models.Event           { return v.byKind[k] }
func (v *fakeView) Now() time.Time                           { return v.at }

func llm(agent string, at time.Time, payload map[string]interface{}) models.Event {
	payload["kind"] = models.KindLLMCall
	return models.Event{Type: models.EventCustom, AgentID: agent, Timestamp: at, Payload: payload}
}

func ev(t models.EventType, agent, task string, at time.Time, payload map[string]interface{}) models.Event {
	return models.Event{Type: t, AgentID: agent, TaskID: task, Timestamp: at, Payload: payload}
}

func run(t *testing.T, a analyzer.Analyzer, v analyzer.View) []models.Insight {
	t.Helper()
	out, err := a.Analyze(v, a.Defaults())
	require.NoError(t, err)
	for _, ins := range out {
		assert.Equal(t, a.Code(), ins.Code)
		assert.Equal(t, a.Category(), ins.Category)
		assert.Equal(t, 1, ins.Occurrences)
		assert.Equal(t, models.StatusActive, ins.Status)
		assert.NotEmpty(t, ins.MatchKey)
	}
	return out
}

// ── Registry ────────────────────────────────────────────────

func TestRegistry_BuiltinsHaveUniqueCodes(t *testing.T) {
	r := analyzer.DefaultRegistry()
	assert.Equal(t, []string{"INS-B01", "INS-C01", "INS-C03", "INS-E01", "INS-K01", "INS-P01", "INS-R02"}, r.Codes())

	a, ok := r.Get("INS-C03")
	require.True(t, ok)
	assert.Equal(t, "Cost Spike", a.Name())
	assert.Equal(t, 5*time.Minute, a.RunInterval())
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	assert.Panics(t, func() { analyzer.NewRegistry(analyzer.NewCostSpike(), analyzer.NewCostSpike()) })
}

// ── Cost Spike ──────────────────────────────────────────────

func TestCostSpike_ScenarioA(t *testing.T) {
	var events []models.Event
	for h := 1; h <= 24; h++ {
		events = append(events, llm("agent-1", now.Add(-time.Duration(h)*time.Hour-30*time.Minute),
			map[string]interface{}{"name": "plan", "cost": 1.80}))
	}
	events = append(events,
		llm("agent-1", now.Add(-40*time.Minute), map[string]interface{}{"name": "plan", "cost": 1.20}),
		llm("agent-2", now.Add(-10*time.Minute), map[string]interface{}{"name": "summarize", "cost": 3.00}),
	)

	out := run(t, analyzer.NewCostSpike(), newView(now, events...))
	require.Len(t, out, 1)
	ins := out[0]
	assert.Equal(t, "hourly", ins.MatchKey)
	assert.Equal(t, models.SeverityHigh, ins.Severity)
	assert.Nil(t, ins.AgentID)
	assert.InDelta(t, 2.33, ins.Evidence["ratio"], 0.01)
	assert.InDelta(t, 4.20, ins.Evidence["current_hour_cost"], 0.001)
	assert.InDelta(t, 1.80, ins.Evidence["baseline_hourly_cost"], 0.001)
	assert.Equal(t, "summarize", ins.Evidence["top_call"])
	assert.Equal(t, "agent-2", ins.Evidence["top_agent"])
}

func TestCostSpike_BelowThreshold(t *testing.T) {
	var events []models.Event
	for h := 1; h <= 6; h++ {
		events = append(events, llm("a", now.Add(-time.Duration(h)*time.Hour-time.Minute),
			map[string]interface{}{"cost": 2.0}))
	}
	events = append(events, llm("a", now.Add(-time.Minute), map[string]interface{}{"cost": 3.9}))
	assert.Empty(t, run(t, analyzer.NewCostSpike(), newView(now, events...)))
}

func TestCostSpike_NeedsMinimumBaseline(t *testing.T) {
	events := []models.Event{
		llm("a", now.Add(-90*time.Minute), map[string]interface{}{"cost": 1.0}),
		llm("a", now.Add(-150*time.Minute), map[string]interface{}{"cost": 1.0}),
		llm("a", now.Add(-5*time.Minute), map[string]interface{}{"cost": 50.0}),
	}
	assert.Empty(t, run(t, analyzer.NewCostSpike(), newView(now, events...)))
}

func TestCostSpike_PricesFromTokensAndCountsUnpriced(t *testing.T) {
	var events []models.Event
	for h := 1; h <= 3; h++ {
		// 1000 in + 1000 out at default prices = $0.018
		events = append(events, llm("a", now.Add(-time.Duration(h)*time.Hour-time.Minute),
			map[string]interface{}{"tokens_in": 1000, "tokens_out": 1000}))
	}
	events = append(events,
		llm("a", now.Add(-2*time.Minute), map[string]interface{}{"tokens_in": 10000, "tokens_out": 10000}),
		llm("a", now.Add(-time.Minute), map[string]interface{}{"name": "opaque"}),
	)
	out := run(t, analyzer.NewCostSpike(), newView(now, events...))
	require.Len(t, out, 1)
	assert.Equal(t, models.SeverityCritical, out[0].Severity)
	assert.InDelta(t, 10.0, out[0].Evidence["ratio"], 0.01)
	assert.Equal(t, 1, out[0].Evidence["unpriced_calls"])
}

func TestCostSpike_TaskSpike(t *testing.T) {
	var events []models.Event
	for i := 0; i < 6; i++ {
		events = append(events, llm("a", now.Add(-time.Duration(3+i)*time.Hour),
			map[string]interface{}{"cost": 0.10, "task_type": "triage"}))
		events[len(events)-1].TaskID = fmt.Sprintf("t%d", i)
	}
	spike := llm("b", now.Add(-10*time.Minute), map[string]interface{}{"cost": 0.90, "task_type": "triage"})
	spike.TaskID = "t-big"
	events = append(events, spike)

	out := run(t, analyzer.NewCostSpike(), newView(now, events...))
	var task *models.Insight
	for i := range out {
		if out[i].MatchKey == "task_type:triage" {
			task = &out[i]
		}
	}
	require.NotNil(t, task)
	require.NotNil(t, task.TaskType)
	assert.Equal(t, "triage", *task.TaskType)
	assert.Equal(t, "t-big", task.Evidence["task_id"])
	assert.Equal(t, models.SeverityHigh, task.Severity)
}

// ── Prompt Bloat ────────────────────────────────────────────

func bloatCalls(n int, start time.Time, in, out int) []models.Event {
	events := make([]models.Event, n)
	for i := range events {
		events[i] = llm("agent-1", start.Add(time.Duration(i)*time.Second), map[string]interface{}{
			"name": "phase1_reasoning", "model": "gpt-4o", "tokens_in": in, "tokens_out": out,
		})
	}
	return events
}

func TestPromptBloat_ScenarioB(t *testing.T) {
	events := bloatCalls(45, now.Add(-2*time.Hour), 9200, 340)
	out := run(t, analyzer.NewPromptBloat(), newView(now, events...))
	require.Len(t, out, 1)
	ins := out[0]
	assert.Equal(t, "phase1_reasoning", ins.MatchKey)
	require.NotNil(t, ins.AgentID)
	assert.Equal(t, "agent-1", *ins.AgentID)
	assert.InDelta(t, 27.06, ins.Evidence["ratio"], 0.01)
	assert.Equal(t, 45, ins.Evidence["calls_sampled"])
	assert.Greater(t, ins.Impact.EstimatedMonthlySavingsUSD, 0.0)

	// A later window of ratio-10 calls is below threshold.
	events = append(events, bloatCalls(50, now.Add(-time.Hour), 5000, 500)...)
	assert.Empty(t, run(t, analyzer.NewPromptBloat(), newView(now, events...)))
}

func TestPromptBloat_RequiresMinTokensAndCalls(t *testing.T) {
	assert.Empty(t, run(t, analyzer.NewPromptBloat(), newView(now, bloatCalls(20, now.Add(-time.Hour), 3000, 100)...)))
	assert.Empty(t, run(t, analyzer.NewPromptBloat(), newView(now, bloatCalls(4, now.Add(-time.Hour), 9000, 100)...)))
}

// ── Partial Stuckness ───────────────────────────────────────

func TestPartialStuckness_CorrelatesHeartbeatAndCompletions(t *testing.T) {
	var events []models.Event
	// Five 60s tasks, the last finished 20 minutes ago.
	for i := 0; i < 5; i++ {
		end := now.Add(-20*time.Minute - time.Duration(i)*5*time.Minute)
		task := fmt.Sprintf("task-%d", i)
		events = append(events,
			ev(models.EventTaskStarted, "stuck", task, end.Add(-time.Minute), nil),
			ev(models.EventTaskCompleted, "stuck", task, end, nil),
		)
	}
	events = append(events, ev(models.EventHeartbeat, "stuck", "", now.Add(-30*time.Second), nil))

	// A healthy agent that reports durations directly.
	for i := 0; i < 5; i++ {
		events = append(events, ev(models.EventTaskCompleted, "healthy", "", now.Add(-time.Duration(i+1)*time.Minute),
			map[string]interface{}{"duration_ms": 60000}))
	}
	events = append(events, ev(models.EventHeartbeat, "healthy", "", now.Add(-10*time.Second), nil))

	// Silent agent: no fresh heartbeat, so not "partially" stuck.
	for i := 0; i < 5; i++ {
		events = append(events, ev(models.EventTaskCompleted, "dead", "", now.Add(-time.Duration(i+2)*time.Hour),
			map[string]interface{}{"duration_ms": 1000}))
	}
	events = append(events, ev(models.EventHeartbeat, "dead", "", now.Add(-time.Hour), nil))

	out := run(t, analyzer.NewPartialStuckness(), newView(now, events...))
	require.Len(t, out, 1)
	ins := out[0]
	require.NotNil(t, ins.AgentID)
	assert.Equal(t, "stuck", *ins.AgentID)
	assert.Equal(t, "stuck", ins.MatchKey)
	assert.InDelta(t, 60.0, ins.Evidence["avg_task_duration_seconds"], 0.01)
	assert.InDelta(t, 1200.0, ins.Evidence["seconds_since_completion"], 0.01)
	assert.Equal(t, models.SeverityCritical, ins.Severity)
}

// ── Latency Regression ──────────────────────────────────────

func TestLatencyRegression(t *testing.T) {
	var events []models.Event
	for i := 0; i < 40; i++ {
		events = append(events, llm("a", now.Add(-2*time.Hour-time.Duration(i)*10*time.Minute),
			map[string]interface{}{"model": "m1", "duration_ms": 400}))
	}
	for i := 0; i < 12; i++ {
		events = append(events, llm("a", now.Add(-time.Duration(i+1)*time.Minute),
			map[string]interface{}{"model": "m1", "duration_ms": 1500}))
	}
	out := run(t, analyzer.NewLatencyRegression(), newView(now, events...))
	require.Len(t, out, 1)
	assert.Equal(t, "model:m1", out[0].MatchKey)
	assert.InDelta(t, 3.75, out[0].Evidence["ratio"], 0.01)
	assert.Equal(t, models.SeverityMedium, out[0].Severity)
}

// ── Escalation Rate ─────────────────────────────────────────

func TestEscalationRate(t *testing.T) {
	var events []models.Event
	for i := 0; i < 6; i++ {
		events = append(events, ev(models.EventEscalation, "a", "", now.Add(-time.Duration(i+1)*time.Hour),
			map[string]interface{}{"reason": "missing_permission"}))
	}
	for i := 0; i < 10; i++ {
		events = append(events, ev(models.EventTaskCompleted, "a", "", now.Add(-time.Duration(i+1)*time.Hour), nil))
	}
	// Agent b escalates rarely.
	for i := 0; i < 5; i++ {
		events = append(events, ev(models.EventEscalation, "b", "", now.Add(-time.Hour), nil))
	}
	for i := 0; i < 100; i++ {
		events = append(events, ev(models.EventTaskCompleted, "b", "", now.Add(-time.Hour), nil))
	}

	out := run(t, analyzer.NewEscalationRate(), newView(now, events...))
	require.Len(t, out, 1)
	assert.Equal(t, "a", *out[0].AgentID)
	assert.InDelta(t, 0.6, out[0].Evidence["rate"], 0.001)
	assert.Equal(t, "missing_permission", out[0].Evidence["top_reason"])
	assert.Equal(t, models.SeverityHigh, out[0].Severity)
}

// ── Queue Backlog ───────────────────────────────────────────

func snapshot(queue string, depth int, at time.Time) models.Event {
	return models.Event{Type: models.EventCustom, Timestamp: at, Payload: map[string]interface{}{
		"kind": models.KindQueueSnapshot, "queue": queue, "depth": depth,
	}}
}

func TestQueueBacklog(t *testing.T) {
	events := []models.Event{
		snapshot("ingest", 30, now.Add(-90*time.Minute)),
		snapshot("ingest", 80, now.Add(-5*time.Minute)),
		snapshot("small", 5, now.Add(-90*time.Minute)),
		snapshot("small", 40, now.Add(-5*time.Minute)),
	}
	out := run(t, analyzer.NewQueueBacklog(), newView(now, events...))
	require.Len(t, out, 1)
	assert.Equal(t, "queue:ingest", out[0].MatchKey)
	assert.Nil(t, out[0].AgentID)
	assert.InDelta(t, 2.67, out[0].Evidence["growth_ratio"], 0.01)
}

// ── Tool Retry Waste ────────────────────────────────────────

func TestToolRetryWaste(t *testing.T) {
	var events []models.Event
	for i := 0; i < 12; i++ {
		events = append(events, ev(models.EventActionFailed, "a", "", now.Add(-time.Duration(i+1)*time.Minute),
			map[string]interface{}{"tool": "search", "error": "timeout"}))
	}
	for i := 0; i < 3; i++ {
		events = append(events, ev(models.EventActionCompleted, "a", "", now.Add(-time.Minute),
			map[string]interface{}{"tool": "search"}))
	}
	// Failing often but mostly succeeding.
	for i := 0; i < 12; i++ {
		events = append(events, ev(models.EventActionFailed, "a", "", now.Add(-time.Minute),
			map[string]interface{}{"tool": "fetch"}))
	}
	for i := 0; i < 30; i++ {
		events = append(events, ev(models.EventActionCompleted, "a", "", now.Add(-time.Minute),
			map[string]interface{}{"tool": "fetch"}))
	}

	out := run(t, analyzer.NewToolRetryWaste(), newView(now, events...))
	require.Len(t, out, 1)
	assert.Equal(t, "tool:search", out[0].MatchKey)
	assert.InDelta(t, 0.8, out[0].Evidence["failure_ratio"], 0.001)
	assert.Equal(t, "timeout", out[0].Evidence["last_error"])
}

// ── Config ──────────────────────────────────────────────────

func TestConfig_Accessors(t *testing.T) {
	cfg := analyzer.Config{"x": 2.5, "secs": 90}
	assert.Equal(t, 2.5, cfg.Float("x", 1))
	assert.Equal(t, 7.0, cfg.Float("missing", 7))
	assert.Equal(t, 2, cfg.Int("x", 0))
	assert.Equal(t, 90*time.Second, cfg.Seconds("secs", 0))
}
