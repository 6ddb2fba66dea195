package analyzer

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

// QueueBacklog watches queue_snapshot events for a backlog that keeps
// growing faster than agents drain it.
type QueueBacklog struct{}

// NewQueueBacklog creates the INS-K01 detector.
func NewQueueBacklog() *QueueBacklog { return &QueueBacklog{} }

func (*QueueBacklog) Code() string               { return "INS-K01" }
func (*QueueBacklog) Name() string               { return "Queue Backlog Growth" }
func (*QueueBacklog) Category() models.Category  { return models.CategoryCapacity }
func (*QueueBacklog) RunInterval() time.Duration { return 10 * time.Minute }

func (*QueueBacklog) Defaults() Config {
	return Config{
		"min_depth":         50,
		"growth_multiplier": 2,
	}
}

type queueSeries struct {
	agentID   string
	queue     string
	latest    models.Event
	reference *models.Event
}

func (a *QueueBacklog) Analyze(view View, cfg Config) ([]models.Insight, error) {
	now := view.Now()
	hourAgo := now.Add(-time.Hour)

	series := make(map[[2]string]*queueSeries)
	for _, e := range within(view.ByKind(models.KindQueueSnapshot), now.Add(-3*time.Hour), now) {
		if _, ok := e.Float("depth"); !ok {
			continue
		}
		q := nonEmpty(e.String("queue"), "default")
		k := [2]string{e.AgentID, q}
		s := series[k]
		if s == nil {
			s = &queueSeries{agentID: e.AgentID, queue: q}
			series[k] = s
		}
		s.latest = e
		if !e.Timestamp.After(hourAgo) {
			ref := e
			s.reference = &ref
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

	minDepth := cfg.Float("min_depth", 50)
	growth := cfg.Float("growth_multiplier", 2)

	var out []models.Insight
	for _, k := range keys {
		s := series[k]
		if s.reference == nil || !s.latest.Timestamp.After(hourAgo) {
			continue
		}
		depth, _ := s.latest.Float("depth")
		refDepth, _ := s.reference.Float("depth")
		base := refDepth
		if base < 1 {
			base = 1
		}
		if depth < minDepth || depth <= growth*base {
			continue
		}
		ratio := depth / base
		severity := models.SeverityMedium
		if ratio >= 2*growth {
			severity = models.SeverityHigh
		}
		elapsed := s.latest.Timestamp.Sub(s.reference.Timestamp)
		perHour := (depth - refDepth) / elapsed.Hours()
		out = append(out, emit(a, now, finding{
			agentID:  s.agentID,
			matchKey: "queue:" + s.queue,
			severity: severity,
			title:    fmt.Sprintf("Backlog growing on queue %s", s.queue),
			description: fmt.Sprintf("Queue %s grew from %.0f to %.0f items over %s.",
				s.queue, refDepth, depth, elapsed.Round(time.Minute)),
			recommendation: "Add worker capacity or shed low-priority work before the backlog breaches SLAs.",
			evidence: map[string]interface{}{
				"queue":           s.queue,
				"depth":           depth,
				"reference_depth": refDepth,
				"reference_at":    s.reference.Timestamp,
				"growth_ratio":    round2(ratio),
				"growth_per_hour": round2(perHour),
				"threshold":       growth,
			},
			impact: models.Impact{
				AffectedCallsPerDay: round2(perHour * 24),
				Confidence:          0.8,
			},
		}))
	}
	return out, nil
}
