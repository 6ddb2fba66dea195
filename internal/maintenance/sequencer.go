// Package maintenance runs the maintenance tick: analyze, then prune, then
// rebuild the index, then sweep insight retention. The steps run in that
// order inside one call holding one mutex, so pruning can never start
// before the same tick's analysis has finished and ticks never overlap.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentoven/agentoven/insights/internal/analyzer"
	"github.com/agentoven/agentoven/insights/internal/index"
	"github.com/agentoven/agentoven/insights/internal/insights"
	"github.com/agentoven/agentoven/insights/internal/runner"
	"github.com/agentoven/agentoven/insights/internal/telemetry"
	"github.com/agentoven/agentoven/insights/pkg/contracts"
	"github.com/agentoven/agentoven/insights/pkg/models"
)

// Analysis is the analyze step of a tick.
type Analysis interface {
	RunDue(ctx context.Context, view analyzer.View) runner.Report
}

// Sweeper is the insight retention step of a tick.
type Sweeper interface {
	Sweep(ctx context.Context) (insights.SweepResult, error)
	Counts(ctx context.Context) (map[models.Status]int, error)
}

// Config holds the collaborators of a Sequencer.
type Config struct {
	Index    *index.Index
	Source   contracts.EventSource
	Pruner   contracts.EventPruner
	Analysis Analysis
	Sweeper  Sweeper

	Interval time.Duration
	// Retention is how long events are kept before the prune step deletes them.
	Retention time.Duration
	Metrics   *telemetry.Metrics
	Clock     func() time.Time
}

// TickReport describes one maintenance tick.
type TickReport struct {
	Tick       uint64               `json:"tick"`
	StartedAt  time.Time            `json:"started_at"`
	DurationMS float64              `json:"duration_ms"`
	Analysis   runner.Report        `json:"analysis"`
	Cutoff     time.Time            `json:"prune_cutoff"`
	Pruned     int                  `json:"pruned"`
	PruneError string               `json:"prune_error,omitempty"`
	Index      index.Stats          `json:"index"`
	IndexError string               `json:"index_error,omitempty"`
	Sweep      insights.SweepResult `json:"sweep"`
	SweepError string               `json:"sweep_error,omitempty"`
	// Aborted explains why prune, rebuild and sweep did not run.
	Aborted string `json:"aborted,omitempty"`
}

// Sequencer periodically runs the maintenance tick.
type Sequencer struct {
	cfg Config

	mu    sync.Mutex // held for a whole tick
	ticks uint64

	lastMu sync.Mutex
	last   *TickReport
}

// NewSequencer creates a sequencer.
func NewSequencer(cfg Config) *Sequencer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Sequencer{cfg: cfg}
}

// Start runs ticks on the configured interval. It blocks until ctx is canceled.
func (s *Sequencer) Start(ctx context.Context) {
	log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("event_retention", s.cfg.Retention).
		Msg("Maintenance sequencer started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Run once immediately on startup
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Maintenance sequencer stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one maintenance tick synchronously. Concurrent callers wait
// for the tick in progress and then run their own.
func (s *Sequencer) Tick(ctx context.Context) TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "maintenance.tick")
	defer span.End()

	s.ticks++
	now := s.cfg.Clock().UTC()
	start := time.Now()
	rep := TickReport{Tick: s.ticks, StartedAt: now}

	// 1. Analyze against a snapshot taken before anything is deleted.
	view := s.cfg.Index.Snapshot(now)
	if view.Stale() {
		log.Warn().Uint64("generation", view.Generation()).Msg("Analyzing last known good index")
	}
	rep.Analysis = s.cfg.Analysis.RunDue(ctx, view)

	// Events are only deleted once every due analyzer has seen them.
	if rep.Analysis.Interrupted || ctx.Err() != nil {
		rep.Aborted = "analysis interrupted"
		if err := ctx.Err(); err != nil {
			rep.Aborted += ": " + err.Error()
		}
		log.Warn().Uint64("tick", rep.Tick).Str("reason", rep.Aborted).Msg("Skipping prune, rebuild and sweep")
		rep.Index = s.cfg.Index.Stats()
		return s.finish(ctx, span, rep, start)
	}

	// 2. Prune only after analysis returned.
	rep.Cutoff = now.Add(-s.cfg.Retention)
	pruned, err := s.cfg.Pruner.Prune(ctx, rep.Cutoff)
	if err != nil {
		rep.PruneError = err.Error()
		log.Warn().Err(err).Time("cutoff", rep.Cutoff).Msg("Event prune failed")
	}
	rep.Pruned = pruned

	// 3. Rebuild so the next tick sees post-prune state.
	if err := s.cfg.Index.Rebuild(ctx, s.cfg.Source); err != nil {
		rep.IndexError = err.Error()
		if errors.Is(err, index.ErrStale) {
			log.Warn().Err(err).Msg("Index rebuild failed, keeping last known good index")
		} else {
			log.Error().Err(err).Msg("Index rebuild failed")
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IndexRebuildFailures.Inc()
		}
	}
	rep.Index = s.cfg.Index.Stats()

	// 4. Insight retention.
	sweep, err := s.cfg.Sweeper.Sweep(ctx)
	var capErr *insights.CapacityError
	switch {
	case errors.As(err, &capErr):
		rep.SweepError = err.Error()
		log.Error().Int("count", capErr.Count).Int("cap", capErr.Cap).Msg("Insight store over capacity with only active records")
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.CapacityOverflowTotal.Inc()
		}
	case err != nil:
		rep.SweepError = err.Error()
		log.Error().Err(err).Msg("Insight retention sweep failed")
	}
	rep.Sweep = sweep

	return s.finish(ctx, span, rep, start)
}

func (s *Sequencer) finish(ctx context.Context, span trace.Span, rep TickReport, start time.Time) TickReport {
	elapsed := time.Since(start)
	rep.DurationMS = float64(elapsed.Microseconds()) / 1000
	s.observe(ctx, rep, elapsed)
	span.SetAttributes(
		attribute.Int64("tick", int64(rep.Tick)),
		attribute.Int("analyzers_ran", len(rep.Analysis.Ran)),
		attribute.Int("events_pruned", rep.Pruned),
	)

	log.Info().
		Uint64("tick", rep.Tick).
		Int("analyzers", len(rep.Analysis.Ran)).
		Int("failed", rep.Analysis.Failed).
		Int("pruned", rep.Pruned).
		Int("index_events", rep.Index.Events).
		Int("expired", rep.Sweep.Expired).
		Dur("took", elapsed).
		Msg("Maintenance tick complete")

	s.lastMu.Lock()
	s.last = &rep
	s.lastMu.Unlock()
	return rep
}

func (s *Sequencer) observe(ctx context.Context, rep TickReport, elapsed time.Duration) {
	m := s.cfg.Metrics
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
	m.TickDuration.Observe(elapsed.Seconds())
	m.EventsPrunedTotal.Add(float64(rep.Pruned))
	m.IndexEvents.Set(float64(rep.Index.Events))
	if counts, err := s.cfg.Sweeper.Counts(ctx); err == nil {
		for status, n := range counts {
			m.StoreRecords.WithLabelValues(string(status)).Set(float64(n))
		}
	}
}

// Last returns the report of the most recent tick.
func (s *Sequencer) Last() (TickReport, bool) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.last == nil {
		return TickReport{}, false
	}
	return *s.last, true
}
