// Package runner schedules analyzers by their individual cadence, isolates
// their failures and gates their detections through the insight store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentoven/agentoven/insights/internal/analyzer"
	"github.com/agentoven/agentoven/insights/internal/config"
	"github.com/agentoven/agentoven/insights/internal/insights"
	"github.com/agentoven/agentoven/insights/internal/telemetry"
	"github.com/agentoven/agentoven/insights/pkg/models"
)

// ErrAnalyzerPanic wraps a panic recovered from an analyzer.
var ErrAnalyzerPanic = errors.New("analyzer panicked")

// Notifier receives insights that were just created or escalated.
type Notifier interface {
	Notify(ctx context.Context, ins *models.Insight, escalated bool) (models.AlertTrigger, bool)
}

// Options configures a Runner.
type Options struct {
	Tenant          string
	Thresholds      *config.ThresholdTable
	DefaultCooldown time.Duration
	// Watchdog logs analyzers that run longer than this. Zero disables it.
	Watchdog time.Duration
	Notifier Notifier
	Metrics  *telemetry.Metrics
}

// Runner owns last-run bookkeeping for every registered analyzer.
type Runner struct {
	registry *analyzer.Registry
	store    insights.Store
	opts     Options

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// New creates a runner over registry and store.
func New(registry *analyzer.Registry, store insights.Store, opts Options) *Runner {
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = 6 * time.Hour
	}
	return &Runner{
		registry: registry,
		store:    store,
		opts:     opts,
		lastRun:  make(map[string]time.Time),
	}
}

// ── Reports ─────────────────────────────────────────────────

// AnalyzerReport describes one analyzer invocation.
type AnalyzerReport struct {
	Code       string  `json:"code"`
	Detections int     `json:"detections"`
	Created    int     `json:"created"`
	Bumped     int     `json:"bumped"`
	Suppressed int     `json:"suppressed"`
	Alerts     int     `json:"alerts"`
	DurationMS float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// Report summarizes one RunDue pass.
type Report struct {
	Ran      []AnalyzerReport `json:"ran"`
	Skipped  []string         `json:"skipped,omitempty"`
	Disabled []string         `json:"disabled,omitempty"`
	Failed   int              `json:"failed"`
	// Interrupted is set when ctx ended before every due analyzer ran.
	Interrupted bool `json:"interrupted,omitempty"`
}

// ── Settings ────────────────────────────────────────────────

// settings are the resolved thresholds for one analyzer.
type settings struct {
	cfg      analyzer.Config
	interval time.Duration
	cooldown time.Duration
	disabled bool
}

func (r *Runner) resolve(tenant string, a analyzer.Analyzer) settings {
	merged := r.opts.Thresholds.Resolve(tenant, a.Code(), a.Defaults())
	s := settings{
		cfg:      make(analyzer.Config, len(merged)),
		interval: a.RunInterval(),
		cooldown: r.opts.DefaultCooldown,
	}
	for k, v := range merged {
		switch k {
		case config.KeyRunIntervalSeconds:
			if v > 0 {
				s.interval = time.Duration(v * float64(time.Second))
			}
		case config.KeyCooldownSeconds:
			if v > 0 {
				s.cooldown = time.Duration(v * float64(time.Second))
			}
		case config.KeyDisabled:
			s.disabled = v > 0
		default:
			s.cfg[k] = v
		}
	}
	return s
}

// Effective returns the thresholds each analyzer runs with, including the
// reserved scheduling keys, for tenant.
func (r *Runner) Effective(tenant string) map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	for _, a := range r.registry.All() {
		s := r.resolve(tenant, a)
		values := make(map[string]float64, len(s.cfg)+3)
		for k, v := range s.cfg {
			values[k] = v
		}
		values[config.KeyRunIntervalSeconds] = s.interval.Seconds()
		values[config.KeyCooldownSeconds] = s.cooldown.Seconds()
		if s.disabled {
			values[config.KeyDisabled] = 1
		}
		out[a.Code()] = values
	}
	return out
}

// LastRuns returns the last invocation time per analyzer code.
func (r *Runner) LastRuns() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.lastRun))
	for k, v := range r.lastRun {
		out[k] = v
	}
	return out
}

// ── Run ─────────────────────────────────────────────────────

// RunDue invokes every analyzer whose interval elapsed at view.Now(), one
// after another against the same view. An analyzer failure is logged and
// skipped; its timer still advances so it is not retried until its next
// interval.
func (r *Runner) RunDue(ctx context.Context, view analyzer.View) Report {
	now := view.Now()
	var report Report

	for _, a := range r.registry.All() {
		if err := ctx.Err(); err != nil {
			report.Interrupted = true
			break
		}
		s := r.resolve(r.opts.Tenant, a)
		if s.disabled {
			report.Disabled = append(report.Disabled, a.Code())
			continue
		}
		if !r.due(a.Code(), now, s.interval) {
			report.Skipped = append(report.Skipped, a.Code())
			continue
		}
		r.markRun(a.Code(), now)

		ar := r.runOne(ctx, a, view, s)
		if ar.Error != "" {
			report.Failed++
		}
		report.Ran = append(report.Ran, ar)
	}
	return report
}

func (r *Runner) due(code string, now time.Time, interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastRun[code]
	return !ok || now.Sub(last) >= interval
}

func (r *Runner) markRun(code string, now time.Time) {
	r.mu.Lock()
	r.lastRun[code] = now
	r.mu.Unlock()
}

func (r *Runner) runOne(ctx context.Context, a analyzer.Analyzer, view analyzer.View, s settings) AnalyzerReport {
	code := a.Code()
	ctx, span := telemetry.Tracer().Start(ctx, "analyzer.run",
		trace.WithAttributes(attribute.String("insight.code", code)))
	defer span.End()

	ar := AnalyzerReport{Code: code}
	start := time.Now()
	detections, err := r.invoke(a, view, s.cfg)
	elapsed := time.Since(start)
	ar.DurationMS = float64(elapsed.Microseconds()) / 1000

	if r.opts.Metrics != nil {
		r.opts.Metrics.AnalyzerDuration.WithLabelValues(code).Observe(elapsed.Seconds())
	}
	if err != nil {
		ar.Error = err.Error()
		result := "error"
		if errors.Is(err, ErrAnalyzerPanic) {
			result = "panic"
		}
		if r.opts.Metrics != nil {
			r.opts.Metrics.AnalyzerRuns.WithLabelValues(code, result).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		log.Error().Err(err).Str("code", code).Bool("panic", result == "panic").Msg("Analyzer failed, skipping until next interval")
		return ar
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.AnalyzerRuns.WithLabelValues(code, "ok").Inc()
	}

	merged := merge(detections, view.Now())
	ar.Detections = len(merged)
	span.SetAttributes(attribute.Int("insight.detections", len(merged)))
	for _, det := range merged {
		r.record(ctx, det, s.cooldown, &ar)
	}

	log.Debug().
		Str("code", code).
		Int("detections", ar.Detections).
		Int("created", ar.Created).
		Int("bumped", ar.Bumped).
		Dur("took", elapsed).
		Msg("Analyzer finished")
	return ar
}

// invoke calls the analyzer with panic recovery and an optional watchdog.
// The watchdog only reports: a hung analyzer still blocks the tick.
func (r *Runner) invoke(a analyzer.Analyzer, view analyzer.View, cfg analyzer.Config) (out []models.Insight, err error) {
	if r.opts.Watchdog > 0 {
		code := a.Code()
		timer := time.AfterFunc(r.opts.Watchdog, func() {
			log.Error().Str("code", code).Dur("watchdog", r.opts.Watchdog).Msg("Analyzer exceeded watchdog, tick is blocked")
			if r.opts.Metrics != nil {
				r.opts.Metrics.AnalyzerWatchdogTripped.WithLabelValues(code).Inc()
			}
		})
		defer timer.Stop()
	}
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("%w: %s: %v", ErrAnalyzerPanic, a.Code(), p)
		}
	}()
	return a.Analyze(view, cfg)
}

func (r *Runner) record(ctx context.Context, det models.Insight, cooldown time.Duration, ar *AnalyzerReport) {
	res, err := r.store.Record(ctx, det, cooldown)
	var capErr *insights.CapacityError
	switch {
	case errors.As(err, &capErr):
		log.Error().Int("count", capErr.Count).Int("cap", capErr.Cap).Str("code", det.Code).Msg("Insight store over capacity with only active records")
		if r.opts.Metrics != nil {
			r.opts.Metrics.CapacityOverflowTotal.Inc()
		}
	case err != nil:
		log.Error().Err(err).Str("code", det.Code).Str("match_key", det.MatchKey).Msg("Failed to record insight")
		if ar.Error == "" {
			ar.Error = err.Error()
		}
		return
	}

	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordsTotal.WithLabelValues(string(res.Outcome)).Inc()
	}
	switch res.Outcome {
	case insights.OutcomeCreated:
		ar.Created++
	case insights.OutcomeBumped:
		ar.Bumped++
	case insights.OutcomeSuppressed:
		ar.Suppressed++
		return
	}

	if r.opts.Notifier != nil && (res.Outcome == insights.OutcomeCreated || res.Escalated) {
		if _, ok := r.opts.Notifier.Notify(ctx, res.Insight, res.Escalated); ok {
			ar.Alerts++
		}
	}
}

// merge collapses detections sharing a dedup key so the store sees one
// bump per key per run. The highest severity wins; ties keep the first.
func merge(detections []models.Insight, now time.Time) []models.Insight {
	byKey := make(map[models.DedupKey]int, len(detections))
	out := make([]models.Insight, 0, len(detections))
	for _, d := range detections {
		if d.LastDetectedAt.IsZero() {
			d.LastDetectedAt = now
		}
		k := d.Key()
		if i, ok := byKey[k]; ok {
			if d.Severity.Rank() > out[i].Severity.Rank() {
				out[i] = d
			}
			continue
		}
		byKey[k] = len(out)
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}
