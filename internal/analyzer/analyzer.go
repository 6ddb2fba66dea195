// Package analyzer defines the detector contract and the built-in detectors.
//
// An analyzer is a pure function of an indexed event view and a threshold
// map. It keeps no state between runs, never writes to the insight store and
// never performs I/O; the runner owns scheduling, dedup and persistence.
package analyzer

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

// View is the read-only indexed event accessor handed to analyzers for one
// tick. Returned slices are in timestamp order and must not be modified.
type View interface {
	ByType(t models.EventType) []models.Event
	ByKind(kind string) []models.Event
	Now() time.Time
}

// Analyzer is one detection unit.
type Analyzer interface {
	// Code is the stable detector identifier, e.g. "INS-C03".
	Code() string
	Name() string
	Category() models.Category
	// RunInterval is the default cadence; the threshold table may override it.
	RunInterval() time.Duration
	// Defaults are the built-in thresholds, overridable per analyzer and tenant.
	Defaults() Config
	Analyze(view View, cfg Config) ([]models.Insight, error)
}

// Config is a resolved threshold map for one analyzer.
type Config map[string]float64

// Float returns cfg[key] or def when absent.
func (c Config) Float(key string, def float64) float64 {
	if v, ok := c[key]; ok {
		return v
	}
	return def
}

// Int returns cfg[key] truncated to an int, or def when absent.
func (c Config) Int(key string, def int) int {
	if v, ok := c[key]; ok {
		return int(v)
	}
	return def
}

// Seconds interprets cfg[key] as a number of seconds.
func (c Config) Seconds(key string, def time.Duration) time.Duration {
	if v, ok := c[key]; ok {
		return time.Duration(v * float64(time.Second))
	}
	return def
}

// ── Registry ────────────────────────────────────────────────

// Registry is the fixed set of analyzers constructed at startup.
type Registry struct {
	ordered []Analyzer
	byCode  map[string]Analyzer
}

// NewRegistry builds a registry. Registering two analyzers with the same
// code is a programming error and panics.
func NewRegistry(analyzers ...Analyzer) *Registry {
	r := &Registry{byCode: make(map[string]Analyzer, len(analyzers))}
	for _, a := range analyzers {
		r.Register(a)
	}
	return r
}

// Register adds an analyzer.
func (r *Registry) Register(a Analyzer) {
	if _, dup := r.byCode[a.Code()]; dup {
		panic(fmt.Sprintf("analyzer: duplicate code %s", a.Code()))
	}
	r.byCode[a.Code()] = a
	r.ordered = append(r.ordered, a)
}

// All returns analyzers in registration order.
func (r *Registry) All() []Analyzer {
	out := make([]Analyzer, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Get looks up an analyzer by code.
func (r *Registry) Get(code string) (Analyzer, bool) {
	a, ok := r.byCode[code]
	return a, ok
}

// Codes returns every registered code, sorted.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.byCode))
	for c := range r.byCode {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Builtins returns a fresh instance of every built-in analyzer.
func Builtins() []Analyzer {
	return []Analyzer{
		NewCostSpike(),
		NewPromptBloat(),
		NewPartialStuckness(),
		NewLatencyRegression(),
		NewEscalationRate(),
		NewQueueBacklog(),
		NewToolRetryWaste(),
	}
}

// DefaultRegistry returns a registry holding every built-in analyzer.
func DefaultRegistry() *Registry {
	return NewRegistry(Builtins()...)
}

// ── Finding ─────────────────────────────────────────────────

// finding is the detector-specific part of an insight.
type finding struct {
	agentID        string
	taskType       string
	matchKey       string
	severity       models.Severity
	title          string
	description    string
	recommendation string
	evidence       map[string]interface{}
	impact         models.Impact
}

func emit(a Analyzer, now time.Time, f finding) models.Insight {
	return models.Insight{
		Code:            a.Code(),
		Category:        a.Category(),
		Title:           f.title,
		Severity:        f.severity,
		AgentID:         models.StrPtr(f.agentID),
		TaskType:        models.StrPtr(f.taskType),
		Description:     f.description,
		Recommendation:  f.recommendation,
		Evidence:        f.evidence,
		Impact:          f.impact,
		FirstDetectedAt: now,
		LastDetectedAt:  now,
		Occurrences:     1,
		Status:          models.StatusActive,
		MatchKey:        f.matchKey,
	}
}

// within returns the events with a timestamp in (from, to]. events must be
// timestamp ordered.
func within(events []models.Event, from, to time.Time) []models.Event {
	lo := sort.Search(len(events), func(i int) bool {
		return events[i].Timestamp.After(from)
	})
	hi := sort.Search(len(events), func(i int) bool {
		return events[i].Timestamp.After(to)
	})
	if lo >= hi {
		return nil
	}
	return events[lo:hi:hi]
}
