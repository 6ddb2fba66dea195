// Package insights persists insight records and suppression rules and
// enforces their lifecycle: cooldown dedup, permanent suppression,
// per-status retention TTLs and the hard record cap.
//
// Two implementations share the lifecycle rules in lifecycle.go:
// MemoryStore (maps plus a debounced JSON snapshot) and SQLiteStore.
package insights

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

// Store is the insight store used by the runner, the sequencer and the API.
type Store interface {
	// Record gates one detection through suppression and cooldown dedup and
	// persists the outcome. A *CapacityError may accompany a valid Result:
	// the record was kept but the store is over its cap with only active
	// records left.
	Record(ctx context.Context, detection models.Insight, cooldown time.Duration) (Result, error)

	Get(ctx context.Context, id string) (*models.Insight, error)
	List(ctx context.Context, filter models.InsightFilter) ([]models.Insight, error)
	// Summary counts active records, optionally scoped to one agent.
	Summary(ctx context.Context, agentID string) (models.InsightSummary, error)
	// Counts returns the number of stored records per status.
	Counts(ctx context.Context) (map[models.Status]int, error)

	Dismiss(ctx context.Context, id, actor string) (*models.Insight, error)
	DismissPermanently(ctx context.Context, id, actor string) (*models.Insight, error)
	Resolve(ctx context.Context, id, actor string) (*models.Insight, error)

	ListSuppressions(ctx context.Context) ([]models.SuppressionRule, error)

	// Sweep deletes records whose retention TTL elapsed and enforces the cap.
	Sweep(ctx context.Context) (SweepResult, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Outcome is what Record did with a detection.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeBumped     Outcome = "bumped"
	OutcomeSuppressed Outcome = "suppressed"
)

// Result describes one Record call.
type Result struct {
	Outcome Outcome
	// Insight is the stored record after the call; nil when suppressed.
	Insight *models.Insight
	// Escalated is set when a bump raised the severity of an active record.
	Escalated bool
	// Evicted counts dismissed/resolved records removed to stay under the cap.
	Evicted int
}

// SweepResult describes one retention sweep.
type SweepResult struct {
	Expired int `json:"expired"`
	Evicted int `json:"evicted"`
	Total   int `json:"total"`
}

// Options configures lifecycle policy shared by every Store implementation.
type Options struct {
	MaxRecords      int
	DefaultCooldown time.Duration
	DismissedTTL    time.Duration
	ResolvedTTL     time.Duration
	// Clock is used for mutation timestamps and TTL evaluation.
	Clock func() time.Time
}

// DefaultOptions returns the documented lifecycle defaults.
func DefaultOptions() Options {
	return Options{
		MaxRecords:      500,
		DefaultCooldown: 6 * time.Hour,
		DismissedTTL:    7 * 24 * time.Hour,
		ResolvedTTL:     30 * 24 * time.Hour,
		Clock:           time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxRecords <= 0 {
		o.MaxRecords = d.MaxRecords
	}
	if o.DefaultCooldown <= 0 {
		o.DefaultCooldown = d.DefaultCooldown
	}
	if o.DismissedTTL <= 0 {
		o.DismissedTTL = d.DismissedTTL
	}
	if o.ResolvedTTL <= 0 {
		o.ResolvedTTL = d.ResolvedTTL
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}

func (o Options) now() time.Time {
	return o.Clock().UTC()
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrInvalidTransition is returned for a status change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// CapacityError reports that the store holds more than its cap and every
// remaining record is active. Active records are never evicted.
type CapacityError struct {
	Count int
	Cap   int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("insight store over capacity: %d records, cap %d, all active", e.Count, e.Cap)
}
