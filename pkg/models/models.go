package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ── Events ───────────────────────────────────────────────────

// EventType is the coarse classification of an agent event.
type EventType string

const (
	EventAgentRegistered EventType = "agent_registered"
	EventHeartbeat       EventType = "heartbeat"
	EventTaskStarted     EventType = "task_started"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskFailed      EventType = "task_failed"
	EventActionStarted   EventType = "action_started"
	EventActionCompleted EventType = "action_completed"
	EventActionFailed    EventType = "action_failed"
	EventEscalation      EventType = "escalation"
	EventCustom          EventType = "custom"
)

// EventTypes lists every accepted event type.
var EventTypes = []EventType{
	EventAgentRegistered, EventHeartbeat, EventTaskStarted, EventTaskCompleted, EventTaskFailed,
	EventActionStarted, EventActionCompleted, EventActionFailed, EventEscalation, EventCustom,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, et := range EventTypes {
		if t == et {
			return true
		}
	}
	return false
}

// Payload kinds carried by custom events.
const (
	KindLLMCall       = "llm_call"
	KindQueueSnapshot = "queue_snapshot"
)

// Event is an immutable record of something an agent did. Events are owned
// by the event store; the insights engine only reads them.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"event_type"`
	AgentID   string                 `json:"agent_id"`
	TaskID    string                 `json:"task_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Kind returns payload.kind, or "" when absent.
func (e Event) Kind() string {
	return e.String("kind")
}

// String returns a string payload field, or "" when absent or not a string.
func (e Event) String(field string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[field].(string)
	return s
}

// Float returns a numeric payload field. JSON-decoded payloads carry
// float64; producers embedding the library may pass ints.
func (e Event) Float(field string) (float64, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ── Insight enums ────────────────────────────────────────────

// Category groups insights by the kind of problem they describe.
type Category string

const (
	CategoryCost        Category = "cost"
	CategoryBehavior    Category = "behavior"
	CategoryPerformance Category = "performance"
	CategoryReliability Category = "reliability"
	CategoryEfficiency  Category = "efficiency"
	CategoryCapacity    Category = "capacity"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryCost, CategoryBehavior, CategoryPerformance,
	CategoryReliability, CategoryEfficiency, CategoryCapacity,
}

// ParseCategory validates a category filter value.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == strings.ToLower(s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Severity of an insight. Ordered: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists severities from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Rank returns a comparable rank (critical=4 ... low=1, unknown=0).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// ParseSeverity validates a severity value.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(s))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Status is the lifecycle state of an insight record.
type Status string

const (
	StatusActive               Status = "active"
	StatusDismissed            Status = "dismissed"
	StatusPermanentlyDismissed Status = "permanently_dismissed"
	StatusResolved             Status = "resolved"
)

// Statuses lists every status.
var Statuses = []Status{StatusActive, StatusDismissed, StatusPermanentlyDismissed, StatusResolved}

// ParseStatus validates a status filter value.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == strings.ToLower(s) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// ── Insight ──────────────────────────────────────────────────

// Impact is the standardized impact estimate attached to every insight.
type Impact struct {
	EstimatedMonthlySavingsUSD float64 `json:"estimated_monthly_savings_usd"`
	AffectedCallsPerDay        float64 `json:"affected_calls_per_day"`
	Confidence                 float64 `json:"confidence"`
}

// Insight is a persisted, deduplicated recommendation produced by an analyzer.
//
// MatchKey is the detector-specific part of the dedup key. It is stored
// alongside the record but is not part of the public wire shape.
type Insight struct {
	ID              string                 `json:"insight_id"`
	Code            string                 `json:"code"`
	Category        Category               `json:"category"`
	Title           string                 `json:"title"`
	Severity        Severity               `json:"severity"`
	AgentID         *string                `json:"agent_id"`
	TaskType        *string                `json:"task_type"`
	Description     string                 `json:"description"`
	Recommendation  string                 `json:"recommendation"`
	Evidence        map[string]interface{} `json:"evidence"`
	Impact          Impact                 `json:"impact"`
	FirstDetectedAt time.Time              `json:"first_detected_at"`
	LastDetectedAt  time.Time              `json:"last_detected_at"`
	Occurrences     int                    `json:"occurrences"`
	Status          Status                 `json:"status"`
	DismissedAt     *time.Time             `json:"dismissed_at"`
	DismissedBy     *string                `json:"dismissed_by"`

	MatchKey string `json:"-"`
}

// Agent returns the scoping agent id, or "" for fleet-wide insights.
func (i *Insight) Agent() string {
	if i.AgentID == nil {
		return ""
	}
	return *i.AgentID
}

// Key returns the dedup tuple for this insight.
func (i *Insight) Key() DedupKey {
	return DedupKey{Code: i.Code, AgentID: i.Agent(), MatchKey: i.MatchKey}
}

// Clone returns a deep copy safe to hand out of a store.
func (i *Insight) Clone() *Insight {
	cp := *i
	if i.AgentID != nil {
		a := *i.AgentID
		cp.AgentID = &a
	}
	if i.TaskType != nil {
		t := *i.TaskType
		cp.TaskType = &t
	}
	if i.DismissedAt != nil {
		d := *i.DismissedAt
		cp.DismissedAt = &d
	}
	if i.DismissedBy != nil {
		b := *i.DismissedBy
		cp.DismissedBy = &b
	}
	if i.Evidence != nil {
		cp.Evidence = make(map[string]interface{}, len(i.Evidence))
		for k, v := range i.Evidence {
			cp.Evidence[k] = v
		}
	}
	return &cp
}

// StrPtr returns a pointer to s, or nil for the empty string.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// DedupKey identifies one logical detection: (code, agent_id, match_key).
type DedupKey struct {
	Code     string `json:"code"`
	AgentID  string `json:"agent_id"`
	MatchKey string `json:"match_key"`
}

func (k DedupKey) String() string {
	return k.Code + "|" + k.AgentID + "|" + k.MatchKey
}

// SuppressionRule permanently blocks materialization of a dedup key.
type SuppressionRule struct {
	Code         string    `json:"code"`
	AgentID      string    `json:"agent_id"`
	MatchKey     string    `json:"match_key"`
	SuppressedAt time.Time `json:"suppressed_at"`
	SuppressedBy string    `json:"suppressed_by,omitempty"`
}

// Key returns the dedup tuple this rule blocks.
func (r SuppressionRule) Key() DedupKey {
	return DedupKey{Code: r.Code, AgentID: r.AgentID, MatchKey: r.MatchKey}
}

// ── Queries ──────────────────────────────────────────────────

// InsightFilter selects insight records. Empty fields match everything.
type InsightFilter struct {
	AgentID     string
	Category    Category
	MinSeverity Severity
	Status      Status
	Limit       int
}

// Matches reports whether the insight satisfies the filter (ignoring Limit).
func (f InsightFilter) Matches(i *Insight) bool {
	if f.AgentID != "" && i.Agent() != f.AgentID {
		return false
	}
	if f.Category != "" && i.Category != f.Category {
		return false
	}
	if f.MinSeverity != "" && !i.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	return true
}

// InsightSummary aggregates active insights for dashboards.
type InsightSummary struct {
	TotalActive int              `json:"total_active"`
	BySeverity  map[Severity]int `json:"by_severity"`
	ByCategory  map[Category]int `json:"by_category"`
}

// NewInsightSummary returns a summary with every severity and category key present.
func NewInsightSummary() InsightSummary {
	s := InsightSummary{
		BySeverity: make(map[Severity]int, len(Severities)),
		ByCategory: make(map[Category]int, len(Categories)),
	}
	for _, sev := range Severities {
		s.BySeverity[sev] = 0
	}
	for _, c := range Categories {
		s.ByCategory[c] = 0
	}
	return s
}

// Add counts one active insight.
func (s *InsightSummary) Add(i *Insight) {
	if i.Status != StatusActive {
		return
	}
	s.TotalActive++
	s.BySeverity[i.Severity]++
	s.ByCategory[i.Category]++
}

// ── Alerts ───────────────────────────────────────────────────

// AlertTrigger is handed to the external delivery system when a new or
// escalated insight crosses an alert rule's severity threshold.
type AlertTrigger struct {
	InsightID       string    `json:"insight_id"`
	Code            string    `json:"code"`
	Severity        Severity  `json:"severity"`
	CooldownSeconds int       `json:"cooldown_seconds"`
	AgentID         string    `json:"agent_id,omitempty"`
	Title           string    `json:"title,omitempty"`
	Escalated       bool      `json:"escalated,omitempty"`
	EmittedAt       time.Time `json:"emitted_at"`
}
