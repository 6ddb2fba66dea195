package insights

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

// resolvedHistorySize bounds how many resolved dedup keys are remembered
// for recurrence annotation after their records are swept.
const resolvedHistorySize = 2048

// storedInsight carries the match key, which the public JSON shape hides.
type storedInsight struct {
	models.Insight
	MatchKey string `json:"match_key"`
}

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Insights     []storedInsight          `json:"insights"`
	Suppressions []models.SuppressionRule `json:"suppressions"`
	Resolved     map[string]time.Time     `json:"resolved"` // key: dedup key string
}

// MemoryStore implements Store with in-memory maps. When a data directory
// is configured it is persisted as a JSON snapshot so records and
// suppression rules survive restarts.
type MemoryStore struct {
	mu           sync.RWMutex
	records      map[string]*models.Insight        // key: insight_id
	suppressions map[string]models.SuppressionRule // key: dedup key string
	resolved     *lru.Cache[string, time.Time]     // key: dedup key string
	opts         Options

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	debounce     time.Duration
}

// NewMemoryStore creates an in-memory insight store. If dataDir is not
// empty, state is loaded from and flushed to dataDir/insights.json.
func NewMemoryStore(opts Options, dataDir string) *MemoryStore {
	resolved, _ := lru.New[string, time.Time](resolvedHistorySize)
	m := &MemoryStore{
		records:      make(map[string]*models.Insight),
		suppressions: make(map[string]models.SuppressionRule),
		resolved:     resolved,
		opts:         opts.withDefaults(),
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		debounce:     500 * time.Millisecond,
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "insights.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().
		Int("max_records", m.opts.MaxRecords).
		Str("snapshot", m.snapshotPath).
		Msg("Insight memory store configured")

	return m
}

// ── Persistence ─────────────────────────────────────────────

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-time.After(m.debounce):
			case <-m.doneCh:
				return
			}
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Insights:     make([]storedInsight, 0, len(m.records)),
		Suppressions: make([]models.SuppressionRule, 0, len(m.suppressions)),
		Resolved:     make(map[string]time.Time, m.resolved.Len()),
	}
	for _, r := range m.records {
		snap.Insights = append(snap.Insights, storedInsight{Insight: *r, MatchKey: r.MatchKey})
	}
	for _, s := range m.suppressions {
		snap.Suppressions = append(snap.Suppressions, s)
	}
	for _, k := range m.resolved.Keys() {
		if at, ok := m.resolved.Peek(k); ok {
			snap.Resolved[k] = at
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal insight snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Int("insights", len(snap.Insights)).Msg("Insight snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No insight snapshot found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read insight snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse insight snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range snap.Insights {
		rec := s.Insight
		rec.MatchKey = s.MatchKey
		m.records[rec.ID] = &rec
	}
	for _, rule := range snap.Suppressions {
		m.suppressions[rule.Key().String()] = rule
	}
	// Oldest first so the LRU keeps the most recent resolutions.
	keys := make([]string, 0, len(snap.Resolved))
	for k := range snap.Resolved {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return snap.Resolved[keys[i]].Before(snap.Resolved[keys[j]]) })
	for _, k := range keys {
		m.resolved.Add(k, snap.Resolved[k])
	}

	log.Info().
		Int("insights", len(m.records)).
		Int("suppressions", len(m.suppressions)).
		Str("path", m.snapshotPath).
		Msg("Insight snapshot loaded")
}

// ── Detection gate ──────────────────────────────────────────

func (m *MemoryStore) Record(_ context.Context, det models.Insight, cooldown time.Duration) (Result, error) {
	if cooldown <= 0 {
		cooldown = m.opts.DefaultCooldown
	}
	prepare(&det, m.opts.now())
	key := det.Key()

	m.mu.Lock()
	if _, ok := m.suppressions[key.String()]; ok {
		m.mu.Unlock()
		return Result{Outcome: OutcomeSuppressed}, nil
	}

	if rec := m.matchLocked(key, det.LastDetectedAt, cooldown); rec != nil {
		escalated := bump(rec, &det)
		out := rec.Clone()
		m.mu.Unlock()
		m.requestSave()
		return Result{Outcome: OutcomeBumped, Insight: out, Escalated: escalated}, nil
	}

	det.ID = uuid.New().String()
	if at, ok := m.resolved.Get(key.String()); ok {
		annotateRecurrence(&det, at)
	}
	rec := det.Clone()
	m.records[rec.ID] = rec
	evicted, capErr := m.enforceCapLocked()
	out := rec.Clone()
	m.mu.Unlock()

	m.requestSave()
	res := Result{Outcome: OutcomeCreated, Insight: out, Evicted: evicted}
	if capErr != nil {
		return res, capErr
	}
	return res, nil
}

// matchLocked returns the most recently detected record that absorbs the key.
func (m *MemoryStore) matchLocked(key models.DedupKey, at time.Time, cooldown time.Duration) *models.Insight {
	var best *models.Insight
	for _, r := range m.records {
		if !absorbs(r, key, at, cooldown) {
			continue
		}
		if best == nil || r.LastDetectedAt.After(best.LastDetectedAt) {
			best = r
		}
	}
	return best
}

func (m *MemoryStore) enforceCapLocked() (int, error) {
	over := len(m.records) - m.opts.MaxRecords
	if over <= 0 {
		return 0, nil
	}
	all := make([]*models.Insight, 0, len(m.records))
	for _, r := range m.records {
		all = append(all, r)
	}
	evicted := 0
	for _, r := range evictionOrder(all) {
		if evicted == over {
			break
		}
		delete(m.records, r.ID)
		evicted++
	}
	if evicted > 0 {
		log.Info().Int("evicted", evicted).Int("cap", m.opts.MaxRecords).Msg("Evicted insights over cap")
	}
	if len(m.records) > m.opts.MaxRecords {
		return evicted, &CapacityError{Count: len(m.records), Cap: m.opts.MaxRecords}
	}
	return evicted, nil
}

// ── Queries ─────────────────────────────────────────────────

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Insight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "insight", Key: id}
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, filter models.InsightFilter) ([]models.Insight, error) {
	m.mu.RLock()
	out := make([]models.Insight, 0)
	for _, r := range m.records {
		if filter.Matches(r) {
			out = append(out, *r.Clone())
		}
	}
	m.mu.RUnlock()

	sortForDisplay(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Summary(_ context.Context, agentID string) (models.InsightSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := models.NewInsightSummary()
	for _, r := range m.records {
		if agentID != "" && r.Agent() != agentID {
			continue
		}
		s.Add(r)
	}
	return s, nil
}

func (m *MemoryStore) Counts(_ context.Context) (map[models.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[models.Status]int, len(models.Statuses))
	for _, st := range models.Statuses {
		counts[st] = 0
	}
	for _, r := range m.records {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) ListSuppressions(_ context.Context) ([]models.SuppressionRule, error) {
	m.mu.RLock()
	out := make([]models.SuppressionRule, 0, len(m.suppressions))
	for _, s := range m.suppressions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SuppressedAt.Before(out[j].SuppressedAt) })
	return out, nil
}

// ── Mutations ───────────────────────────────────────────────

func (m *MemoryStore) Dismiss(_ context.Context, id, actor string) (*models.Insight, error) {
	return m.mutate(id, models.StatusDismissed, actor)
}

// DismissPermanently records a suppression rule for the insight's dedup key.
// The rule outlives the record, which expires on the dismissed TTL.
func (m *MemoryStore) DismissPermanently(_ context.Context, id, actor string) (*models.Insight, error) {
	return m.mutate(id, models.StatusPermanentlyDismissed, actor)
}

func (m *MemoryStore) Resolve(_ context.Context, id, actor string) (*models.Insight, error) {
	return m.mutate(id, models.StatusResolved, actor)
}

func (m *MemoryStore) mutate(id string, to models.Status, actor string) (*models.Insight, error) {
	now := m.opts.now()

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "insight", Key: id}
	}
	if err := transition(rec, to, actor, now); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	key := rec.Key()
	switch to {
	case models.StatusPermanentlyDismissed:
		if _, exists := m.suppressions[key.String()]; !exists {
			m.suppressions[key.String()] = models.SuppressionRule{
				Code: key.Code, AgentID: key.AgentID, MatchKey: key.MatchKey,
				SuppressedAt: now, SuppressedBy: actor,
			}
		}
	case models.StatusResolved:
		m.resolved.Add(key.String(), now)
	}
	out := rec.Clone()
	m.mu.Unlock()

	m.requestSave()
	log.Info().Str("insight_id", id).Str("code", key.Code).Str("status", string(to)).Str("actor", actor).Msg("Insight status changed")
	return out, nil
}

// ── Retention ───────────────────────────────────────────────

func (m *MemoryStore) Sweep(_ context.Context) (SweepResult, error) {
	now := m.opts.now()

	m.mu.Lock()
	var res SweepResult
	for id, r := range m.records {
		if expired(r, now, m.opts) {
			delete(m.records, id)
			res.Expired++
		}
	}
	evicted, capErr := m.enforceCapLocked()
	res.Evicted = evicted
	res.Total = len(m.records)
	m.mu.Unlock()

	if res.Expired > 0 || res.Evicted > 0 {
		log.Info().Int("expired", res.Expired).Int("evicted", res.Evicted).Int("total", res.Total).Msg("Insight retention sweep")
		m.requestSave()
	}
	if capErr != nil {
		return res, capErr
	}
	return res, nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// Close stops the background goroutine and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final insight snapshot before shutdown...")
		m.saveSnapshot()
	}
	return nil
}
