package insights

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

const defaultBusyTimeoutMS = 5000

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
	opts Options

	// Suppression rules are never deleted, so a positive lookup can be cached.
	suppressed *lru.Cache[string, struct{}]
}

// OpenSQLite opens (creating if needed) the database at path, applies
// connection pragmas and runs migrations.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create db dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", normalizeSQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeoutMS),
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
	}
	for _, pragma := range pragmas {
		if err := retryWithBackoff(ctx, func() error {
			_, err := db.ExecContext(ctx, pragma)
			return err
		}); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	cache, _ := lru.New[string, struct{}](4096)
	s := &SQLiteStore{db: db, path: path, opts: opts.withDefaults(), suppressed: cache}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Int("max_records", s.opts.MaxRecords).Msg("Insight SQLite store opened")
	return s, nil
}

func normalizeSQLiteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	if path == ":memory:" {
		return "file::memory:?cache=shared"
	}
	return "file:" + path + "?mode=rwc"
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if err := retryWithBackoff(ctx, func() error { return RunMigrations(s.db) }); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for migration tooling.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error {
	log.Info().Str("path", s.path).Msg("Insight SQLite store closed")
	return s.db.Close()
}

// ── Row mapping ─────────────────────────────────────────────

const insightColumns = `id, code, agent_id, match_key, category, title, severity, task_type,
	description, recommendation, evidence, impact, first_detected_at, last_detected_at,
	occurrences, status, dismissed_at, dismissed_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInsight(row rowScanner) (*models.Insight, error) {
	var (
		ins                  models.Insight
		agentID              string
		taskType             sql.NullString
		evidence, impact     string
		firstNS, lastNS      int64
		dismissedAt          sql.NullInt64
		dismissedBy          sql.NullString
		category, sev, state string
	)
	if err := row.Scan(&ins.ID, &ins.Code, &agentID, &ins.MatchKey, &category, &ins.Title, &sev, &taskType,
		&ins.Description, &ins.Recommendation, &evidence, &impact, &firstNS, &lastNS,
		&ins.Occurrences, &state, &dismissedAt, &dismissedBy); err != nil {
		return nil, err
	}
	ins.Category = models.Category(category)
	ins.Severity = models.Severity(sev)
	ins.Status = models.Status(state)
	ins.AgentID = models.StrPtr(agentID)
	if taskType.Valid {
		ins.TaskType = models.StrPtr(taskType.String)
	}
	if err := json.Unmarshal([]byte(evidence), &ins.Evidence); err != nil {
		return nil, fmt.Errorf("decode evidence for %s: %w", ins.ID, err)
	}
	if err := json.Unmarshal([]byte(impact), &ins.Impact); err != nil {
		return nil, fmt.Errorf("decode impact for %s: %w", ins.ID, err)
	}
	ins.FirstDetectedAt = fromNanos(firstNS)
	ins.LastDetectedAt = fromNanos(lastNS)
	if dismissedAt.Valid {
		t := fromNanos(dismissedAt.Int64)
		ins.DismissedAt = &t
	}
	if dismissedBy.Valid {
		ins.DismissedBy = models.StrPtr(dismissedBy.String)
	}
	return &ins, nil
}

func fromNanos(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func insertInsight(ctx context.Context, tx *sql.Tx, ins *models.Insight) error {
	evidence, err := json.Marshal(ins.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	impact, err := json.Marshal(ins.Impact)
	if err != nil {
		return fmt.Errorf("encode impact: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO insights (`+insightColumns+`, severity_rank)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ins.ID, ins.Code, ins.Agent(), ins.MatchKey, string(ins.Category), ins.Title, string(ins.Severity),
		nullableString(ins.TaskType), ins.Description, ins.Recommendation, string(evidence), string(impact),
		ins.FirstDetectedAt.UnixNano(), ins.LastDetectedAt.UnixNano(), ins.Occurrences, string(ins.Status),
		nullableNanos(ins.DismissedAt), nullableString(ins.DismissedBy), ins.Severity.Rank())
	return err
}

func updateInsight(ctx context.Context, tx *sql.Tx, ins *models.Insight) error {
	evidence, err := json.Marshal(ins.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	impact, err := json.Marshal(ins.Impact)
	if err != nil {
		return fmt.Errorf("encode impact: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE insights SET
		severity = ?, severity_rank = ?, description = ?, evidence = ?, impact = ?,
		last_detected_at = ?, occurrences = ?, status = ?, dismissed_at = ?, dismissed_by = ?
		WHERE id = ?`,
		string(ins.Severity), ins.Severity.Rank(), ins.Description, string(evidence), string(impact),
		ins.LastDetectedAt.UnixNano(), ins.Occurrences, string(ins.Status),
		nullableNanos(ins.DismissedAt), nullableString(ins.DismissedBy), ins.ID)
	return err
}

// ── Detection gate ──────────────────────────────────────────

func (s *SQLiteStore) Record(ctx context.Context, det models.Insight, cooldown time.Duration) (Result, error) {
	if cooldown <= 0 {
		cooldown = s.opts.DefaultCooldown
	}
	prepare(&det, s.opts.now())
	key := det.Key()

	if _, ok := s.suppressed.Get(key.String()); ok {
		return Result{Outcome: OutcomeSuppressed}, nil
	}

	var (
		res    Result
		capErr error
	)
	err := transact(ctx, s.db, func(tx *sql.Tx) error {
		res, capErr = Result{}, nil

		suppressed, err := isSuppressed(ctx, tx, key)
		if err != nil {
			return err
		}
		if suppressed {
			res.Outcome = OutcomeSuppressed
			return nil
		}

		rec, err := findLive(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec != nil && absorbs(rec, key, det.LastDetectedAt, cooldown) {
			res.Escalated = bump(rec, &det)
			if err := updateInsight(ctx, tx, rec); err != nil {
				return fmt.Errorf("update insight: %w", err)
			}
			res.Outcome, res.Insight = OutcomeBumped, rec
			return nil
		}

		created := det.Clone()
		created.ID = uuid.New().String()
		var resolvedNS int64
		err = tx.QueryRowContext(ctx, `SELECT resolved_at FROM resolutions WHERE code = ? AND agent_id = ? AND match_key = ?`,
			key.Code, key.AgentID, key.MatchKey).Scan(&resolvedNS)
		switch {
		case err == nil:
			annotateRecurrence(created, fromNanos(resolvedNS))
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup resolution: %w", err)
		}
		if err := insertInsight(ctx, tx, created); err != nil {
			return fmt.Errorf("insert insight: %w", err)
		}
		res.Outcome, res.Insight = OutcomeCreated, created

		evicted, remaining, err := s.enforceCap(ctx, tx)
		if err != nil {
			return err
		}
		res.Evicted, capErr = evicted, s.capacityError(remaining)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == OutcomeSuppressed {
		s.suppressed.Add(key.String(), struct{}{})
	}
	if capErr != nil {
		return res, capErr
	}
	return res, nil
}

func isSuppressed(ctx context.Context, tx *sql.Tx, key models.DedupKey) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM suppressions WHERE code = ? AND agent_id = ? AND match_key = ?`,
		key.Code, key.AgentID, key.MatchKey).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup suppression: %w", err)
	}
	return n > 0, nil
}

// findLive returns the most recently detected active or dismissed record for key.
func findLive(ctx context.Context, tx *sql.Tx, key models.DedupKey) (*models.Insight, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+insightColumns+` FROM insights
		WHERE code = ? AND agent_id = ? AND match_key = ? AND status IN ('active', 'dismissed')
		ORDER BY last_detected_at DESC LIMIT 1`, key.Code, key.AgentID, key.MatchKey)
	rec, err := scanInsight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup insight: %w", err)
	}
	return rec, nil
}

// enforceCap evicts the oldest non-active records while over the cap and
// returns how many were evicted and how many records remain.
func (s *SQLiteStore) enforceCap(ctx context.Context, tx *sql.Tx) (evicted, remaining int, err error) {
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM insights`).Scan(&remaining); err != nil {
		return 0, 0, fmt.Errorf("count insights: %w", err)
	}
	over := remaining - s.opts.MaxRecords
	if over <= 0 {
		return 0, remaining, nil
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM insights WHERE id IN (
		SELECT id FROM insights WHERE status != 'active'
		ORDER BY CASE WHEN status = 'resolved' THEN 1 ELSE 0 END,
			MAX(COALESCE(dismissed_at, 0), last_detected_at), id
		LIMIT ?)`, over)
	if err != nil {
		return 0, remaining, fmt.Errorf("evict insights: %w", err)
	}
	n, _ := res.RowsAffected()
	evicted = int(n)
	if evicted > 0 {
		log.Info().Int("evicted", evicted).Int("cap", s.opts.MaxRecords).Msg("Evicted insights over cap")
	}
	return evicted, remaining - evicted, nil
}

func (s *SQLiteStore) capacityError(remaining int) error {
	if remaining > s.opts.MaxRecords {
		return &CapacityError{Count: remaining, Cap: s.opts.MaxRecords}
	}
	return nil
}

// ── Queries ─────────────────────────────────────────────────

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Insight, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+insightColumns+` FROM insights WHERE id = ?`, id)
	rec, err := scanInsight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "insight", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get insight: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter models.InsightFilter) ([]models.Insight, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(filter.Category))
	}
	if filter.MinSeverity != "" {
		where = append(where, "severity_rank >= ?")
		args = append(args, filter.MinSeverity.Rank())
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + insightColumns + ` FROM insights`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY severity_rank DESC, last_detected_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]models.Insight, 0)
	for rows.Next() {
		rec, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Summary(ctx context.Context, agentID string) (models.InsightSummary, error) {
	summary := models.NewInsightSummary()
	query := `SELECT severity, category, COUNT(*) FROM insights WHERE status = 'active'`
	var args []any
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	query += " GROUP BY severity, category"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return summary, fmt.Errorf("summarize insights: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var sev, cat string
		var n int
		if err := rows.Scan(&sev, &cat, &n); err != nil {
			return summary, err
		}
		summary.TotalActive += n
		summary.BySeverity[models.Severity(sev)] += n
		summary.ByCategory[models.Category(cat)] += n
	}
	return summary, rows.Err()
}

func (s *SQLiteStore) Counts(ctx context.Context) (map[models.Status]int, error) {
	counts := make(map[models.Status]int, len(models.Statuses))
	for _, st := range models.Statuses {
		counts[st] = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM insights GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count insights: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[models.Status(st)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) ListSuppressions(ctx context.Context) ([]models.SuppressionRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, agent_id, match_key, suppressed_at, suppressed_by
		FROM suppressions ORDER BY suppressed_at`)
	if err != nil {
		return nil, fmt.Errorf("list suppressions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]models.SuppressionRule, 0)
	for rows.Next() {
		var r models.SuppressionRule
		var at int64
		if err := rows.Scan(&r.Code, &r.AgentID, &r.MatchKey, &at, &r.SuppressedBy); err != nil {
			return nil, err
		}
		r.SuppressedAt = fromNanos(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Mutations ───────────────────────────────────────────────

func (s *SQLiteStore) Dismiss(ctx context.Context, id, actor string) (*models.Insight, error) {
	return s.mutate(ctx, id, models.StatusDismissed, actor)
}

func (s *SQLiteStore) DismissPermanently(ctx context.Context, id, actor string) (*models.Insight, error) {
	return s.mutate(ctx, id, models.StatusPermanentlyDismissed, actor)
}

func (s *SQLiteStore) Resolve(ctx context.Context, id, actor string) (*models.Insight, error) {
	return s.mutate(ctx, id, models.StatusResolved, actor)
}

func (s *SQLiteStore) mutate(ctx context.Context, id string, to models.Status, actor string) (*models.Insight, error) {
	now := s.opts.now()
	var out *models.Insight
	err := transact(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+insightColumns+` FROM insights WHERE id = ?`, id)
		rec, err := scanInsight(row)
		if errors.Is(err, sql.ErrNoRows) {
			return &ErrNotFound{Entity: "insight", Key: id}
		}
		if err != nil {
			return fmt.Errorf("get insight: %w", err)
		}
		if err := transition(rec, to, actor, now); err != nil {
			return err
		}
		key := rec.Key()
		switch to {
		case models.StatusPermanentlyDismissed:
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO suppressions
				(code, agent_id, match_key, suppressed_at, suppressed_by) VALUES (?, ?, ?, ?, ?)`,
				key.Code, key.AgentID, key.MatchKey, now.UnixNano(), actor); err != nil {
				return fmt.Errorf("insert suppression: %w", err)
			}
		case models.StatusResolved:
			if _, err := tx.ExecContext(ctx, `INSERT INTO resolutions (code, agent_id, match_key, resolved_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (code, agent_id, match_key) DO UPDATE SET resolved_at = excluded.resolved_at`,
				key.Code, key.AgentID, key.MatchKey, now.UnixNano()); err != nil {
				return fmt.Errorf("record resolution: %w", err)
			}
		}
		if err := updateInsight(ctx, tx, rec); err != nil {
			return fmt.Errorf("update insight: %w", err)
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	if to == models.StatusPermanentlyDismissed {
		s.suppressed.Add(out.Key().String(), struct{}{})
	}
	log.Info().Str("insight_id", id).Str("code", out.Code).Str("status", string(to)).Str("actor", actor).Msg("Insight status changed")
	return out, nil
}

// ── Retention ───────────────────────────────────────────────

func (s *SQLiteStore) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.opts.now()
	var (
		res    SweepResult
		capErr error
	)
	err := transact(ctx, s.db, func(tx *sql.Tx) error {
		res, capErr = SweepResult{}, nil
		dismissedCutoff := now.Add(-s.opts.DismissedTTL).UnixNano()
		resolvedCutoff := now.Add(-s.opts.ResolvedTTL).UnixNano()
		r, err := tx.ExecContext(ctx, `DELETE FROM insights WHERE
			(status IN ('dismissed', 'permanently_dismissed') AND MAX(COALESCE(dismissed_at, 0), last_detected_at) <= ?)
			OR (status = 'resolved' AND MAX(COALESCE(dismissed_at, 0), last_detected_at) <= ?)`,
			dismissedCutoff, resolvedCutoff)
		if err != nil {
			return fmt.Errorf("sweep insights: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Expired = int(n)

		evicted, remaining, err := s.enforceCap(ctx, tx)
		if err != nil {
			return err
		}
		res.Evicted, res.Total, capErr = evicted, remaining, s.capacityError(remaining)
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}
	if res.Expired > 0 || res.Evicted > 0 {
		log.Info().Int("expired", res.Expired).Int("evicted", res.Evicted).Int("total", res.Total).Msg("Insight retention sweep")
	}
	if capErr != nil {
		return res, capErr
	}
	return res, nil
}
