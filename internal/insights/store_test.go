package insights_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/insights/internal/insights"
	"github.com/agentoven/agentoven/insights/pkg/models"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, opts insights.Options) insights.Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, opts insights.Options) insights.Store {
			s := insights.NewMemoryStore(opts, "")
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"sqlite": func(t *testing.T, opts insights.Options) insights.Store {
			s, err := insights.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "insights.db"), opts)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

// eachStore runs fn against every Store implementation with a fresh
// store and a fake clock starting at t0.
func eachStore(t *testing.T, tweak func(*insights.Options), fn func(t *testing.T, s insights.Store, clock *fakeClock)) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{t: t0}
			opts := insights.DefaultOptions()
			opts.Clock = clock.Now
			if tweak != nil {
				tweak(&opts)
			}
			fn(t, newStore(t, opts), clock)
		})
	}
}

func detection(code, agent, key string, sev models.Severity, at time.Time) models.Insight {
	return models.Insight{
		Code:           code,
		Category:       models.CategoryCost,
		Title:          code + " detected",
		Severity:       sev,
		AgentID:        models.StrPtr(agent),
		Description:    "test detection",
		Recommendation: "do something",
		Evidence:       map[string]interface{}{"ratio": 2.33},
		Impact:         models.Impact{EstimatedMonthlySavingsUSD: 10, Confidence: 0.9},
		LastDetectedAt: at,
		MatchKey:       key,
	}
}

func mustRecord(t *testing.T, s insights.Store, det models.Insight) insights.Result {
	t.Helper()
	res, err := s.Record(context.Background(), det, 0)
	require.NoError(t, err)
	return res
}

// ── Dedup ───────────────────────────────────────────────────

func TestRecord_DedupWithinCooldown(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s insights.Store, clock *fakeClock) {
		ctx := context.Background()
		first := mustRecord(t, s, detection("INS-C03", "", "hourly", models.SeverityHigh, t0))
		require.Equal(t, insights.OutcomeCreated, first.Outcome)
		require.NotEmpty(t, first.Insight.ID)

		second := mustRecord(t, s, detection("INS-C03", "", "hourly", models.SeverityHigh, t0.Add(30*time.Minute)))
		assert.Equal(t, insights.OutcomeBumped, second.Outcome)
		assert.Equal(t, first.Insight.ID, second.Insight.ID)

		all, err := s.List(ctx, models.InsightFilter{})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, 2, all[0].Occurrences)
		assert.Equal(t, t0, all[0].FirstDetectedAt)
		assert.Equal(t, t0.Add(30*time.Minute), all[0].LastDetectedAt)
		assert.Nil(t, all[0].AgentID)
	})
}

func TestRecord_OccurrencesStrictlyIncrease(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s insights.Store, clock *fakeClock) {
		var id string
		for i := 0; i < 5; i++ {
			res := mustRecord(t, s, detection("INS-C01", "a1", "plan", models.SeverityMedium, t0.Add(time.Duration(i)*time.Hour)))
			if id == "" {
				id = res.Insight.ID
			}
			assert.Equal(t, id, res.Insight.ID)
			assert.Equal(t, i+1, res.Insight.Occurrences)
		}
	})
}

func TestRecord_NewRecordAfterCooldown(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s insights.Store, clock *fakeClock) {
		first := mustRecord(t, s, detection("INS-C03", "", "hourly", models.SeverityHigh, t0))
		later := mustRecord(t, s, detection("INS-C03", "", "hourly", models.SeverityHigh, t0.Add(7*time.Hour)))
		assert.Equal(t, insights.OutcomeCreated, later.Outcome)
		assert.NotEqual(t, first.Insight.ID, later.Insight.ID)
	})
}

func TestRecord_PerAnalyzerCooldown(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s insights.Store, clock *fakeClock) {
		ctx := context.Background()
		_, err := s.Record(ctx, detection("INS-R02", "a", "stuck", models.SeverityHigh, t0), time.Hour)
		require.NoError(t, err)
		res, err := s.Record(ctx, detection("INS-R02", "a", "stuck", models.SeverityHigh, t0.Add(2*time.Hour)), time.Hour)
		require.NoError(t, err)
		assert.Equal(t, insights.OutcomeCreated, res.Outcome)
	})
}

func TestRecord_DistinctKeysDoNotCollide(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s insights.Store, clock *fakeClock) {
		mustRecord(t, s, detection("INS-C01", "a1", "plan", models.SeverityMedium, t0))
		mustRecord(t, s, detection("INS-C01", "a2", "plan", models.SeverityMedium, t0))
		mustRecord(t, s, detection("INS-C01", "a1", "summarize", models.SeverityMedium, t0))
		all, err := s.List(context.Background(), models.InsightFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestRecord_EscalatesSeverity(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s insights.Store, clock *fakeClock) {
		mustRecord(t, s, detection("INS-C03", "", "hourly", models.SeverityHigh, t0))
		res := mustRecord(t, s, detection("INS-C03", "", "hourly", models.SeverityCritical, t0.Add(time.Minute)))
		assert.True(t, res.Escalated)
		assert.Equal(t, models.SeverityCritical, res.Insight.Severity)

		// A lower severity never downgrades the record.
		res = mustRecord(t, s, detection("INS-C03", "", "hourly", models.SeverityHigh, t0.Add(2*time.Minute)))
		assert.False(t, res.Escalated)
		assert.Equal(t, models.SeverityCritical, res.Insight.Severity)
	})
}

func TestRecord_DismissedRecordAbsorbsWithoutReactivating(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s insights.Store, clock *fakeClock) {
		ctx := context.Background()
		first := mustRecord(t, s, detection("INS-C03", "", "hourly", models.SeverityHigh, t0))
		_, err := s.Dismiss(ctx, first.Insight.ID, "ops")
		require.NoError(t, err)

		res := mustRecord(t, s, detection("INS-C03", "", "hourly", models.SeverityCritical, t0.Add(time.Hour)))
		assert.Equal(t, insights.OutcomeBumped, res.Outcome)
		assert.Equal(t, models.StatusDismissed, res.Insight.Status)
		assert.False(t, res.Escalated)
	})
}

// ── Suppression ─────────────────────────────────────────────

func TestDismissPermanently_SuppressesForever(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s insights.Store, clock *fakeClock) {
		ctx := context.Background()
		first := mustRecord(t, s, detection("INS-C01", "a1", "plan", models.SeverityMedium, t0))

		got, err := s.DismissPermanently(ctx, first.Insight.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, models.StatusPermanentlyDismissed, got.Status)
		require.NotNil(t, got.DismissedBy)
		assert.Equal(t, "alice", *got.DismissedBy)

		res := mustRecord(t, s, detection("INS-C01", "a1", "plan", models.SeverityHigh, t0.Add(time.Minute)))
		assert.Equal(t, insights.OutcomeSuppressed, res.Outcome)
		assert.Nil(t, res.Insight)

		// The record expires on the dismissed TTL; the rule does not.
		clock.Advance(8 * 24 * time.Hour)
		sweep, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, sweep.Expired)
		_, err = s.Get(ctx, first.Insight.ID)
		var nf *insights.ErrNotFound
		assert.True(t, errors.As(err, &nf))

		res = mustRecord(t, s, detection("INS-C01", "a1", "plan", models.SeverityHigh, clock.Now()))
		assert.Equal(t, insights.OutcomeSuppressed, res.Outcome)

		rules, err := s.ListSuppressions(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "INS-C01", rules[0].Code)
		assert.Equal(t, "a1", rules[0].AgentID)
		assert.Equal(t, "plan", rules[0].MatchKey)
		assert.Equal(t, "alice", rules[0].SuppressedBy)

		// Other keys are unaffected.
		res = mustRecord(t, s, detection("INS-C01", "a2", "plan", models.SeverityHigh, clock.Now()))
		assert.Equal(t, insights.OutcomeCreated, res.Outcome)
	})
}

// ── Retention ───────────────────────────────────────────────

func TestSweep_StatusTTLs(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s insights.Store, clock *fakeClock) {
		ctx := context.Background()
		active := mustRecord(t, s, detection("INS-A", "", "k", models.SeverityLow, t0)).Insight
		dismissed := mustRecord(t, s, detection("INS-D", "", "k", models.SeverityLow, t0)).Insight
		resolved := mustRecord(t, s, detection("INS-R", "", "k", models.SeverityLow, t0)).Insight

		_, err := s.Dismiss(ctx, dismissed.ID, "ops")
		require.NoError(t, err)
		_, err = s.Resolve(ctx, resolved.ID, "ops")
		require.NoError(t, err)

		clock.Advance(7*24*time.Hour - time.Second)
		res, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Expired)

		clock.Advance(time.Second)
		res, err = s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Expired)
		_, err = s.Get(ctx, dismissed.ID)
		assert.Error(t, err)

		clock.Advance(23 * 24 * time.Hour)
		res, err = s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Expired)
		_, err = s.Get(ctx, resolved.ID)
		assert.Error(t, err)

		clock.Advance(365 * 24 * time.Hour)
		res, err = s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Expired)
		assert.Equal(t, 1, res.Total)
		_, err = s.Get(ctx, active.ID)
		assert.NoError(t, err)
	})
}

func TestSweep_RedismissRestartsClock(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s insights.Store, clock *fakeClock) {
		ctx := context.Background()
		rec := mustRecord(t, s, detection("INS-D", "", "k", models.SeverityLow, t0)).Insight
		_, err := s.Dismiss(ctx, rec.ID, "ops")
		require.NoError(t, err)

		clock.Advance(6 * 24 * time.Hour)
		_, err = s.Dismiss(ctx, rec.ID, "ops")
		require.NoError(t, err)

		clock.Advance(2 * 24 * time.Hour)
		res, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Expired)
	})
}

// ── Hard cap ────────────────────────────────────────────────

func TestRecord_HardCapEvictsOldestDismissedFirst(t *testing.T) {
	eachStore(t, func(o *insights.Options) { o.MaxRecords = 5 }, func(t *testing.T, s insights.Store, clock *fakeClock) {
		ctx := context.Background()
		ids := make([]string, 5)
		for i := range ids {
			ids[i] = mustRecord(t, s, detection(fmt.Sprintf("INS-%d", i), "", "k", models.SeverityLow, t0)).Insight.ID
		}

		clock.Advance(time.Hour)
		_, err := s.Resolve(ctx, ids[0], "ops")
		require.NoError(t, err)
		clock.Advance(time.Minute)
		_, err = s.Dismiss(ctx, ids[1], "ops")
		require.NoError(t, err)
		clock.Advance(time.Minute)
		_, err = s.Dismiss(ctx, ids[3], "ops")
		require.NoError(t, err)

		res := mustRecord(t, s, detection("INS-NEW", "", "k", models.SeverityHigh, clock.Now()))
		assert.Equal(t, insights.OutcomeCreated, res.Outcome)
		assert.Equal(t, 1, res.Evicted)

		_, err = s.Get(ctx, ids[1])
		assert.Error(t, err, "oldest dismissed record is evicted first")
		for _, id := range []string{ids[0], ids[2], ids[3], ids[4], res.Insight.ID} {
			_, err := s.Get(ctx, id)
			assert.NoError(t, err)
		}

		// Next overflow takes the remaining dismissed record before the resolved one.
		res = mustRecord(t, s, detection("INS-NEW2", "", "k", models.SeverityHigh, clock.Now()))
		assert.Equal(t, 1, res.Evicted)
		_, err = s.Get(ctx, ids[3])
		assert.Error(t, err)
		_, err = s.Get(ctx, ids[0])
		assert.NoError(t, err)
	})
}

func TestRecord_CapacityOverflowKeepsActive(t *testing.T) {
	eachStore(t, func(o *insights.Options) { o.MaxRecords = 2 }, func(t *testing.T, s insights.Store, clock *fakeClock) {
		ctx := context.Background()
		mustRecord(t, s, detection("INS-1", "", "k", models.SeverityLow, t0))
		mustRecord(t, s, detection("INS-2", "", "k", models.SeverityLow, t0))

		res, err := s.Record(ctx, detection("INS-3", "", "k", models.SeverityLow, t0), 0)
		var capErr *insights.CapacityError
		require.True(t, errors.As(err, &capErr))
		assert.Equal(t, 3, capErr.Count)
		assert.Equal(t, 2, capErr.Cap)
		assert.Equal(t, insights.OutcomeCreated, res.Outcome)

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, counts[models.StatusActive])

		_, err = s.Sweep(ctx)
		assert.True(t, errors.As(err, &capErr))
	})
}

// ── Recurrence ──────────────────────────────────────────────

func TestRecord_RecurrenceAfterResolve(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s insights.Store, clock *fakeClock) {
		ctx := context.Background()
		first := mustRecord(t, s, detection("INS-P01", "a", "model:m1", models.SeverityMedium, t0)).Insight
		clock.Advance(time.Hour)
		_, err := s.Resolve(ctx, first.ID, "ops")
		require.NoError(t, err)

		// Resolved records never absorb; the regression gets its own record.
		res := mustRecord(t, s, detection("INS-P01", "a", "model:m1", models.SeverityMedium, clock.Now()))
		assert.Equal(t, insights.OutcomeCreated, res.Outcome)
		assert.NotEqual(t, first.ID, res.Insight.ID)
		assert.Equal(t, true, res.Insight.Evidence[insights.EvidenceRecurrence])
		assert.Equal(t, t0.Add(time.Hour).Format(time.RFC3339), res.Insight.Evidence[insights.EvidencePreviouslyResolvedAt])

		// The annotation survives later bumps.
		bumped := mustRecord(t, s, detection("INS-P01", "a", "model:m1", models.SeverityMedium, clock.Now().Add(time.Minute)))
		assert.Equal(t, true, bumped.Insight.Evidence[insights.EvidenceRecurrence])
	})
}

// ── Queries ─────────────────────────────────────────────────

func TestList_FiltersAndSummary(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s insights.Store, clock *fakeClock) {
		ctx := context.Background()
		mustRecord(t, s, detection("INS-H", "a1", "k", models.SeverityHigh, t0))
		mustRecord(t, s, detection("INS-M", "a1", "k", models.SeverityMedium, t0))
		mustRecord(t, s, detection("INS-L", "a2", "k", models.SeverityLow, t0))
		gone := mustRecord(t, s, detection("INS-X", "a2", "k", models.SeverityHigh, t0)).Insight
		_, err := s.Dismiss(ctx, gone.ID, "ops")
		require.NoError(t, err)

		got, err := s.List(ctx, models.InsightFilter{Status: models.StatusActive, MinSeverity: models.SeverityHigh})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "INS-H", got[0].Code)

		got, err = s.List(ctx, models.InsightFilter{Status: models.StatusActive, MinSeverity: models.SeverityMedium})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "INS-H", got[0].Code, "ordered by severity")

		got, err = s.List(ctx, models.InsightFilter{AgentID: "a2"})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = s.List(ctx, models.InsightFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, got, 1)

		sum, err := s.Summary(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 3, sum.TotalActive)
		assert.Equal(t, 1, sum.BySeverity[models.SeverityHigh])
		assert.Equal(t, 0, sum.BySeverity[models.SeverityCritical])
		assert.Equal(t, 3, sum.ByCategory[models.CategoryCost])

		sum, err = s.Summary(ctx, "a2")
		require.NoError(t, err)
		assert.Equal(t, 1, sum.TotalActive)
	})
}

func TestMutations_Errors(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s insights.Store, clock *fakeClock) {
		ctx := context.Background()
		_, err := s.Dismiss(ctx, "missing", "ops")
		var nf *insights.ErrNotFound
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, "insight", nf.Entity)

		rec := mustRecord(t, s, detection("INS-C01", "a", "k", models.SeverityLow, t0)).Insight
		_, err = s.DismissPermanently(ctx, rec.ID, "ops")
		require.NoError(t, err)
		_, err = s.Resolve(ctx, rec.ID, "ops")
		assert.ErrorIs(t, err, insights.ErrInvalidTransition)
		_, err = s.Dismiss(ctx, rec.ID, "ops")
		assert.ErrorIs(t, err, insights.ErrInvalidTransition)

		// Permanent dismissal is idempotent.
		_, err = s.DismissPermanently(ctx, rec.ID, "ops")
		require.NoError(t, err)
		rules, err := s.ListSuppressions(ctx)
		require.NoError(t, err)
		assert.Len(t, rules, 1)
	})
}

func TestMutations_ConcurrentSameRecord(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s insights.Store, clock *fakeClock) {
		ctx := context.Background()
		rec := mustRecord(t, s, detection("INS-C01", "a", "k", models.SeverityLow, t0)).Insight

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					_, _ = s.Dismiss(ctx, rec.ID, "even")
				} else {
					_, _ = s.Resolve(ctx, rec.ID, "odd")
				}
			}(i)
		}
		wg.Wait()

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Contains(t, []models.Status{models.StatusDismissed, models.StatusResolved}, got.Status)
		require.NotNil(t, got.DismissedBy)
		assert.Contains(t, []string{"even", "odd"}, *got.DismissedBy)
		assert.Equal(t, 1, got.Occurrences)
	})
}
