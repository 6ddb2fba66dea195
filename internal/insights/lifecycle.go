package insights

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

// Evidence keys written by the store rather than by analyzers.
const (
	EvidenceRecurrence           = "recurrence"
	EvidencePreviouslyResolvedAt = "previously_resolved_at"
)

// prepare normalizes a fresh detection before it is matched or stored.
func prepare(det *models.Insight, now time.Time) {
	if det.LastDetectedAt.IsZero() {
		det.LastDetectedAt = now
	}
	det.LastDetectedAt = det.LastDetectedAt.UTC()
	det.FirstDetectedAt = det.LastDetectedAt
	det.Occurrences = 1
	det.Status = models.StatusActive
	det.DismissedAt = nil
	det.DismissedBy = nil
	if det.Evidence == nil {
		det.Evidence = map[string]interface{}{}
	}
}

// absorbs reports whether rec is the live record a detection at `at`
// should bump. Resolved records never absorb: a detection after resolve is
// a recurrence and gets its own record.
func absorbs(rec *models.Insight, key models.DedupKey, at time.Time, cooldown time.Duration) bool {
	if rec.Key() != key {
		return false
	}
	if rec.Status != models.StatusActive && rec.Status != models.StatusDismissed {
		return false
	}
	d := at.Sub(rec.LastDetectedAt)
	if d < 0 {
		d = -d
	}
	return d <= cooldown
}

// bump folds a repeat detection into rec. The status is left alone. It
// returns true when the severity of an active record rose.
func bump(rec *models.Insight, det *models.Insight) bool {
	rec.Occurrences++
	if det.LastDetectedAt.After(rec.LastDetectedAt) {
		rec.LastDetectedAt = det.LastDetectedAt
	}
	rec.Description = det.Description
	rec.Impact = det.Impact

	evidence := make(map[string]interface{}, len(det.Evidence)+2)
	for k, v := range det.Evidence {
		evidence[k] = v
	}
	for _, k := range []string{EvidenceRecurrence, EvidencePreviouslyResolvedAt} {
		if v, ok := rec.Evidence[k]; ok {
			evidence[k] = v
		}
	}
	rec.Evidence = evidence

	if det.Severity.Rank() > rec.Severity.Rank() {
		rec.Severity = det.Severity
		return rec.Status == models.StatusActive
	}
	return false
}

func annotateRecurrence(det *models.Insight, resolvedAt time.Time) {
	det.Evidence[EvidenceRecurrence] = true
	det.Evidence[EvidencePreviouslyResolvedAt] = resolvedAt.UTC().Format(time.RFC3339)
}

// transition applies a user mutation. Each transition stamps dismissed_at
// and dismissed_by, which also restarts the record's retention clock.
func transition(rec *models.Insight, to models.Status, actor string, now time.Time) error {
	from := rec.Status
	switch to {
	case models.StatusDismissed, models.StatusResolved:
		if from == models.StatusPermanentlyDismissed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
	case models.StatusPermanentlyDismissed:
	default:
		return fmt.Errorf("%w: unknown target %q", ErrInvalidTransition, to)
	}
	rec.Status = to
	at := now
	rec.DismissedAt = &at
	rec.DismissedBy = models.StrPtr(actor)
	return nil
}

// ttlAnchor is the start of a record's inactivity clock.
func ttlAnchor(rec *models.Insight) time.Time {
	if rec.DismissedAt != nil && rec.DismissedAt.After(rec.LastDetectedAt) {
		return *rec.DismissedAt
	}
	return rec.LastDetectedAt
}

func isDismissed(s models.Status) bool {
	return s == models.StatusDismissed || s == models.StatusPermanentlyDismissed
}

// expired reports whether rec's retention TTL has elapsed. Active records
// never expire.
func expired(rec *models.Insight, now time.Time, o Options) bool {
	switch {
	case isDismissed(rec.Status):
		return !now.Before(ttlAnchor(rec).Add(o.DismissedTTL))
	case rec.Status == models.StatusResolved:
		return !now.Before(ttlAnchor(rec).Add(o.ResolvedTTL))
	}
	return false
}

// evictionOrder returns the records eligible for cap eviction, oldest
// dismissed first, then oldest resolved.
func evictionOrder(records []*models.Insight) []*models.Insight {
	var out []*models.Insight
	for _, r := range records {
		if r.Status != models.StatusActive {
			out = append(out, r)
		}
	}
	group := func(r *models.Insight) int {
		if r.Status == models.StatusResolved {
			return 1
		}
		return 0
	}
	sort.Slice(out, func(i, j int) bool {
		gi, gj := group(out[i]), group(out[j])
		if gi != gj {
			return gi < gj
		}
		ai, aj := ttlAnchor(out[i]), ttlAnchor(out[j])
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// sortForDisplay orders by severity, then most recently detected.
func sortForDisplay(list []models.Insight) {
	sort.SliceStable(list, func(i, j int) bool {
		ri, rj := list[i].Severity.Rank(), list[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		if !list[i].LastDetectedAt.Equal(list[j].LastDetectedAt) {
			return list[i].LastDetectedAt.After(list[j].LastDetectedAt)
		}
		return list[i].ID < list[j].ID
	})
}
