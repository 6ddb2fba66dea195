// Package index maintains the read-optimized view of the event set that
// analyzers consume. Events are bucketed by event_type and, for custom
// events, additionally by "custom:<payload.kind>" so kind-specific analyzers
// never scan unrelated custom traffic.
//
// Buckets are kept in timestamp order. A bucket slice is never modified in
// place below its length: appends may grow it, and out-of-order inserts
// replace it with a fresh slice. That is what lets Snapshot hand out
// length-capped views without copying events.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/agentoven/insights/pkg/contracts"
	"github.com/agentoven/agentoven/insights/pkg/models"
)

// ErrStale is returned when a rebuild could not read the canonical event
// set. The previous index stays in service.
var ErrStale = errors.New("event index is stale")

const customPrefix = "custom:"

// KindKey returns the compound bucket key for a custom payload kind.
func KindKey(kind string) string {
	return customPrefix + kind
}

// Stats describes the current index state.
type Stats struct {
	Events     int       `json:"events"`
	Buckets    int       `json:"buckets"`
	BuiltAt    time.Time `json:"built_at"`
	Generation uint64    `json:"generation"`
	Stale      bool      `json:"stale"`
	LastError  string    `json:"last_error,omitempty"`
}

// Index is safe for concurrent use by one ingest path and one maintenance path.
type Index struct {
	mu         sync.RWMutex
	buckets    map[string][]models.Event
	total      int
	builtAt    time.Time
	generation uint64
	stale      bool
	lastErr    error
	// ids holds every indexed event id of the current generation.
	ids map[string]struct{}

	// Inserts that land while a rebuild is reading the source are replayed
	// onto the rebuilt buckets.
	rebuilding bool
	pending    []models.Event

	rebuildMu sync.Mutex
}

// New creates an empty index.
func New() *Index {
	return &Index{
		buckets: make(map[string][]models.Event),
		ids:     make(map[string]struct{}),
	}
}

// Appender is the write side of the event store.
type Appender interface {
	Append(ctx context.Context, events []models.Event) ([]models.Event, error)
}

// Ingest appends events to the store and indexes the stored copies. It is
// serialized with Rebuild, so a rebuild never observes the store write
// without the matching index write.
func (ix *Index) Ingest(ctx context.Context, store Appender, events []models.Event) ([]models.Event, error) {
	ix.rebuildMu.Lock()
	defer ix.rebuildMu.Unlock()

	stored, err := store.Append(ctx, events)
	if err != nil {
		return nil, err
	}
	ix.Insert(stored...)
	return stored, nil
}

// Insert adds newly ingested events to their buckets. Events whose id is
// already indexed are skipped.
func (ix *Index) Insert(events ...models.Event) {
	if len(events) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, e := range events {
		if e.ID != "" {
			if _, dup := ix.ids[e.ID]; dup {
				continue
			}
			ix.ids[e.ID] = struct{}{}
		}
		ix.add(ix.buckets, e)
		ix.total++
		if ix.rebuilding {
			ix.pending = append(ix.pending, e)
		}
	}
}

func (ix *Index) add(buckets map[string][]models.Event, e models.Event) {
	buckets[string(e.Type)] = insertSorted(buckets[string(e.Type)], e)
	if e.Type == models.EventCustom {
		if kind := e.Kind(); kind != "" {
			k := KindKey(kind)
			buckets[k] = insertSorted(buckets[k], e)
		}
	}
}

// insertSorted appends in the common case. An out-of-order event produces
// a new backing array so existing snapshots never observe a shifted element.
func insertSorted(bucket []models.Event, e models.Event) []models.Event {
	n := len(bucket)
	if n == 0 || !e.Timestamp.Before(bucket[n-1].Timestamp) {
		return append(bucket, e)
	}
	pos := sort.Search(n, func(i int) bool {
		return bucket[i].Timestamp.After(e.Timestamp)
	})
	out := make([]models.Event, 0, n+1)
	out = append(out, bucket[:pos]...)
	out = append(out, e)
	out = append(out, bucket[pos:]...)
	return out
}

// Rebuild recomputes every bucket from the canonical event set. On a read
// failure the last-known-good buckets stay in place and ErrStale is
// returned; a partially read event set is never installed.
func (ix *Index) Rebuild(ctx context.Context, src contracts.EventSource) error {
	ix.rebuildMu.Lock()
	defer ix.rebuildMu.Unlock()

	ix.mu.Lock()
	ix.rebuilding = true
	ix.pending = nil
	ix.mu.Unlock()

	events, err := src.ListEvents(ctx)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.rebuilding = false
	pending := ix.pending
	ix.pending = nil

	if err != nil {
		ix.stale = true
		ix.lastErr = err
		return fmt.Errorf("%w: %w", ErrStale, err)
	}

	buckets := make(map[string][]models.Event)
	seen := make(map[string]struct{}, len(events))
	total := 0
	for _, e := range events {
		ix.add(buckets, e)
		if e.ID != "" {
			seen[e.ID] = struct{}{}
		}
		total++
	}
	for _, e := range pending {
		if e.ID != "" {
			if _, ok := seen[e.ID]; ok {
				continue
			}
			seen[e.ID] = struct{}{}
		}
		ix.add(buckets, e)
		total++
	}

	ix.buckets = buckets
	ix.ids = seen
	ix.total = total
	ix.builtAt = time.Now().UTC()
	ix.generation++
	ix.stale = false
	ix.lastErr = nil
	return nil
}

// Snapshot returns a consistent read-only view for one tick. now is the
// reference time analyzers use for their windows.
func (ix *Index) Snapshot(now time.Time) *Snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	buckets := make(map[string][]models.Event, len(ix.buckets))
	for k, v := range ix.buckets {
		buckets[k] = v[:len(v):len(v)]
	}
	return &Snapshot{
		buckets:    buckets,
		total:      ix.total,
		now:        now,
		generation: ix.generation,
		stale:      ix.stale,
	}
}

// Stats returns the current index state.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s := Stats{
		Events:     ix.total,
		Buckets:    len(ix.buckets),
		BuiltAt:    ix.builtAt,
		Generation: ix.generation,
		Stale:      ix.stale,
	}
	if ix.lastErr != nil {
		s.LastError = ix.lastErr.Error()
	}
	return s
}

// Snapshot is an immutable view of the index. Slices it returns share
// storage with the index and must not be modified.
type Snapshot struct {
	buckets    map[string][]models.Event
	total      int
	now        time.Time
	generation uint64
	stale      bool
}

// ByType returns events of one event_type in timestamp order.
func (s *Snapshot) ByType(t models.EventType) []models.Event {
	return s.buckets[string(t)]
}

// ByKind returns custom events with the given payload.kind in timestamp order.
func (s *Snapshot) ByKind(kind string) []models.Event {
	return s.buckets[KindKey(kind)]
}

// Now is the reference time of the tick that took the snapshot.
func (s *Snapshot) Now() time.Time { return s.now }

// Len is the number of indexed events.
func (s *Snapshot) Len() int { return s.total }

// Generation identifies the rebuild the snapshot was taken from.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Stale reports whether the last rebuild failed.
func (s *Snapshot) Stale() bool { return s.stale }
