// Package eventstore is the in-process event store used when the insights
// engine runs alongside its producers. It keeps events in timestamp order
// and deletes them only when the maintenance sequencer asks it to prune.
package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/agentoven/insights/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MemoryStore is an append-only, timestamp-ordered event log.
type MemoryStore struct {
	mu     sync.RWMutex
	events []models.Event
}

// NewMemoryStore creates an empty event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores events, assigning ids and timestamps where missing.
// Late arrivals are merged into timestamp order.
func (m *MemoryStore) Append(_ context.Context, events []models.Event) ([]models.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	stored := make([]models.Event, len(events))
	for i, e := range events {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		e.Timestamp = e.Timestamp.UTC()
		stored[i] = e
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inOrder := len(m.events) == 0 || !stored[0].Timestamp.Before(m.events[len(m.events)-1].Timestamp)
	m.events = append(m.events, stored...)
	if !inOrder || !sort.SliceIsSorted(stored, func(i, j int) bool {
		return stored[i].Timestamp.Before(stored[j].Timestamp)
	}) {
		sort.SliceStable(m.events, func(i, j int) bool {
			return m.events[i].Timestamp.Before(m.events[j].Timestamp)
		})
	}
	return stored, nil
}

// ListEvents returns a copy of every retained event in timestamp order.
func (m *MemoryStore) ListEvents(_ context.Context) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Event, len(m.events))
	copy(out, m.events)
	return out, nil
}

// Prune removes events older than cutoff.
func (m *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	idx := sort.Search(len(m.events), func(i int) bool {
		return !m.events[i].Timestamp.Before(cutoff)
	})
	if idx > 0 {
		remaining := make([]models.Event, len(m.events)-idx)
		copy(remaining, m.events[idx:])
		m.events = remaining
	}
	m.mu.Unlock()

	if idx > 0 {
		log.Debug().Int("pruned", idx).Time("cutoff", cutoff).Msg("Pruned expired events")
	}
	return idx, nil
}

// Len returns the number of retained events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
