// Package contracts defines the interfaces at the boundary between the
// insights engine and the systems it collaborates with.
//
// The engine never reaches into an event store's internals: it reads the
// canonical event set through EventSource and asks for retention through
// EventPruner. Alert delivery is likewise someone else's job; the engine
// hands trigger records to an AlertSink and moves on.
package contracts

import (
	"context"
	"time"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

// ── Event Store ─────────────────────────────────────────────

// EventSource exposes the canonical, timestamp-ordered event set.
type EventSource interface {
	// ListEvents returns every retained event in timestamp order.
	ListEvents(ctx context.Context) ([]models.Event, error)
}

// EventPruner is the retention hook of the event store. Only the
// maintenance sequencer holds one.
type EventPruner interface {
	// Prune deletes events with a timestamp before cutoff and returns the
	// number of events removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// EventStore is the full collaborator: readable, appendable and prunable.
type EventStore interface {
	EventSource
	EventPruner

	// Append stores events and returns the stored copies (with ids assigned).
	Append(ctx context.Context, events []models.Event) ([]models.Event, error)
}

// ── Alert Delivery ──────────────────────────────────────────

// AlertSink delivers alert triggers. Webhook, email and chat fan-out live
// behind this interface.
type AlertSink interface {
	// Kind names the sink for logs and metrics.
	Kind() string

	// Deliver hands one trigger to the sink.
	Deliver(ctx context.Context, trigger models.AlertTrigger) error
}
