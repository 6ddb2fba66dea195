package alerts

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/insights/pkg/contracts"
	"github.com/agentoven/agentoven/insights/pkg/models"
)

// ErrQueueFull is returned when a queued sink cannot accept another trigger.
var ErrQueueFull = errors.New("alert queue full")

// ErrSinkStopped is returned for triggers offered after Stop.
var ErrSinkStopped = errors.New("alert sink stopped")

// QueuedSink hands triggers to a slow sink from a background worker so the
// caller never waits on delivery. Deliver only enqueues.
type QueuedSink struct {
	inner contracts.AlertSink
	queue chan models.AlertTrigger

	ctx    context.Context
	cancel context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewQueuedSink wraps inner with a queue of size triggers (64 when size <= 0)
// and starts its worker.
func NewQueuedSink(inner contracts.AlertSink, size int) *QueuedSink {
	if size <= 0 {
		size = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &QueuedSink{
		inner:  inner,
		queue:  make(chan models.AlertTrigger, size),
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *QueuedSink) Kind() string { return q.inner.Kind() }

// Deliver enqueues t without blocking.
func (q *QueuedSink) Deliver(_ context.Context, t models.AlertTrigger) error {
	select {
	case <-q.stopCh:
		return ErrSinkStopped
	default:
	}
	select {
	case q.queue <- t:
		return nil
	default:
		log.Warn().Str("sink", q.inner.Kind()).Str("insight_id", t.InsightID).Int("queued", len(q.queue)).
			Msg("Alert queue full, dropping trigger")
		return ErrQueueFull
	}
}

// Len returns the number of triggers waiting for delivery.
func (q *QueuedSink) Len() int { return len(q.queue) }

func (q *QueuedSink) run() {
	defer close(q.done)
	for {
		select {
		case t := <-q.queue:
			q.deliver(t)
		case <-q.stopCh:
			for {
				select {
				case t := <-q.queue:
					q.deliver(t)
				default:
					return
				}
			}
		}
	}
}

func (q *QueuedSink) deliver(t models.AlertTrigger) {
	if err := q.inner.Deliver(q.ctx, t); err != nil {
		log.Warn().Err(err).Str("sink", q.inner.Kind()).Str("insight_id", t.InsightID).Msg("Alert delivery failed")
	}
}

// Stop drains the queue. When ctx ends first, in-flight deliveries are
// canceled and ctx.Err() is returned.
func (q *QueuedSink) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stopCh) })
	select {
	case <-q.done:
		q.cancel()
		return nil
	case <-ctx.Done():
		log.Warn().Str("sink", q.inner.Kind()).Int("pending", len(q.queue)).Msg("Alert queue stop timed out")
		q.cancel()
		<-q.done
		return ctx.Err()
	}
}
