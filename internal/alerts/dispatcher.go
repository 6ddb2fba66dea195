package alerts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/insights/internal/telemetry"
	"github.com/agentoven/agentoven/insights/pkg/contracts"
	"github.com/agentoven/agentoven/insights/pkg/models"
)

// Dispatcher evaluates alert rules and fans triggers out to sinks.
type Dispatcher struct {
	rules   []Rule
	sinks   []contracts.AlertSink
	metrics *telemetry.Metrics
	clock   func() time.Time
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(rules []Rule, metrics *telemetry.Metrics, sinks ...contracts.AlertSink) *Dispatcher {
	d := &Dispatcher{rules: rules, sinks: sinks, metrics: metrics, clock: time.Now}
	for _, s := range sinks {
		log.Info().Str("sink", s.Kind()).Msg("Registered alert sink")
	}
	return d
}

// Rules returns the compiled rules in evaluation order.
func (d *Dispatcher) Rules() []Rule {
	out := make([]Rule, len(d.rules))
	copy(out, d.rules)
	return out
}

// Notify emits one trigger for a created or escalated insight when a rule
// matches. Sinks are called concurrently and Notify waits for all of them,
// so slow sinks belong behind a QueuedSink. It reports whether at least one
// sink accepted the trigger.
func (d *Dispatcher) Notify(ctx context.Context, ins *models.Insight, escalated bool) (models.AlertTrigger, bool) {
	rule, ok := match(d.rules, ins)
	if !ok || len(d.sinks) == 0 {
		return models.AlertTrigger{}, false
	}

	trigger := models.AlertTrigger{
		InsightID:       ins.ID,
		Code:            ins.Code,
		Severity:        ins.Severity,
		CooldownSeconds: rule.CooldownSeconds(),
		AgentID:         ins.Agent(),
		Title:           ins.Title,
		Escalated:       escalated,
		EmittedAt:       d.clock().UTC(),
	}

	var (
		wg        sync.WaitGroup
		delivered int32
	)
	for _, sink := range d.sinks {
		wg.Add(1)
		go func(s contracts.AlertSink) {
			defer wg.Done()
			if err := s.Deliver(ctx, trigger); err != nil {
				log.Warn().Err(err).Str("sink", s.Kind()).Str("insight_id", ins.ID).Msg("Alert delivery failed")
				return
			}
			atomic.AddInt32(&delivered, 1)
			if d.metrics != nil {
				d.metrics.AlertsEmittedTotal.WithLabelValues(s.Kind()).Inc()
			}
		}(sink)
	}
	wg.Wait()

	if delivered == 0 {
		log.Warn().Str("insight_id", ins.ID).Str("code", ins.Code).Msg("Alert trigger not delivered to any sink")
		return trigger, false
	}
	log.Info().
		Str("insight_id", ins.ID).
		Str("code", ins.Code).
		Str("severity", string(ins.Severity)).
		Bool("escalated", escalated).
		Msg("Alert trigger emitted")
	return trigger, true
}

type stopper interface {
	Stop(ctx context.Context) error
}

// Close stops every queued sink, draining what it can before ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	var errs []error
	for _, s := range d.sinks {
		if st, ok := s.(stopper); ok {
			if err := st.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
