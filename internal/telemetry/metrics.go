package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the analysis and maintenance path.
type Metrics struct {
	TicksTotal              prometheus.Counter
	TickDuration            prometheus.Histogram
	AnalyzerRuns            *prometheus.CounterVec // labels: code, result
	AnalyzerDuration        *prometheus.HistogramVec
	RecordsTotal            *prometheus.CounterVec // labels: outcome
	StoreRecords            *prometheus.GaugeVec   // labels: status
	CapacityOverflowTotal   prometheus.Counter
	IndexEvents             prometheus.Gauge
	IndexRebuildFailures    prometheus.Counter
	EventsPrunedTotal       prometheus.Counter
	AlertsEmittedTotal      *prometheus.CounterVec // labels: sink
	AnalyzerWatchdogTripped *prometheus.CounterVec // labels: code

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers the engine collectors. Tests pass a
// fresh prometheus.NewRegistry so runs do not collide on the global one.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "insights_ticks_total",
			Help: "Maintenance ticks executed",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "insights_tick_duration_seconds",
			Help:    "Wall time of one maintenance tick",
			Buckets: prometheus.DefBuckets,
		}),
		AnalyzerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_analyzer_runs_total",
			Help: "Analyzer invocations by result (ok, error, panic)",
		}, []string{"code", "result"}),
		AnalyzerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insights_analyzer_duration_seconds",
			Help:    "Analyzer execution time",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"code"}),
		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_records_total",
			Help: "Detections gated through the store by outcome",
		}, []string{"outcome"}),
		StoreRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "insights_store_records",
			Help: "Stored insight records by status",
		}, []string{"status"}),
		CapacityOverflowTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "insights_capacity_overflow_total",
			Help: "Times the store stayed over its cap with only active records",
		}),
		IndexEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "insights_index_events",
			Help: "Events held by the event index",
		}),
		IndexRebuildFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "insights_index_rebuild_failures_total",
			Help: "Index rebuilds that failed and kept the last known good index",
		}),
		EventsPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "insights_events_pruned_total",
			Help: "Events deleted by the retention pass",
		}),
		AlertsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_alerts_emitted_total",
			Help: "Alert triggers handed to sinks",
		}, []string{"sink"}),
		AnalyzerWatchdogTripped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_analyzer_watchdog_total",
			Help: "Analyzer invocations that outlived the watchdog",
		}, []string{"code"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TickDuration,
		m.AnalyzerRuns,
		m.AnalyzerDuration,
		m.RecordsTotal,
		m.StoreRecords,
		m.CapacityOverflowTotal,
		m.IndexEvents,
		m.IndexRebuildFailures,
		m.EventsPrunedTotal,
		m.AlertsEmittedTotal,
		m.AnalyzerWatchdogTripped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// NewTestMetrics returns metrics bound to a private registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
