// Package server provides the public entry point for initializing the
// AgentOven insights engine.
//
// This package exists in pkg/ (not internal/) so that hosts embedding the
// engine next to their own producers can compose it without the binary.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	go srv.Sequencer.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/insights/internal/alerts"
	"github.com/agentoven/agentoven/insights/internal/analyzer"
	"github.com/agentoven/agentoven/insights/internal/api"
	"github.com/agentoven/agentoven/insights/internal/api/handlers"
	"github.com/agentoven/agentoven/insights/internal/config"
	"github.com/agentoven/agentoven/insights/internal/eventstore"
	"github.com/agentoven/agentoven/insights/internal/index"
	"github.com/agentoven/agentoven/insights/internal/insights"
	"github.com/agentoven/agentoven/insights/internal/maintenance"
	"github.com/agentoven/agentoven/insights/internal/runner"
	"github.com/agentoven/agentoven/insights/internal/telemetry"
	"github.com/agentoven/agentoven/insights/pkg/contracts"
)

const (
	// recentAlerts is how many triggers the in-memory sink keeps for /v1/alerts.
	recentAlerts = 200

	// webhookQueue bounds triggers waiting on the webhook worker.
	webhookQueue = 256

	alertDrainTimeout = 10 * time.Second
)

// Server holds the initialized insights engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store holds insight records and suppression rules.
	Store insights.Store

	// Events is the in-process event store producers append to.
	Events *eventstore.MemoryStore

	// Index is the read-optimized view analyzers run against.
	Index *index.Index

	// Sequencer drives the maintenance tick. The caller starts it.
	Sequencer *maintenance.Sequencer

	// Config is the server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error

	dispatcher *alerts.Dispatcher
}

// New initializes every engine component from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	thresholds, err := config.LoadThresholds(cfg.ThresholdsFile)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	log.Info().Str("driver", cfg.Store.Driver).Msg("✅ Insight store initialized")

	events := eventstore.NewMemoryStore()
	ix := index.New()
	if err := ix.Rebuild(ctx, events); err != nil {
		log.Warn().Err(err).Msg("Initial index build failed")
	}

	registry := analyzer.DefaultRegistry()
	log.Info().Strs("codes", registry.Codes()).Msg("✅ Analyzers registered")

	dispatcher, recent, err := buildDispatcher(cfg, thresholds, metrics)
	if err != nil {
		_ = store.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	run := runner.New(registry, store, runner.Options{
		Tenant:          cfg.Tenant,
		Thresholds:      thresholds,
		DefaultCooldown: cfg.Engine.DedupCooldown,
		Watchdog:        cfg.Engine.AnalyzerWatchdog,
		Notifier:        dispatcher,
		Metrics:         metrics,
	})
	seq := maintenance.NewSequencer(maintenance.Config{
		Index:     ix,
		Source:    events,
		Pruner:    events,
		Analysis:  run,
		Sweeper:   store,
		Interval:  cfg.Engine.TickInterval,
		Retention: cfg.Engine.EventRetention,
		Metrics:   metrics,
	})
	log.Info().Dur("interval", cfg.Engine.TickInterval).Dur("retention", cfg.Engine.EventRetention).
		Msg("✅ Maintenance sequencer initialized")

	h := handlers.New(events, ix, store, seq, run, dispatcher, recent)
	router := api.NewRouter(cfg, h, metrics.Handler())

	return &Server{
		Handler:      router,
		Store:        store,
		Events:       events,
		Index:        ix,
		Sequencer:    seq,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
		dispatcher:   dispatcher,
	}, nil
}

// Close drains queued alert sinks and flushes the insight store. Telemetry is
// flushed via ShutdownFunc.
func (s *Server) Close() error {
	if s.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), alertDrainTimeout)
		defer cancel()
		if err := s.dispatcher.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Alert sinks did not drain")
		}
	}
	return s.Store.Close()
}

// OpenStore opens the insight store selected by cfg.Store.Driver.
func OpenStore(ctx context.Context, cfg *config.Config) (insights.Store, error) {
	opts := insights.Options{
		MaxRecords:      cfg.Engine.MaxRecords,
		DefaultCooldown: cfg.Engine.DedupCooldown,
		DismissedTTL:    cfg.Engine.DismissedTTL,
		ResolvedTTL:     cfg.Engine.ResolvedTTL,
	}
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := insights.OpenSQLite(ctx, cfg.Store.DBPath, opts)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "memory", "":
		return insights.NewMemoryStore(opts, cfg.Store.DataDir), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildDispatcher(cfg *config.Config, thresholds *config.ThresholdTable, metrics *telemetry.Metrics) (*alerts.Dispatcher, *alerts.MemorySink, error) {
	rules, err := alerts.CompileRules(thresholds.Alerts)
	if err != nil {
		return nil, nil, fmt.Errorf("alert rules: %w", err)
	}
	recent := alerts.NewMemorySink(recentAlerts)
	sinks := []contracts.AlertSink{alerts.LogSink{}, recent}
	if cfg.Alerts.WebhookURL != "" {
		webhook := alerts.NewWebhookSink(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookSecret)
		sinks = append(sinks, alerts.NewQueuedSink(webhook, webhookQueue))
	}
	return alerts.NewDispatcher(rules, metrics, sinks...), recent, nil
}
