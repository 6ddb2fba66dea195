// Package api assembles the HTTP surface of the insights engine.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentoven/agentoven/insights/internal/api/handlers"
	"github.com/agentoven/agentoven/insights/internal/api/middleware"
	"github.com/agentoven/agentoven/insights/internal/config"
)

const serviceName = "agentoven-insights"

// NewRouter creates the HTTP router with all API routes. metrics may be nil.
func NewRouter(cfg *config.Config, h *handlers.Handlers, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.TenantExtractor(cfg.Tenant))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Tenant", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(h))
	r.Get("/version", versionHandler(cfg))
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", h.IngestEvents)

		r.Route("/insights", func(r chi.Router) {
			r.Get("/", h.ListInsights)
			r.Route("/{insightID}", func(r chi.Router) {
				r.Get("/", h.GetInsight)
				r.Post("/dismiss", h.DismissInsight)
				r.Post("/dismiss-permanently", h.DismissInsightPermanently)
				r.Post("/resolve", h.ResolveInsight)
			})
		})

		r.Get("/suppressions", h.ListSuppressions)
		r.Get("/alerts", h.ListAlerts)
		r.Get("/thresholds", h.GetThresholds)

		r.Route("/maintenance", func(r chi.Router) {
			r.Get("/", h.GetMaintenance)
			r.Post("/run", h.RunMaintenance)
		})
	})

	return r
}

func healthHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		storeStatus := "ok"
		if err := h.Store.Ping(r.Context()); err != nil {
			status, code, storeStatus = "degraded", http.StatusServiceUnavailable, err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  status,
			"service": serviceName,
			"store":   storeStatus,
			"index":   h.Index.Stats(),
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": serviceName,
		})
	}
}
