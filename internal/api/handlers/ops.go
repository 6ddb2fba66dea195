package handlers

import (
	"context"
	"net/http"

	"github.com/agentoven/agentoven/insights/internal/alerts"
	"github.com/agentoven/agentoven/insights/internal/api/middleware"
	"github.com/agentoven/agentoven/insights/pkg/models"
)

// RunMaintenance runs one tick synchronously. It waits for a tick already
// in progress, so ticks still never overlap. A client disconnect does not
// cut the tick short.
func (h *Handlers) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Sequencer.Tick(context.WithoutCancel(r.Context())))
}

// GetMaintenance returns the report of the last tick.
func (h *Handlers) GetMaintenance(w http.ResponseWriter, r *http.Request) {
	last, ok := h.Sequencer.Last()
	if !ok {
		respondJSON(w, http.StatusOK, map[string]interface{}{"last": nil, "index": h.Index.Stats()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"last":      last,
		"index":     h.Index.Stats(),
		"last_runs": h.Runner.LastRuns(),
	})
}

func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	recent := []models.AlertTrigger{}
	if h.Recent != nil {
		recent = h.Recent.Recent()
	}
	rules := []alerts.Rule{}
	if h.Dispatcher != nil {
		rules = h.Dispatcher.Rules()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": recent, "rules": rules})
}

// GetThresholds returns the effective thresholds for the caller's tenant.
func (h *Handlers) GetThresholds(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenant":    tenant,
		"analyzers": h.Runner.Effective(tenant),
	})
}
