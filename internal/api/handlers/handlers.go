// Package handlers implements the HTTP handlers of the insights API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/insights/internal/alerts"
	"github.com/agentoven/agentoven/insights/internal/index"
	"github.com/agentoven/agentoven/insights/internal/insights"
	"github.com/agentoven/agentoven/insights/internal/maintenance"
	"github.com/agentoven/agentoven/insights/internal/runner"
	"github.com/agentoven/agentoven/insights/pkg/contracts"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Events     contracts.EventStore
	Index      *index.Index
	Store      insights.Store
	Sequencer  *maintenance.Sequencer
	Runner     *runner.Runner
	Dispatcher *alerts.Dispatcher
	Recent     *alerts.MemorySink
}

// New creates a new Handlers instance with all dependencies.
func New(events contracts.EventStore, ix *index.Index, store insights.Store, seq *maintenance.Sequencer, run *runner.Runner, d *alerts.Dispatcher, recent *alerts.MemorySink) *Handlers {
	return &Handlers{
		Events:     events,
		Index:      ix,
		Store:      store,
		Sequencer:  seq,
		Runner:     run,
		Dispatcher: d,
		Recent:     recent,
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps insight store errors onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	var nf *insights.ErrNotFound
	switch {
	case errors.As(err, &nf):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, insights.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("Insight store error")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
