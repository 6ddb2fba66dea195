package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

const maxBatch = 5000

// ingestRequest is the body of POST /v1/events.
type ingestRequest struct {
	Events []models.Event `json:"events"`
}

func validateEvents(events []models.Event) error {
	if len(events) == 0 {
		return fmt.Errorf("events must not be empty")
	}
	if len(events) > maxBatch {
		return fmt.Errorf("batch of %d events exceeds limit %d", len(events), maxBatch)
	}
	for i, e := range events {
		if !e.Type.Valid() {
			return fmt.Errorf("events[%d]: unknown event_type %q", i, e.Type)
		}
		if e.AgentID == "" {
			return fmt.Errorf("events[%d]: agent_id is required", i)
		}
	}
	return nil
}

// IngestEvents appends a batch to the event store and the index in one step.
func (h *Handlers) IngestEvents(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := validateEvents(req.Events); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := h.Index.Ingest(r.Context(), h.Events, req.Events)
	if err != nil {
		log.Error().Err(err).Int("events", len(req.Events)).Msg("Failed to append events")
		respondError(w, http.StatusInternalServerError, "failed to store events")
		return
	}

	ids := make([]string, len(stored))
	for i, e := range stored {
		ids[i] = e.ID
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": len(stored),
		"ids":      ids,
	})
}
