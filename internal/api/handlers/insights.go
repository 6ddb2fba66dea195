package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	defaultActor = "api"

	// statusAll lifts the status filter, which otherwise defaults to active.
	statusAll = "all"
)

// insightList is the response of GET /v1/insights.
type insightList struct {
	Data    []models.Insight      `json:"data"`
	Summary models.InsightSummary `json:"summary"`
}

// parseFilter validates query parameters. Unknown enum values are client
// errors rather than empty matches. Without a status only active records are
// listed; status=all lists every state.
func parseFilter(r *http.Request) (models.InsightFilter, error) {
	q := r.URL.Query()
	f := models.InsightFilter{AgentID: q.Get("agent_id"), Status: models.StatusActive, Limit: defaultLimit}

	switch v := q.Get("status"); v {
	case "":
	case statusAll:
		f.Status = ""
	default:
		st, err := models.ParseStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	if v := q.Get("severity"); v != "" {
		sev, err := models.ParseSeverity(v)
		if err != nil {
			return f, err
		}
		f.MinSeverity = sev
	}
	if v := q.Get("category"); v != "" {
		c, err := models.ParseCategory(v)
		if err != nil {
			return f, err
		}
		f.Category = c
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("limit must be a positive integer, got %q", v)
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}
	return f, nil
}

func (h *Handlers) ListInsights(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := h.Store.List(r.Context(), filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	summary, err := h.Store.Summary(r.Context(), filter.AgentID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, insightList{Data: list, Summary: summary})
}

func (h *Handlers) GetInsight(w http.ResponseWriter, r *http.Request) {
	ins, err := h.Store.Get(r.Context(), chi.URLParam(r, "insightID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ins)
}

// mutationRequest is the optional body of the mutation endpoints.
type mutationRequest struct {
	DismissedBy string `json:"dismissed_by"`
}

// actor reads dismissed_by from an optional JSON body.
func actor(r *http.Request) (string, error) {
	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("invalid request body: %w", err)
	}
	if req.DismissedBy == "" {
		return defaultActor, nil
	}
	return req.DismissedBy, nil
}

func (h *Handlers) DismissInsight(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, models.StatusDismissed)
}

func (h *Handlers) DismissInsightPermanently(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, models.StatusPermanentlyDismissed)
}

func (h *Handlers) ResolveInsight(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, models.StatusResolved)
}

func (h *Handlers) mutate(w http.ResponseWriter, r *http.Request, to models.Status) {
	who, err := actor(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "insightID")

	var ins *models.Insight
	switch to {
	case models.StatusDismissed:
		ins, err = h.Store.Dismiss(r.Context(), id, who)
	case models.StatusPermanentlyDismissed:
		ins, err = h.Store.DismissPermanently(r.Context(), id, who)
	case models.StatusResolved:
		ins, err = h.Store.Resolve(r.Context(), id, who)
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ins)
}

func (h *Handlers) ListSuppressions(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Store.ListSuppressions(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": rules})
}
