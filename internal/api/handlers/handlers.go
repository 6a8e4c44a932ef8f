// Package handlers implements the HTTP handlers for the onboarding control
// plane. Every handler reads through the State Store interface; orchestration
// runs synchronously within the request.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/onboardly/control-plane/internal/audit"
	"github.com/onboardly/control-plane/internal/orchestrator"
	"github.com/onboardly/control-plane/internal/store"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Store  store.Store
	Engine *orchestrator.Engine
	Trail  audit.Trail
}

// New creates a Handlers instance.
func New(s store.Store, engine *orchestrator.Engine, trail audit.Trail) *Handlers {
	return &Handlers{Store: s, Engine: engine, Trail: trail}
}

// ── Orchestration ───────────────────────────────────────────

// Orchestrate runs one onboarding request to completion and returns the
// consolidated result. A failed onboarding is still a 200; only rejected
// requests are errors.
func (h *Handlers) Orchestrate(w http.ResponseWriter, r *http.Request) {
	var req models.OrchestrationRequest
	if err := decode(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	res, err := h.Engine.Orchestrate(r.Context(), &req)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, orchestrator.ErrSessionBusy):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ── Sessions ────────────────────────────────────────────────

func (h *Handlers) GetOverview(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Store.GetSystemOverview(r.Context()))
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.Store.ListSessions(r.Context())
	if phase := r.URL.Query().Get("phase"); phase != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if string(s.Phase) == phase {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	if sessions == nil {
		sessions = []models.SessionSummary{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	ec, err := h.Store.GetEmployeeContext(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ec)
}

func (h *Handlers) GetSessionAudit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if _, err := h.Store.GetEmployeeContext(r.Context(), sessionID); err != nil {
		respondStoreError(w, err)
		return
	}
	entries, err := h.Trail.List(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// ── Agents ──────────────────────────────────────────────────

// RegisterAgentRequest is the body of POST /api/v1/agents.
type RegisterAgentRequest struct {
	AgentID string                 `json:"agent_id"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := decode(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		respondError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	if err := h.Store.RegisterAgent(r.Context(), req.AgentID, req.Data); err != nil {
		respondStoreError(w, err)
		return
	}
	rec, err := h.Store.GetAgentState(r.Context(), req.AgentID, "")
	if err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("agent_id", req.AgentID).Msg("Agent registered")
	respondJSON(w, http.StatusCreated, rec)
}

// GetAgent returns an agent's state, scoped to ?session_id= when given.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Store.GetAgentState(r.Context(), chi.URLParam(r, "agentId"), r.URL.Query().Get("session_id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ── Helpers ─────────────────────────────────────────────────

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidArgument):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
