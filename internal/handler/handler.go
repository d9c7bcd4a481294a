// Package handler contains the REST handlers that surround the websocket
// gateway: project hydration for late joiners, file tree autosave, and the
// sandbox run endpoints.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/buildroom-dev/buildroom/internal/logger"
	"github.com/buildroom-dev/buildroom/internal/sandbox"
	"github.com/buildroom-dev/buildroom/internal/store"
)

// Handler contains all HTTP handlers.
type Handler struct {
	store        *store.Store
	orchestrator *sandbox.Orchestrator
	log          *logger.Logger
}

// New creates a Handler. orchestrator may be nil when no sandbox runtime is
// available; the sandbox endpoints then answer 503.
func New(s *store.Store, orchestrator *sandbox.Orchestrator, log *logger.Logger) *Handler {
	return &Handler{
		store:        s,
		orchestrator: orchestrator,
		log:          log,
	}
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON helper to decode request body
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
