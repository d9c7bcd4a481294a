package handler

import (
	"context"
	"net/http"

	"github.com/buildroom-dev/buildroom/internal/ai"
	"github.com/buildroom-dev/buildroom/internal/middleware"
)

// RunSandbox mounts the project's current file tree and starts the run
// pipeline. The pipeline runs detached; clients poll SandboxStatus for
// progress and the preview address.
func (h *Handler) RunSandbox(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator == nil {
		h.Error(w, http.StatusServiceUnavailable, "Sandbox runtime not available")
		return
	}

	project, ok := h.memberProject(w, r)
	if !ok {
		return
	}

	var req struct {
		BuildCommand *ai.Command `json:"buildCommand"`
		StartCommand *ai.Command `json:"startCommand"`
	}
	if r.ContentLength > 0 {
		if err := h.DecodeJSON(r, &req); err != nil {
			h.Error(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	files, err := h.store.GetFileTree(r.Context(), project.ID)
	if err != nil {
		h.log.Error("failed to load file tree", "project", project.ID, "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to load file tree")
		return
	}
	if len(files) == 0 {
		h.Error(w, http.StatusBadRequest, "Project has no files to run")
		return
	}

	h.log.Info("sandbox run requested", "project", project.ID, "user", middleware.GetUserEmail(r.Context()))

	go func() {
		// Detached from the request: the run outlives the triggering client.
		if err := h.orchestrator.Run(context.Background(), project.ID, files, req.BuildCommand, req.StartCommand); err != nil {
			h.log.Warn("sandbox run failed", "project", project.ID, "error", err)
		}
	}()

	h.JSON(w, http.StatusAccepted, h.orchestrator.Status(project.ID))
}

// StopSandbox kills the project's running server, if any.
func (h *Handler) StopSandbox(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator == nil {
		h.Error(w, http.StatusServiceUnavailable, "Sandbox runtime not available")
		return
	}

	project, ok := h.memberProject(w, r)
	if !ok {
		return
	}

	h.orchestrator.Stop(project.ID)
	h.JSON(w, http.StatusOK, h.orchestrator.Status(project.ID))
}

// SandboxStatus returns the run pipeline snapshot: state, preview URL, and
// the bounded output tail.
func (h *Handler) SandboxStatus(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator == nil {
		h.Error(w, http.StatusServiceUnavailable, "Sandbox runtime not available")
		return
	}

	project, ok := h.memberProject(w, r)
	if !ok {
		return
	}

	h.JSON(w, http.StatusOK, h.orchestrator.Status(project.ID))
}
