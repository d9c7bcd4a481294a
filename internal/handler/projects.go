package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/buildroom-dev/buildroom/internal/middleware"
	"github.com/buildroom-dev/buildroom/internal/model"
	"github.com/buildroom-dev/buildroom/internal/store"
)

// ListProjects returns all projects the caller belongs to.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	projects, err := h.store.ListProjectsByUser(r.Context(), userID)
	if err != nil {
		h.log.Error("failed to list projects", "user", userID, "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}

	h.JSON(w, http.StatusOK, projects)
}

// CreateProject creates a project owned by the caller. Additional members
// can be added by email in the same request.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		h.Error(w, http.StatusBadRequest, "Name is required")
		return
	}

	project := &model.Project{Name: req.Name}
	if err := h.store.CreateProject(r.Context(), project, userID); err != nil {
		h.log.Error("failed to create project", "name", req.Name, "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to create project")
		return
	}

	if len(req.Members) > 0 {
		memberIDs := make([]string, 0, len(req.Members))
		for _, email := range req.Members {
			user, err := h.store.GetUserByEmail(r.Context(), email)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					h.Error(w, http.StatusBadRequest, "No user with email "+email)
					return
				}
				h.Error(w, http.StatusInternalServerError, "Failed to resolve members")
				return
			}
			memberIDs = append(memberIDs, user.ID)
		}
		if err := h.store.AddMembers(r.Context(), project.ID, memberIDs); err != nil {
			h.log.Error("failed to add members", "project", project.ID, "error", err)
			h.Error(w, http.StatusInternalServerError, "Failed to add members")
			return
		}
	}

	h.JSON(w, http.StatusCreated, project)
}

// GetProject returns one project with its file tree and message log. This
// is the hydration call a client makes when joining a room.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.memberProject(w, r)
	if !ok {
		return
	}

	messages, err := h.store.ListMessagesByProject(r.Context(), project.ID)
	if err != nil {
		h.log.Error("failed to list messages", "project", project.ID, "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to load messages")
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"project":  project,
		"messages": messages,
	})
}

// ListMessages returns the project's persisted message log.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	project, ok := h.memberProject(w, r)
	if !ok {
		return
	}

	messages, err := h.store.ListMessagesByProject(r.Context(), project.ID)
	if err != nil {
		h.log.Error("failed to list messages", "project", project.ID, "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	h.JSON(w, http.StatusOK, messages)
}

// UpdateFileTree replaces the project's file map wholesale. This is the
// editor autosave path, and the only path that can delete a file.
func (h *Handler) UpdateFileTree(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req struct {
		ProjectID string         `json:"projectId"`
		FileTree  model.FileTree `json:"fileTree"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ProjectID == "" {
		h.Error(w, http.StatusBadRequest, "projectId is required")
		return
	}
	if req.FileTree == nil {
		h.Error(w, http.StatusBadRequest, "fileTree is required")
		return
	}

	if !h.requireMember(w, r, req.ProjectID, userID) {
		return
	}

	version, err := h.store.SaveFileTree(r.Context(), req.ProjectID, req.FileTree)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return
		}
		h.log.Error("failed to save file tree", "project", req.ProjectID, "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to save file tree")
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{"fileVersion": version})
}

// SaveProject saves the file tree and/or prunes the message log to the
// retained ids in one call.
func (h *Handler) SaveProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.memberProject(w, r)
	if !ok {
		return
	}

	var req struct {
		FileTree         model.FileTree `json:"fileTree"`
		RetainMessageIDs []string       `json:"retainMessageIds"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.store.SaveProjectState(r.Context(), project.ID, req.FileTree, req.RetainMessageIDs); err != nil {
		h.log.Error("failed to save project state", "project", project.ID, "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to save project")
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// memberProject loads the routed project and checks the caller's membership.
// Writes the error response itself on failure.
func (h *Handler) memberProject(w http.ResponseWriter, r *http.Request) (*model.Project, bool) {
	userID := middleware.GetUserID(r.Context())
	projectID := chi.URLParam(r, "projectId")

	project, err := h.store.GetProjectByID(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return nil, false
		}
		h.log.Error("failed to load project", "project", projectID, "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to load project")
		return nil, false
	}

	if !h.requireMember(w, r, project.ID, userID) {
		return nil, false
	}
	return project, true
}

func (h *Handler) requireMember(w http.ResponseWriter, r *http.Request, projectID, userID string) bool {
	member, err := h.store.IsMember(r.Context(), projectID, userID)
	if err != nil {
		h.log.Error("failed to check membership", "project", projectID, "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to check membership")
		return false
	}
	if !member {
		h.Error(w, http.StatusForbidden, "Not a project member")
		return false
	}
	return true
}
