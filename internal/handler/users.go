package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/buildroom-dev/buildroom/internal/middleware"
	"github.com/buildroom-dev/buildroom/internal/model"
	"github.com/buildroom-dev/buildroom/internal/store"
)

// Me returns the caller's user record.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	user, err := h.store.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "User not found")
			return
		}
		h.log.Error("failed to load user", "user", userID, "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to load user")
		return
	}
	h.JSON(w, http.StatusOK, user)
}

// ListUsers returns the user directory, used by clients to pick project
// members by email.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.log.Error("failed to list users", "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to list users")
		return
	}
	h.JSON(w, http.StatusOK, users)
}

// CreateUser registers a user record by email. Credential issuance happens
// outside this service; this only makes the identity addressable as a
// project member.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string  `json:"email"`
		Name  *string `json:"name"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		h.Error(w, http.StatusBadRequest, "A valid email is required")
		return
	}

	if existing, err := h.store.GetUserByEmail(r.Context(), req.Email); err == nil {
		h.JSON(w, http.StatusOK, existing)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		h.log.Error("failed to look up user", "email", req.Email, "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to look up user")
		return
	}

	user := &model.User{Email: req.Email, Name: req.Name}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		h.log.Error("failed to create user", "email", req.Email, "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to create user")
		return
	}
	h.JSON(w, http.StatusCreated, user)
}
