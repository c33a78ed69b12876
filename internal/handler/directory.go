package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/portal/internal/model"
	"github.com/portal/internal/repository"
)

// DirectoryHandler receives user records pushed by the portal backend,
// which owns the employee directory. The messaging core keeps a read-only
// mirror for display names and avatars.
type DirectoryHandler struct {
	users *repository.UserRepository
}

func NewDirectoryHandler(users *repository.UserRepository) *DirectoryHandler {
	return &DirectoryHandler{users: users}
}

// SyncUser upserts one directory record into the local mirror.
func (h *DirectoryHandler) SyncUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		AvatarURL   string `json:"avatarUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.ID == "" || req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "id and displayName are required")
		return
	}

	u := &model.User{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.users.Upsert(r.Context(), u); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
