package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/portal/internal/files"
	"github.com/portal/internal/logger"
	"github.com/portal/internal/middleware"
	"github.com/portal/internal/service"
)

const maxAvatarSize = 5 << 20 // 5 MiB

// AvatarHandler accepts group avatar uploads, stores the image through the
// file service, and records the returned URL on the chat.
type AvatarHandler struct {
	conv  *service.ConversationService
	files *files.Client
	chats *ChatHandler
}

func NewAvatarHandler(conv *service.ConversationService, filesClient *files.Client, chats *ChatHandler) *AvatarHandler {
	return &AvatarHandler{conv: conv, files: filesClient, chats: chats}
}

// UpdateGroupAvatar handles a multipart upload under the "avatar" field.
// The caller must be a member of the group. Returns 503 when no file
// service is configured.
func (h *AvatarHandler) UpdateGroupAvatar(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chatID := chi.URLParam(r, "chatId")

	// Membership gate before touching the upload. Soft-deleted
	// participants keep read access but may not change the group.
	member, err := h.conv.IsMember(r.Context(), chatID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "not a member of this chat")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAvatarSize)
	if err := r.ParseMultipartForm(maxAvatarSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("avatar")
	if err != nil {
		writeError(w, http.StatusBadRequest, "avatar file is required")
		return
	}
	defer file.Close()

	url, err := h.files.Upload(r.Context(), header.Filename, file)
	if err != nil {
		if errors.Is(err, files.ErrUnconfigured) {
			writeError(w, http.StatusServiceUnavailable, "file storage not available")
			return
		}
		logger.Errorf("avatar upload chat=%s: %v", chatID, err)
		writeError(w, http.StatusBadGateway, "file storage failed")
		return
	}

	if err := h.conv.UpdateGroupAvatar(r.Context(), chatID, url); err != nil {
		writeServiceError(w, err)
		return
	}
	go h.chats.notifyChatUpdated(chatID)
	writeJSON(w, http.StatusOK, map[string]string{"avatarUrl": url})
}
