package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/portal/internal/logger"
	"github.com/portal/internal/middleware"
	"github.com/portal/internal/model"
	"github.com/portal/internal/push"
	"github.com/portal/internal/service"
	"github.com/portal/internal/ws"
)

const fanoutTimeout = 10 * time.Second

// ChatHandler is the gateway between HTTP and the messaging core: it
// validates requests, calls the conversation service, and fans events out
// through the hub and the push client after the mutation commits.
type ChatHandler struct {
	conv   *service.ConversationService
	unread *service.UnreadAggregator
	hub    *ws.Hub
	push   *push.Client
}

func NewChatHandler(conv *service.ConversationService, unread *service.UnreadAggregator, hub *ws.Hub, pushClient *push.Client) *ChatHandler {
	return &ChatHandler{conv: conv, unread: unread, hub: hub, push: pushClient}
}

// GetChats returns the caller's chat list, most recently active first.
func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chats, err := h.conv.GetUserChats(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// GetMessages returns one page of a chat's history (skip/take, oldest
// first).
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chatID := chi.URLParam(r, "chatId")
	skip := queryInt(r, "skip", 0)
	take := queryInt(r, "take", 50)

	messages, err := h.conv.GetChatMessages(r.Context(), chatID, userID, skip, take)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// StartDirectChat finds or creates the direct chat with the target user.
// 200 for an existing chat, 201 when a new one was created.
func (h *ChatHandler) StartDirectChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req struct {
		TargetUserID string `json:"targetUserId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	summary, created, err := h.conv.StartDirectChat(r.Context(), userID, req.TargetUserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		go h.notifyNewChat(summary.ID)
	}
	writeJSON(w, status, summary)
}

// CreateGroupChat creates a group chat with the caller as admin.
func (h *ChatHandler) CreateGroupChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req struct {
		Name      string   `json:"name"`
		MemberIDs []string `json:"memberIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	summary, err := h.conv.CreateGroupChat(r.Context(), userID, req.Name, req.MemberIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	go h.notifyNewChat(summary.ID)
	writeJSON(w, http.StatusCreated, summary)
}

// AddMembers adds users to a group chat. New members get NewChat; everyone
// already there gets ChatUpdated.
func (h *ChatHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chatID := chi.URLParam(r, "chatId")
	var req struct {
		MemberIDs []string `json:"memberIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	added, err := h.conv.AddMembers(r.Context(), chatID, userID, req.MemberIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if len(added) > 0 {
		go h.notifyMembershipChange(chatID, added)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"added": added})
}

// SendMessage appends a message and fans it out: NewMessage to the live
// chat group, then a fresh UnreadCountChanged and a push notification per
// recipient.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chatID := chi.URLParam(r, "chatId")
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	msg, err := h.conv.SendMessage(r.Context(), chatID, userID, req.Content)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	go h.notifyNewMessage(msg)
	writeJSON(w, http.StatusCreated, msg)
}

// DeleteChat hides the chat from the caller's list (soft delete).
func (h *ChatHandler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chatID := chi.URLParam(r, "chatId")

	if err := h.conv.DeleteChatForUser(r.Context(), chatID, userID); err != nil {
		writeServiceError(w, err)
		return
	}
	// Stop the caller's live connections from receiving events for the
	// hidden chat.
	h.hub.DetachUser(userID, chatID)
	go h.notifyOwnUnreadCount(userID)
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead moves the caller's read watermark to now, tells the live chat
// group via ChatRead, and refreshes the caller's unread badge.
func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chatID := chi.URLParam(r, "chatId")

	if err := h.conv.MarkChatAsRead(r.Context(), chatID, userID); err != nil {
		writeServiceError(w, err)
		return
	}
	h.hub.Broadcast(chatID, ws.OutgoingMessage{
		Type:    ws.EventChatRead,
		Payload: ws.ChatReadPayload{ChatID: chatID, UserID: userID},
	})
	go h.notifyOwnUnreadCount(userID)
	w.WriteHeader(http.StatusNoContent)
}

// MarkUnread resets the caller's read watermark so the chat counts as
// unread again.
func (h *ChatHandler) MarkUnread(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chatID := chi.URLParam(r, "chatId")

	if err := h.conv.MarkChatAsUnread(r.Context(), chatID, userID); err != nil {
		writeServiceError(w, err)
		return
	}
	go h.notifyOwnUnreadCount(userID)
	w.WriteHeader(http.StatusNoContent)
}

// GetUnreadCount returns the caller's total number of chats with unread
// messages; the frontend uses it to seed the badge before the socket is up.
func (h *ChatHandler) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	total, err := h.unread.ComputeTotalUnread(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"totalUnreadChats": total})
}

// notifyNewMessage is the post-commit fan-out for one message. It runs in
// its own goroutine; failures here never affect the HTTP response.
func (h *ChatHandler) notifyNewMessage(msg *model.ChatMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
	defer cancel()

	h.hub.Broadcast(msg.ChatID, ws.OutgoingMessage{Type: ws.EventNewMessage, Payload: msg})

	parts, err := h.conv.Participants(ctx, msg.ChatID)
	if err != nil {
		logger.Errorf("fanout: participants chat=%s: %v", msg.ChatID, err)
		return
	}
	for _, p := range parts {
		// The sender's own total is unaffected by their own message, and
		// muted participants asked not to be disturbed.
		if p.UserID == msg.SenderID || p.IsMuted {
			continue
		}
		h.notifyUnreadCount(ctx, p.UserID)
		go h.push.Notify(context.Background(), push.Notification{
			UserID: p.UserID,
			Title:  msg.SenderName,
			Body:   msg.Content,
			ChatID: msg.ChatID,
		})
	}
}

// notifyNewChat sends each participant their own view of the new chat.
// NewChat payloads are viewer-specific: a direct chat is named after the
// other side.
func (h *ChatHandler) notifyNewChat(chatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
	defer cancel()

	parts, err := h.conv.Participants(ctx, chatID)
	if err != nil {
		logger.Errorf("fanout: participants chat=%s: %v", chatID, err)
		return
	}
	for _, p := range parts {
		summary, err := h.conv.GetChatSummary(ctx, chatID, p.UserID)
		if err != nil {
			logger.Errorf("fanout: summary chat=%s viewer=%s: %v", chatID, p.UserID, err)
			continue
		}
		h.hub.BroadcastToUser(p.UserID, ws.OutgoingMessage{Type: ws.EventNewChat, Payload: summary})
	}
}

// notifyMembershipChange tells added users about their new chat and the
// rest of the group that the chat changed.
func (h *ChatHandler) notifyMembershipChange(chatID string, added []string) {
	ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
	defer cancel()

	addedSet := make(map[string]bool, len(added))
	for _, id := range added {
		addedSet[id] = true
	}

	parts, err := h.conv.Participants(ctx, chatID)
	if err != nil {
		logger.Errorf("fanout: participants chat=%s: %v", chatID, err)
		return
	}
	for _, p := range parts {
		summary, err := h.conv.GetChatSummary(ctx, chatID, p.UserID)
		if err != nil {
			logger.Errorf("fanout: summary chat=%s viewer=%s: %v", chatID, p.UserID, err)
			continue
		}
		event := ws.EventChatUpdated
		if addedSet[p.UserID] {
			event = ws.EventNewChat
		}
		h.hub.BroadcastToUser(p.UserID, ws.OutgoingMessage{Type: event, Payload: summary})
		// A reinstated member may have regained unread chats.
		if addedSet[p.UserID] {
			h.notifyUnreadCount(ctx, p.UserID)
		}
	}
}

// notifyChatUpdated sends every participant their view of the changed chat.
func (h *ChatHandler) notifyChatUpdated(chatID string) {
	h.notifyMembershipChange(chatID, nil)
}

func (h *ChatHandler) notifyOwnUnreadCount(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
	defer cancel()
	h.notifyUnreadCount(ctx, userID)
}

func (h *ChatHandler) notifyUnreadCount(ctx context.Context, userID string) {
	total, err := h.unread.ComputeTotalUnread(ctx, userID)
	if err != nil {
		logger.Errorf("fanout: unread total user=%s: %v", userID, err)
		return
	}
	h.hub.BroadcastToUser(userID, ws.OutgoingMessage{
		Type:    ws.EventUnreadCountChanged,
		Payload: total,
	})
}
