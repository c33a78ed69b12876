package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/portal/internal/logger"
	"github.com/portal/internal/middleware"
	"github.com/portal/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	allowedOrigins string
	sendBufSize    int
}

// NewWSHandler creates the websocket endpoint handler. allowedOrigins uses
// the CORS format (comma separated or "*").
func NewWSHandler(hub *ws.Hub, allowedOrigins string, sendBufSize int) *WSHandler {
	return &WSHandler{hub: hub, allowedOrigins: strings.TrimSpace(allowedOrigins), sendBufSize: sendBufSize}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the connection and registers it with the hub. The
// client starts with no chat subscriptions; the frontend re-joins its open
// chats after every (re)connect.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	// Register before starting the pumps so a JoinChat sent right after the
	// upgrade finds the connection in the registry.
	client := ws.NewClient(h.hub, conn, userID, h.sendBufSize)
	h.hub.Register(client)
	client.Start(context.Background())
}
