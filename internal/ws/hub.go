package ws

import (
	"context"
	"sync"
	"time"

	"github.com/portal/internal/logger"
)

// MembershipChecker answers whether a user may join a chat's live group.
// Checked before the registry lock is taken; the hub does no store I/O
// while holding its lock.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
}

// Hub is the in-memory registry of live connections. It tracks which
// clients belong to which user and which chat groups each client has
// joined. It never touches the database and never originates events;
// the gateway calls Broadcast and BroadcastToUser after mutations commit.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // userID -> connections
	groups  map[string]map[*Client]struct{} // chatID -> subscribed clients
	joined  map[*Client]map[string]struct{} // reverse index for cleanup
	total   int

	maxConns int
	checker  MembershipChecker

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(maxConns int, checker MembershipChecker) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		groups:     make(map[string]map[*Client]struct{}),
		joined:     make(map[*Client]map[string]struct{}),
		maxConns:   maxConns,
		checker:    checker,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run processes connection lifecycle events until ctx is cancelled, then
// closes every remaining connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxConns > 0 && h.total >= h.maxConns {
		logger.Errorf("hub: connection limit %d reached, rejecting user=%s", h.maxConns, c.userID)
		go c.Close()
		return
	}
	conns, ok := h.clients[c.userID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.clients[c.userID] = conns
	}
	conns[c] = struct{}{}
	h.joined[c] = make(map[string]struct{})
	h.total++
	logger.Infof("hub: user=%s connected, conns=%d total=%d", c.userID, len(conns), h.total)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if conns, ok := h.clients[c.userID]; ok {
		if _, present := conns[c]; present {
			delete(conns, c)
			h.total--
			if len(conns) == 0 {
				delete(h.clients, c.userID)
			}
		}
	}
	for chatID := range h.joined[c] {
		h.detachLocked(c, chatID)
	}
	delete(h.joined, c)
	h.mu.Unlock()

	c.Close()
	logger.Infof("hub: user=%s disconnected, total=%d", c.userID, h.total)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	var all []*Client
	for _, conns := range h.clients {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.groups = make(map[string]map[*Client]struct{})
	h.joined = make(map[*Client]map[string]struct{})
	h.total = 0
	h.mu.Unlock()

	close(h.done)
	for _, c := range all {
		c.Close()
	}
}

// HandleMessage dispatches a frame received from a client's read pump.
// Unknown types get an Error event rather than a dropped connection.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case OpJoinChat:
		h.JoinChat(ctx, c, msg.ChatID)
	case OpLeaveChat:
		h.LeaveChat(c, msg.ChatID)
	default:
		c.Send(OutgoingMessage{Type: EventError, Payload: ErrorPayload{
			Message: "unknown message type: " + msg.Type,
		}})
	}
}

// JoinChat subscribes the connection to a chat's live group after a
// membership check. Idempotent: joining an already joined chat is a no-op.
// A rejected join produces an Error event, not a disconnect.
func (h *Hub) JoinChat(ctx context.Context, c *Client, chatID string) {
	if chatID == "" {
		c.Send(OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "chatId is required"}})
		return
	}
	ok, err := h.checker.IsParticipant(ctx, chatID, c.userID)
	if err != nil {
		logger.Errorf("hub: membership check chat=%s user=%s: %v", chatID, c.userID, err)
		c.Send(OutgoingMessage{Type: EventError, Payload: ErrorPayload{
			Message: "join failed", ChatID: chatID,
		}})
		return
	}
	if !ok {
		c.Send(OutgoingMessage{Type: EventError, Payload: ErrorPayload{
			Message: "not a member of this chat", ChatID: chatID,
		}})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	joined, registered := h.joined[c]
	if !registered {
		// Raced with removeClient; the connection is already gone.
		return
	}
	if _, already := joined[chatID]; already {
		return
	}
	group, ok := h.groups[chatID]
	if !ok {
		group = make(map[*Client]struct{})
		h.groups[chatID] = group
	}
	group[c] = struct{}{}
	joined[chatID] = struct{}{}
}

// LeaveChat unsubscribes the connection from a chat's live group.
// Idempotent.
func (h *Hub) LeaveChat(c *Client, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if joined, ok := h.joined[c]; ok {
		delete(joined, chatID)
	}
	h.detachLocked(c, chatID)
}

// DetachUser removes every connection of one user from a chat's group,
// so a user who hid a chat stops receiving its events without a
// reconnect. Other users' subscriptions are untouched.
func (h *Hub) DetachUser(userID, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[userID] {
		if joined, ok := h.joined[c]; ok {
			delete(joined, chatID)
		}
		h.detachLocked(c, chatID)
	}
}

func (h *Hub) detachLocked(c *Client, chatID string) {
	if group, ok := h.groups[chatID]; ok {
		delete(group, c)
		if len(group) == 0 {
			delete(h.groups, chatID)
		}
	}
}

// Broadcast sends an event to every connection currently joined to the
// chat's group. Targets are collected under a read lock, then sends happen
// outside it.
func (h *Hub) Broadcast(chatID string, msg OutgoingMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.groups[chatID]))
	for c := range h.groups[chatID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

// BroadcastToUser sends an event to every live connection of one user,
// whether or not any of them has joined a chat group.
func (h *Hub) BroadcastToUser(userID string, msg OutgoingMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

// sendToClient enqueues without blocking. A client whose send buffer is
// full is too slow to keep its event stream consistent, so it gets
// disconnected and must re-sync over REST on reconnect.
func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	if !c.Send(msg) {
		logger.Errorf("hub: user=%s send buffer full, disconnecting", c.userID)
		go h.Unregister(c)
	}
}

// ConnectionCount reports live connections; used by the health endpoint.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// GroupSize reports how many connections are joined to a chat's group.
func (h *Hub) GroupSize(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[chatID])
}

// timeout guard for membership checks issued from the read pump.
const joinCheckTimeout = 5 * time.Second
