package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/portal/internal/ws"
)

// fakeChecker allows membership pairs registered up front.
type fakeChecker struct {
	members map[string]bool // "chatID/userID"
}

func (f *fakeChecker) IsParticipant(_ context.Context, chatID, userID string) (bool, error) {
	return f.members[chatID+"/"+userID], nil
}

type hubFixture struct {
	hub     *ws.Hub
	server  *httptest.Server
	checker *fakeChecker
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	checker := &fakeChecker{members: make(map[string]bool)}
	hub := ws.NewHub(100, checker)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := ws.NewClient(hub, conn, userID, 32)
		hub.Register(client)
		client.Start(context.Background())
	}))

	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return &hubFixture{hub: hub, server: server, checker: checker}
}

func (f *hubFixture) dial(t *testing.T, userID string, wantConns int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	waitFor(t, func() bool { return f.hub.ConnectionCount() == wantConns })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func join(t *testing.T, conn *websocket.Conn, chatID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ws.IncomingMessage{Type: ws.OpJoinChat, ChatID: chatID}))
}

func readEvent(t *testing.T, conn *websocket.Conn) ws.OutgoingMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg ws.OutgoingMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestBroadcastReachesOnlyJoinedClients(t *testing.T) {
	f := newHubFixture(t)
	f.checker.members["c1/alice"] = true
	f.checker.members["c1/bob"] = true

	alice := f.dial(t, "alice", 1)
	bob := f.dial(t, "bob", 2)
	carol := f.dial(t, "carol", 3)

	join(t, alice, "c1")
	join(t, bob, "c1")
	waitFor(t, func() bool { return f.hub.GroupSize("c1") == 2 })

	f.hub.Broadcast("c1", ws.OutgoingMessage{Type: ws.EventNewMessage, Payload: map[string]string{"chatId": "c1"}})
	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := readEvent(t, conn)
		require.Equal(t, ws.EventNewMessage, msg.Type)
	}

	// Carol never joined c1 and must see nothing.
	carol.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg ws.OutgoingMessage
	require.Error(t, carol.ReadJSON(&msg))
}

func TestJoinIsIdempotent(t *testing.T) {
	f := newHubFixture(t)
	f.checker.members["c1/alice"] = true
	alice := f.dial(t, "alice", 1)

	join(t, alice, "c1")
	join(t, alice, "c1")
	waitFor(t, func() bool { return f.hub.GroupSize("c1") == 1 })

	// One broadcast, one delivery: the double join added no second
	// subscription.
	f.hub.Broadcast("c1", ws.OutgoingMessage{Type: ws.EventChatRead})
	msg := readEvent(t, alice)
	require.Equal(t, ws.EventChatRead, msg.Type)

	alice.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	require.Error(t, alice.ReadJSON(&msg))
}

func TestJoinDeniedForNonMembers(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "eve", 1)

	join(t, conn, "c1")
	msg := readEvent(t, conn)
	require.Equal(t, ws.EventError, msg.Type)

	payload, err := json.Marshal(msg.Payload)
	require.NoError(t, err)
	var ep ws.ErrorPayload
	require.NoError(t, json.Unmarshal(payload, &ep))
	require.Equal(t, "c1", ep.ChatID)
	require.Equal(t, 0, f.hub.GroupSize("c1"))
}

func TestBroadcastToUserFansOutToAllConnections(t *testing.T) {
	f := newHubFixture(t)

	first := f.dial(t, "alice", 1)
	second := f.dial(t, "alice", 2)

	f.hub.BroadcastToUser("alice", ws.OutgoingMessage{
		Type:    ws.EventUnreadCountChanged,
		Payload: 3,
	})

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readEvent(t, conn)
		require.Equal(t, ws.EventUnreadCountChanged, msg.Type)
		require.Equal(t, float64(3), msg.Payload)
	}
}

func TestLeaveChatStopsDelivery(t *testing.T) {
	f := newHubFixture(t)
	f.checker.members["c1/alice"] = true
	conn := f.dial(t, "alice", 1)

	join(t, conn, "c1")
	waitFor(t, func() bool { return f.hub.GroupSize("c1") == 1 })

	require.NoError(t, conn.WriteJSON(ws.IncomingMessage{Type: ws.OpLeaveChat, ChatID: "c1"}))
	// Leaving twice is fine.
	require.NoError(t, conn.WriteJSON(ws.IncomingMessage{Type: ws.OpLeaveChat, ChatID: "c1"}))
	waitFor(t, func() bool { return f.hub.GroupSize("c1") == 0 })

	f.hub.Broadcast("c1", ws.OutgoingMessage{Type: ws.EventNewMessage})
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg ws.OutgoingMessage
	require.Error(t, conn.ReadJSON(&msg))
}

func TestDetachUserStopsDelivery(t *testing.T) {
	f := newHubFixture(t)
	f.checker.members["c1/alice"] = true
	f.checker.members["c1/bob"] = true

	alice := f.dial(t, "alice", 1)
	bob := f.dial(t, "bob", 2)
	join(t, alice, "c1")
	join(t, bob, "c1")
	waitFor(t, func() bool { return f.hub.GroupSize("c1") == 2 })

	// Detaching alice (e.g. she hid the chat) leaves bob subscribed.
	f.hub.DetachUser("alice", "c1")
	require.Equal(t, 1, f.hub.GroupSize("c1"))

	f.hub.Broadcast("c1", ws.OutgoingMessage{Type: ws.EventNewMessage})
	msg := readEvent(t, bob)
	require.Equal(t, ws.EventNewMessage, msg.Type)

	alice.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	require.Error(t, alice.ReadJSON(&msg))
}

func TestDisconnectCleansUp(t *testing.T) {
	f := newHubFixture(t)
	f.checker.members["c1/alice"] = true

	conn := f.dial(t, "alice", 1)
	join(t, conn, "c1")
	waitFor(t, func() bool { return f.hub.GroupSize("c1") == 1 })

	conn.Close()
	waitFor(t, func() bool { return f.hub.ConnectionCount() == 0 })
	require.Equal(t, 0, f.hub.GroupSize("c1"))

	// Broadcast to the departed group must not panic.
	f.hub.Broadcast("c1", ws.OutgoingMessage{Type: ws.EventNewMessage})
}

func TestUnknownOperationGetsError(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "alice", 1)

	require.NoError(t, conn.WriteJSON(ws.IncomingMessage{Type: "Bogus"}))
	msg := readEvent(t, conn)
	require.Equal(t, ws.EventError, msg.Type)
}
