package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/portal/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client is one websocket connection bound to an authenticated user. A
// user may hold several clients at once (multiple tabs, devices).
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string

	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, sendBufSize int) *Client {
	if sendBufSize <= 0 {
		sendBufSize = 256
	}
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufSize),
		closed: make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.userID }

// Start launches the read and write pumps.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.readPump(ctx)
	go c.writePump()
}

// Wait blocks until both pumps have exited.
func (c *Client) Wait() { c.wg.Wait() }

// Close tears the connection down. Safe to call from any goroutine,
// repeatedly.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Send enqueues an already-typed event for delivery. Returns false when
// the buffer is full or the client is closing; the hub treats that as a
// slow client.
func (c *Client) Send(msg OutgoingMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Errorf("client: marshal event user=%s: %v", c.userID, err)
		return true
	}
	select {
	case c.send <- data:
		return true
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("client: read user=%s: %v", c.userID, err)
			}
			return
		}
		var msg IncomingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "malformed message"}})
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, joinCheckTimeout)
		c.hub.HandleMessage(opCtx, c, msg)
		cancel()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.wg.Done()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			buf.Write(data)
			// Drain queued events into the same frame batch where possible.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.writeBuffer(buf); err != nil {
					bufPool.Put(buf)
					return
				}
				buf.Reset()
				buf.Write(<-c.send)
			}
			err := c.writeBuffer(buf)
			bufPool.Put(buf)
			if err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Client) writeBuffer(buf *bytes.Buffer) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
