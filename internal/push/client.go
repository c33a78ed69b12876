// Package push is the API service's client for the push notification
// service. Notifications are best effort: a failure is logged and never
// surfaced to the request that triggered it.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/portal/internal/logger"
)

type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a push client. With an empty baseURL every Notify call
// is a no-op, so deployments without the push service need no special
// casing.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Notification is the payload handed to the push service for delivery to
// one user's registered browser subscriptions.
type Notification struct {
	UserID string `json:"userId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	ChatID string `json:"chatId"`
}

// Notify asks the push service to deliver a notification. Intended to be
// called in its own goroutine; errors are logged, never returned.
func (c *Client) Notify(ctx context.Context, n Notification) {
	if c.baseURL == "" {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		logger.Errorf("push: marshal notification: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/notify", bytes.NewReader(data))
	if err != nil {
		logger.Errorf("push: build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		logger.Errorf("push: notify user=%s: %v", n.UserID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Errorf("push: notify user=%s: status %d", n.UserID, resp.StatusCode)
	}
}
