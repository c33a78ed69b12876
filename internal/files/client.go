// Package files is the API service's client for the portal's file
// service, which stores uploaded binaries (group chat avatars) and serves
// them by URL.
package files

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// ErrUnconfigured is returned when no file service URL was configured;
// avatar uploads are unavailable in that deployment.
var ErrUnconfigured = errors.New("file service not configured")

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Upload streams a file to the file service and returns the stored file's
// public URL.
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader) (string, error) {
	if c.baseURL == "" {
		return "", ErrUnconfigured
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("files.Upload form: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("files.Upload copy: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("files.Upload close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/upload", &body)
	if err != nil {
		return "", fmt.Errorf("files.Upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("files.Upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("files.Upload: status %d", resp.StatusCode)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("files.Upload decode: %w", err)
	}
	if out.URL == "" {
		return "", errors.New("files.Upload: empty url in response")
	}
	return out.URL, nil
}
