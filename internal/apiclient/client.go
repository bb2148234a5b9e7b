// Package apiclient talks to the platform's REST collaborators: the
// notification list and read-state endpoints and the invite response
// endpoint. Everything else the platform serves over REST is outside
// this layer.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/studyhive/realtime/internal/auth"
	"github.com/studyhive/realtime/internal/wire"
)

// defaultTimeout bounds a single REST round trip.
const defaultTimeout = 15 * time.Second

// Config holds REST client configuration.
type Config struct {
	// BaseURL is the platform API root, e.g. https://api.example.com.
	BaseURL string

	// Timeout bounds a single request. Zero uses the default.
	Timeout time.Duration
}

// Client is the REST collaborator client.
type Client struct {
	base *url.URL
	http *http.Client
	cred auth.Credential
}

// NewClient creates a REST client authenticated by cred.
func NewClient(cfg Config, cred auth.Credential) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		base: base,
		http: &http.Client{Timeout: timeout},
		cred: cred,
	}, nil
}

// UnreadCount fetches the total number of unread notifications.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet,
		"/api/notifications/unread-count", nil, &resp)
	if err != nil {
		return 0, fmt.Errorf("fetch unread count: %w", err)
	}

	return resp.Count, nil
}

// ListNotifications fetches the full notification list for the
// authenticated user, newest first.
func (c *Client) ListNotifications(
	ctx context.Context) ([]wire.Notification, error) {

	var resp struct {
		Notifications []wire.Notification `json:"notifications"`
	}
	err := c.do(ctx, http.MethodGet, "/api/notifications", nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}

	return resp.Notifications, nil
}

// MarkRead acknowledges a single notification.
func (c *Client) MarkRead(ctx context.Context, id int64) error {
	path := fmt.Sprintf("/api/notifications/%d/read", id)
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("mark read %d: %w", id, err)
	}

	return nil
}

// MarkGroupRead acknowledges a batch of notifications in one call, so
// no partially read group state is ever visible between calls.
func (c *Client) MarkGroupRead(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	body := struct {
		IDs []int64 `json:"ids"`
	}{IDs: ids}

	err := c.do(ctx, http.MethodPost,
		"/api/notifications/read-batch", body, nil)
	if err != nil {
		return fmt.Errorf("mark group read: %w", err)
	}

	return nil
}

// RespondInvite accepts or rejects an invite notification.
func (c *Client) RespondInvite(ctx context.Context, id int64,
	accept bool) error {

	body := struct {
		Accept bool `json:"accept"`
	}{Accept: accept}

	path := fmt.Sprintf("/api/invites/%d/respond", id)
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("respond invite %d: %w", id, err)
	}

	return nil
}

// do performs one authenticated JSON round trip. A 401 or 403 response
// surfaces as auth.ErrAuthExpired so callers can trigger the terminal
// logout path.
func (c *Client) do(ctx context.Context, method, path string,
	body, out any) error {

	u := c.base.JoinPath(path)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cred.Token())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d",
			auth.ErrAuthExpired, resp.StatusCode)

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s",
			resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
