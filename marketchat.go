// Package marketchat provides the Go client SDK for the ssafymarket chat
// backend: a REST client for room and message management, a realtime
// WebSocket client for live delivery, and a Session that reconciles the two
// into consistent room-list, transcript, and unread-badge state.
//
// Example:
//
//	client := marketchat.NewClient("https://market.example.com",
//		marketchat.WithSessionCookie("JSESSIONID=..."))
//
//	rooms, _ := client.Rooms(ctx)
//
//	rt := client.Realtime(&marketchat.RealtimeConfig{AutoReconnect: true})
//	if err := rt.Connect(ctx); err != nil { ... }
//
//	session := marketchat.NewSession(client, rt, nil)
//	session.Start(ctx)
//	defer session.Close()
package marketchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout matches the backend gateway's request deadline.
	DefaultTimeout = 10 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the marketplace chat API. Authentication is
// session-cookie based; the cookie obtained at login is attached to every
// request and to the realtime handshake.
type Client struct {
	baseURL       string
	sessionCookie string
	httpClient    *http.Client
	logger        zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithSessionCookie sets the session cookie sent on every request,
// e.g. "JSESSIONID=abc123".
func WithSessionCookie(cookie string) ClientOption {
	return func(c *Client) { c.sessionCookie = cookie }
}

// WithLogger attaches a zerolog logger. The default logger discards
// everything.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new marketplace chat client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SetSessionCookie updates the session cookie, e.g. after a fresh login.
func (c *Client) SetSessionCookie(cookie string) {
	c.sessionCookie = cookie
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sessionCookie != "" {
		req.Header.Set("Cookie", c.sessionCookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		// Prefer the server's own error payload when it parses.
		var parsed APIError
		if json.Unmarshal(data, &parsed) == nil && parsed.Message != "" {
			apiErr.Code = parsed.Code
			apiErr.Message = parsed.Message
		}
		c.logger.Debug().Str("method", method).Str("path", path).
			Int("status", resp.StatusCode).Msg("api error")
		return nil, apiErr
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat API Methods
// ============================================================================

// Rooms lists all of the caller's chat rooms with per-room unread counts.
func (c *Client) Rooms(ctx context.Context) ([]ChatRoom, error) {
	data, err := c.doRequest(ctx, "GET", "/api/chat/rooms", nil, nil)
	if err != nil {
		return nil, err
	}
	var rooms []ChatRoom
	if err := json.Unmarshal(data, &rooms); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return rooms, nil
}

// Room fetches a single chat room by id.
func (c *Client) Room(ctx context.Context, roomID int64) (*ChatRoom, error) {
	data, err := c.doRequest(ctx, "GET", fmt.Sprintf("/api/chat/rooms/%d", roomID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChatRoom](data)
}

// Messages fetches one page of a room's message history, oldest first within
// the page. Page numbering starts at 0.
func (c *Client) Messages(ctx context.Context, roomID int64, page, size int) (*MessagePage, error) {
	query := map[string]string{
		"page": fmt.Sprintf("%d", page),
		"size": fmt.Sprintf("%d", size),
	}
	data, err := c.doRequest(ctx, "GET", fmt.Sprintf("/api/chat/rooms/%d/messages", roomID), nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// MarkRoomRead marks all messages in the room as read. Idempotent
// server-side; safe to call on every room entry.
func (c *Client) MarkRoomRead(ctx context.Context, roomID int64) error {
	_, err := c.doRequest(ctx, "PUT", fmt.Sprintf("/api/chat/rooms/%d/read", roomID), nil, nil)
	return err
}

// UnreadCount fetches the global unread total across all rooms.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	data, err := c.doRequest(ctx, "GET", "/api/chat/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	result, err := decodeJSON[UnreadCountResult](data)
	if err != nil {
		return 0, err
	}
	return result.TotalUnreadCount, nil
}

// CreateRoom creates (or returns the existing) chat room for a listing.
func (c *Client) CreateRoom(ctx context.Context, postID int64) (*ChatRoom, error) {
	data, err := c.doRequest(ctx, "POST", "/api/chat/room/create", map[string]int64{"postId": postID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChatRoom](data)
}

// ============================================================================
// Realtime factory
// ============================================================================

// RealtimeURL returns the WebSocket endpoint derived from the base URL.
func (c *Client) RealtimeURL() string {
	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + "/ws"
}

// Realtime creates a realtime client bound to this client's endpoint and
// session cookie. Call Connect to establish the connection.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		wsURL:      c.RealtimeURL(),
		cookie:     c.sessionCookie,
		config:     &cfg,
		state:      StateDisconnected,
		subs:       make(map[string]*subscription),
		dispatcher: newMetaDispatcher(),
		logger:     cfg.Logger,
	}
}
