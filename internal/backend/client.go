// Package backend is the HTTP client for the web-chat message store.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/chatrelay/internal/types"
)

var (
	// ErrMalformed is returned when the message list is not a JSON array.
	ErrMalformed = errors.New("malformed backend response")
	// ErrRejected is returned when the backend answers an append with success=false.
	ErrRejected = errors.New("backend rejected message")
)

// Client talks to the backend's /messages endpoints. Failures are logged
// here; callers only decide whether to carry on.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client for baseURL. It fails only if baseURL is unusable.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "backend"),
	}, nil
}

// appendRequest is the POST /messages body.
type appendRequest struct {
	FromUser  string `json:"from_user"`
	Nickname  string `json:"nickname,omitempty"`
	Text      string `json:"text"`
	Type      string `json:"type,omitempty"`
	ImageB64  string `json:"image_b64,omitempty"`
	SessionID string `json:"session_id"`
}

// appendResponse is the POST /messages reply.
type appendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (c *Client) messagesURL(sessionID types.SessionID) string {
	u := c.baseURL + "/messages"
	if sessionID != "" {
		u += "?" + url.Values{"session_id": {string(sessionID)}}.Encode()
	}
	return u
}

// FetchAll returns the full message list across all sessions.
func (c *Client) FetchAll(ctx context.Context) ([]types.ChatMessage, error) {
	msgs, err := c.fetch(ctx, "")
	if err != nil {
		c.logger.Warn("fetch messages failed", "error", err)
		return nil, err
	}
	return msgs, nil
}

// FetchSession returns the message list for one session.
func (c *Client) FetchSession(ctx context.Context, sessionID types.SessionID) ([]types.ChatMessage, error) {
	msgs, err := c.fetch(ctx, sessionID.OrDefault())
	if err != nil {
		c.logger.Warn("fetch session messages failed", "session_id", sessionID, "error", err)
		return nil, err
	}
	return msgs, nil
}

func (c *Client) fetch(ctx context.Context, sessionID types.SessionID) ([]types.ChatMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.messagesURL(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend error (status %d): %s", resp.StatusCode, truncate(body))
	}
	return decodeList(body)
}

// decodeList parses a JSON array of records. Elements that are not objects
// keep their position and are flagged Malformed.
func decodeList(body []byte) ([]types.ChatMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if items == nil {
		// "null" decodes without error but is not a list.
		return nil, fmt.Errorf("%w: expected a JSON array", ErrMalformed)
	}

	msgs := make([]types.ChatMessage, len(items))
	for i, item := range items {
		if err := json.Unmarshal(item, &msgs[i]); err != nil || !isObject(item) {
			msgs[i] = types.ChatMessage{Malformed: true}
		}
	}
	return msgs, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// Append writes one record to the backend.
func (c *Client) Append(ctx context.Context, msg types.ChatMessage) error {
	if err := c.append(ctx, msg); err != nil {
		c.logger.Error("append message failed", "session_id", msg.SessionID, "error", err)
		return err
	}
	return nil
}

func (c *Client) append(ctx context.Context, msg types.ChatMessage) error {
	sessionID := msg.SessionID.OrDefault()
	reqBody := appendRequest{
		FromUser:  msg.FromUser,
		Nickname:  msg.Nickname,
		Text:      msg.Text,
		Type:      msg.Type,
		ImageB64:  msg.ImageB64,
		SessionID: string(sessionID),
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(sessionID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend error (status %d): %s", resp.StatusCode, truncate(respBody))
	}

	var ar appendResponse
	if err := json.Unmarshal(respBody, &ar); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !ar.Success {
		if ar.Message != "" {
			return fmt.Errorf("%w: %s", ErrRejected, ar.Message)
		}
		return ErrRejected
	}
	return nil
}

// Close releases idle keep-alive connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
