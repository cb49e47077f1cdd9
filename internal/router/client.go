// Package router is the websocket client for the bot-messaging router.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/chatrelay/internal/retry"
	"github.com/user/chatrelay/internal/types"
)

// ErrNotConnected is returned by Send while no connection is established.
var ErrNotConnected = errors.New("router not connected")

// ErrRejected is returned by Run when the router refuses the handshake with
// 401 or 403. Retrying with the same credentials cannot succeed.
var ErrRejected = errors.New("router rejected the connection")

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	maxReconnectDelay       = 60 * time.Second
)

// Handler receives every message delivered by the router. It is called from
// the read loop and must not block.
type Handler func(ctx context.Context, msg *types.RouterMessage)

type Config struct {
	URL      string
	Platform string
	Token    string
	// ReconnectInterval is the first reconnect delay; later attempts back
	// off exponentially. Zero makes a lost connection fatal.
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
}

// Client maintains a websocket connection to the router.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	handler   Handler
	connected atomic.Bool
	received  atomic.Int64
	sent      atomic.Int64
}

// New validates cfg and returns an unconnected Client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("invalid router url %q", cfg.URL)
	}
	if cfg.Platform == "" {
		return nil, errors.New("router platform id is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With("component", "router", "platform", cfg.Platform),
	}, nil
}

// RegisterHandler sets the callback for inbound messages. Call before Run.
func (c *Client) RegisterHandler(h Handler) {
	c.handler = h
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Counts returns the number of frames received and sent.
func (c *Client) Counts() (received, sent int64) {
	return c.received.Load(), c.sent.Load()
}

// Run connects and reads until ctx is done, reconnecting with backoff when
// the connection drops. It returns nil on cancellation and an error only when
// the connection cannot be recovered.
func (c *Client) Run(ctx context.Context) error {
	backoff := retry.Forever(c.cfg.ReconnectInterval, maxReconnectDelay)
	attempt := 0

	for {
		err := c.connect(ctx)
		if err == nil {
			attempt = 0
			err = c.listen(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}

		if c.cfg.ReconnectInterval <= 0 {
			return fmt.Errorf("router connection lost and reconnect is disabled: %w", err)
		}
		if errors.Is(err, ErrRejected) {
			return fmt.Errorf("router connection cannot be recovered: %w", err)
		}

		attempt++
		delay := backoff.NextDelay(attempt)
		c.logger.Warn("router connection failed, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		if retry.Sleep(ctx, delay) != nil {
			return nil
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("platform", c.cfg.Platform)
	if c.cfg.Token != "" {
		header.Set("Authorization", c.cfg.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("dial router: %w (status %d)", ErrRejected, resp.StatusCode)
		}
		return fmt.Errorf("dial router: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.logger.Info("router connected", "url", c.cfg.URL)
	return nil
}

// listen reads frames until the connection fails or ctx is done.
func (c *Client) listen(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	defer c.dropConn(conn)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read router frame: %w", err)
		}
		c.received.Add(1)

		msg, err := Decode(frame)
		if err != nil {
			c.logger.Warn("dropping router frame", "error", err, "length", len(frame))
			continue
		}
		c.logger.Debug("router message received", "message_id", msg.MessageID, "segments", len(msg.Segments))

		if c.handler != nil {
			c.handler(ctx, msg)
		}
	}
}

func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected.Store(false)
	}
	c.mu.Unlock()
	conn.Close()
}

// Send writes msg to the router. Writes are serialised; a failed write drops
// the connection so the read loop reconnects.
func (c *Client) Send(ctx context.Context, msg *types.RouterMessage) error {
	data, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("encode router message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.dropConn(conn)
		return fmt.Errorf("write router frame: %w", err)
	}
	c.sent.Add(1)
	return nil
}

// Close sends a close frame and tears down the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected.Store(false)
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
