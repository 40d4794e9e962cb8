// Package client provides a reusable WebSocket load test client for the
// Courier messaging backend. It connects using gobwas/ws (the same library the
// server uses), automatically performs the authenticate handshake with a
// locally signed token, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuthenticate      = "authenticate"
	TypeSendMessage       = "send_message"
	TypeStreamMessages    = "stream_messages"
	TypeListUsers         = "list_users"
	TypeSubscribePresence = "subscribe_presence"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeAuthenticated = "authenticated"
	TypeMessage       = "message"
	TypeMessageSent   = "message_sent"
	TypeHistory       = "history"
	TypePresence      = "presence"
	TypeRateLimited   = "rate_limited"
	TypeError         = "error"
	TypePong          = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	AuthLatency      time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the Courier server.
// It manages the WebSocket lifecycle, dispatches incoming messages to
// registered handlers, and automatically completes the authenticate handshake.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	userID    string
	authedAt  time.Time
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	dialedAt  time.Time
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately, a background goroutine begins
// reading messages, and an authenticate message carrying the supplied token
// is sent as the first frame. When the server confirms with authenticated,
// the client records the handshake latency and exposes the assigned user ID.
func New(ctx context.Context, url, token string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
		dialedAt: start,
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	if err := c.Send(map[string]string{
		"type":  TypeAuthenticate,
		"token": token,
	}); err != nil {
		c.Close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForAuth blocks until the server has confirmed authentication or the
// context is cancelled. This is useful for coordinating load test phases
// that depend on the handshake being complete.
func (c *Client) WaitForAuth(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before authentication completed")
		case <-ticker.C:
			c.mu.Lock()
			authed := c.userID != ""
			c.mu.Unlock()
			if authed {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the user ID confirmed by the server, or an empty string if
// the handshake has not completed yet.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Handle authenticated internally: record the confirmed user ID and
		// the handshake latency measured from the initial dial.
		if envelope.Type == TypeAuthenticated {
			var msg struct {
				Type   string `json:"type"`
				UserID string `json:"user_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.UserID != "" {
				c.mu.Lock()
				if c.userID == "" {
					c.userID = msg.UserID
					c.authedAt = time.Now()
					c.metrics.AuthLatency = c.authedAt.Sub(c.dialedAt)
				}
				c.mu.Unlock()
			}
		}

		c.mu.Lock()
		handler, ok := c.handlers[envelope.Type]
		c.mu.Unlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}
