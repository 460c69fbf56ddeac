// Package socket serves the live channel: one WebSocket per device,
// with a reader, a dispatcher and a writer per connection.
package socket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/spotter/internal/event"
)

// Client is one live connection. It implements presence.Conn.
type Client struct {
	id     string
	userID string
	ws     *websocket.Conn
	out    chan event.Envelope

	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func newClient(id, userID string, ws *websocket.Conn, queue int) *Client {
	return &Client{
		id:     id,
		userID: userID,
		ws:     ws,
		out:    make(chan event.Envelope, queue),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user behind the connection.
func (c *Client) UserID() string { return c.userID }

// Send enqueues env without blocking. A full queue closes the connection as a slow consumer.
// It is called with hub locks held and must never wait on the network.
func (c *Client) Send(env event.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- env:
		return true
	default:
		slog.Warn("Closing slow consumer", "conn_id", c.id, "user_id", c.userID, "event", env.Event, "queue", cap(c.out))
		c.close(websocket.StatusPolicyViolation, reasonSlowConsumer)
		return false
	}
}

// close stops the write loop and starts the close handshake. The handshake runs in the
// background because close may be called with hub locks held; the reader exits once it completes.
func (c *Client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
		if c.ws == nil {
			return
		}
		go func() {
			if err := c.ws.Close(code, reason); err != nil {
				slog.Debug("WebSocket close", "conn_id", c.id, "reason", reason, "error", err)
			}
		}()
	})
}

// Done is closed once the connection starts shutting down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// writeLoop drains the outbound queue and pings the peer until the connection closes.
func (c *Client) writeLoop(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case env := <-c.out:
			if err := c.write(ctx, env, writeTimeout); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "conn_id", c.id, "error", err)
				}
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-tick:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("WebSocket ping failed", "conn_id", c.id, "error", err)
				c.close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *Client) write(ctx context.Context, env event.Envelope, timeout time.Duration) error {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("Failed to encode frame", "conn_id", c.id, "event", env.Event, "error", err)
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}
