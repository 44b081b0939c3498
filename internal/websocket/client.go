package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/dispatch"
	"github.com/adi-253/Talkie/realtime/internal/rooms"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Default maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Outbound frames buffered per connection before broadcasts start skipping it
	sendBuffer = 256
)

// Client is a single websocket connection of an authenticated user.
// It implements rooms.Connection.
type Client struct {
	hub *Hub

	// WebSocket connection
	conn *websocket.Conn

	// Buffered channel of outbound frames
	send chan []byte

	id       string
	userID   string
	metadata map[string]string

	// inbound frame throttle, independent of the per-user action limits
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new Client instance
func NewClient(hub *Hub, conn *websocket.Conn, id, userID string, metadata map[string]string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		id:       id,
		userID:   userID,
		metadata: metadata,
		limiter:  rate.NewLimiter(hub.cfg.FrameRate, hub.cfg.FrameBurst),
		done:     make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Metadata describes where the connection came from.
func (c *Client) Metadata() map[string]string { return c.metadata }

// Send queues a frame without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the socket and ends ReadPump.
// Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"component": "websocket",
		"conn_id":   c.id,
		"user_id":   c.userID,
	})
}

// ReadPump reads frames from the connection and hands them to the dispatcher.
// This runs in its own goroutine per client
func (c *Client) ReadPump(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log().WithError(err).Warn("read error")
			}
			return
		}

		if !c.limiter.Allow() {
			rooms.Send(c, dispatch.ErrorEvent("", apperror.RateLimited("too many frames, slow down")))
			continue
		}
		c.hub.dispatcher.Dispatch(ctx, c, message)
	}
}

// WritePump pumps queued frames to the WebSocket connection
// This runs in its own goroutine per client
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			// one frame per websocket message; clients parse each as JSON
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
