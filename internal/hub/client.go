package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"pos-service/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Client is one subscriber connection
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// userID is guarded by hub.mu
	userID string

	lastSeen atomic.Int64
	done     chan struct{}
	stopOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	c.touch()
	return c
}

// LastSeen is when the connection last sent a frame or pong
func (c *Client) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Client) extendDeadline() error {
	c.touch()
	return c.conn.SetReadDeadline(time.Now().Add(c.hub.heartbeat))
}

// readPump handles AUTH frames and keeps the heartbeat deadline moving
func (c *Client) readPump() {
	defer c.hub.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.extendDeadline()
	c.conn.SetPongHandler(func(string) error { return c.extendDeadline() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Subscriber read failed",
					zap.String("connection_id", c.id),
					zap.Error(err))
			}
			return
		}
		_ = c.extendDeadline()

		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug("Ignoring malformed frame", zap.String("connection_id", c.id))
			continue
		}

		switch msg.Type {
		case models.MessageTypeAuth:
			if msg.UserID != "" {
				c.hub.bind(c, msg.UserID)
			}
		default:
		}
	}
}

// writePump is the only writer on conn
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.remove(c)
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
