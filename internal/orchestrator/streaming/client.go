package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Subscription actions accepted from clients.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// SubscriptionMessage is sent by clients to subscribe/unsubscribe
type SubscriptionMessage struct {
	Action     string   `json:"action"`
	AttemptIDs []string `json:"attempt_ids"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *logger.Logger

	closeOnce sync.Once
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    hub,
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump reads subscription messages until the connection fails.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeConn()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg SubscriptionMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("invalid subscription message", zap.Error(err))
			continue
		}

		switch msg.Action {
		case ActionSubscribe:
			for _, attemptID := range msg.AttemptIDs {
				c.Subscribe(attemptID)
			}
		case ActionUnsubscribe:
			for _, attemptID := range msg.AttemptIDs {
				c.Unsubscribe(attemptID)
			}
		default:
			c.logger.Warn("unknown subscription action", zap.String("action", msg.Action))
		}
	}
}

// WritePump writes queued events and keepalive pings to the connection.
// Each queued event is sent as its own text frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribe starts routing events for an attempt to the client.
func (c *Client) Subscribe(attemptID string) {
	if attemptID == "" {
		return
	}
	c.hub.SubscribeClient(c, attemptID)
	c.logger.WithAttemptID(attemptID).Debug("subscribed to attempt")
}

// Unsubscribe stops routing events for an attempt to the client.
func (c *Client) Unsubscribe(attemptID string) {
	c.hub.UnsubscribeClient(c, attemptID)
	c.logger.WithAttemptID(attemptID).Debug("unsubscribed from attempt")
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
