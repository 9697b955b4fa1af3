package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades stream requests and hands the connections to the hub.
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithComponent("ws-handler"),
	}
}

// Stream handles a live event stream. Every attempt_id query value is
// subscribed up front; clients may change subscriptions with
// SubscriptionMessage frames afterwards.
// WS /api/v1/stream?attempt_id=...
func (h *WSHandler) Stream(c *gin.Context) {
	attemptIDs := c.QueryArray("attempt_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)
	for _, attemptID := range attemptIDs {
		client.Subscribe(attemptID)
	}

	h.logger.Debug("stream connection established",
		zap.String("client_id", client.ID),
		zap.Strings("attempt_ids", attemptIDs))

	go client.WritePump()
	go client.ReadPump()
}

// SetupRoutes adds the stream route to the router
func SetupRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/stream", handler.Stream)
}
