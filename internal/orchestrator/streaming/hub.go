// Package streaming pushes attempt-scoped bus events to WebSocket clients.
package streaming

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/events"
	"github.com/anyon/anyon/internal/events/bus"
)

const broadcastBuffer = 256

// BroadcastMessage carries one bus event to the clients watching an attempt.
type BroadcastMessage struct {
	AttemptID string
	Event     *bus.Event
}

// Hub manages all WebSocket clients
type Hub struct {
	clients map[*Client]bool

	// Clients by attempt ID for message routing
	attemptClients map[string]map[*Client]bool

	broadcast chan *BroadcastMessage
	stopped   bool

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		attemptClients: make(map[string]map[*Client]bool),
		broadcast:      make(chan *BroadcastMessage, broadcastBuffer),
		logger:         log.WithComponent("stream-hub"),
	}
}

// Run delivers broadcasts until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("stream hub started")
	defer h.logger.Info("stream hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.stopped = true
			for client := range h.clients {
				h.dropLocked(client)
			}
			h.mu.Unlock()
			return

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	data, err := msg.Event.Encode()
	if err != nil {
		h.logger.Error("failed to encode event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.attemptClients[msg.AttemptID] {
		select {
		case client.send <- data:
		default:
			// Slow consumer; its write pump sees the closed channel and hangs up.
			h.logger.Warn("dropping slow stream client", zap.String("client_id", client.ID))
			h.dropLocked(client)
		}
	}
}

// dropLocked forgets client and closes its send channel. Callers hold h.mu.
func (h *Hub) dropLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for attemptID, clients := range h.attemptClients {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.attemptClients, attemptID)
		}
	}
}

// Register adds a client to the hub. A hub that stopped closes the client
// right away.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		close(client.send)
		return
	}
	h.clients[client] = true
	h.logger.Debug("client registered", zap.String("client_id", client.ID))
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		h.dropLocked(client)
		h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
	}
}

// Broadcast queues event for the clients watching attemptID. Events are
// dropped when the queue is full so bus publishers never block.
func (h *Hub) Broadcast(attemptID string, event *bus.Event) bool {
	select {
	case h.broadcast <- &BroadcastMessage{AttemptID: attemptID, Event: event}:
		return true
	default:
		h.logger.WithAttemptID(attemptID).Warn("stream broadcast queue full, dropping event",
			zap.String("event_type", event.Type))
		return false
	}
}

// SubscribeClient routes events for attemptID to client.
func (h *Hub) SubscribeClient(client *Client, attemptID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	if _, ok := h.attemptClients[attemptID]; !ok {
		h.attemptClients[attemptID] = make(map[*Client]bool)
	}
	h.attemptClients[attemptID][client] = true
}

// UnsubscribeClient stops routing events for attemptID to client.
func (h *Hub) UnsubscribeClient(client *Client, attemptID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.attemptClients[attemptID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.attemptClients, attemptID)
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetAttemptSubscriberCount returns the number of clients watching an attempt.
func (h *Hub) GetAttemptSubscriberCount(attemptID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.attemptClients[attemptID])
}

// Forward subscribes the hub to every attempt-scoped event type on eventBus.
// The returned subscriptions are owned by the caller.
func (h *Hub) Forward(eventBus bus.EventBus) ([]bus.Subscription, error) {
	subs := make([]bus.Subscription, 0, len(events.AttemptSubjects()))
	for _, eventType := range events.AttemptSubjects() {
		sub, err := eventBus.Subscribe(events.BuildWildcardSubject(eventType), h.handleEvent)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (h *Hub) handleEvent(_ context.Context, event *bus.Event) error {
	attemptID := event.String("task_attempt_id")
	if attemptID == "" {
		return nil
	}
	h.Broadcast(attemptID, event)
	return nil
}
