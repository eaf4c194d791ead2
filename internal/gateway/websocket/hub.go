// Package websocket provides the operator notification feed. Connected
// clients receive a JSON frame for every bus event the runtime publishes
// (run lifecycle, queue activity, lease transitions, thread changes).
// The feed is one-way; the only inbound messages are thread subscription
// commands.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/getleon/leon/internal/common/logger"
)

// Notification is a single frame pushed to connected clients. Type is
// the bus event type that produced it. ThreadID is empty for global
// frames such as orphan findings.
type Notification struct {
	Type     string                 `json:"type"`
	ThreadID string                 `json:"thread_id,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Time     time.Time              `json:"time"`
}

// Hub manages all WebSocket client connections
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Clients that narrowed the feed to specific threads
	threadSubscribers map[string]map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel for broadcasting notifications
	broadcast chan *Notification

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:           make(map[*Client]bool),
		threadSubscribers: make(map[string]map[*Client]bool),
		register:          make(chan *Client),
		unregister:        make(chan *Client),
		broadcast:         make(chan *Notification, 256),
		logger:            log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case n := <-h.broadcast:
			h.broadcastNotification(n)
		}
	}
}

// closeAllClients closes all client connections
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.threadSubscribers = make(map[string]map[*Client]bool)
}

// removeClient removes a client from the hub
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeClientLocked(client)
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) removeClientLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for threadID := range client.subscriptions {
		if clients, ok := h.threadSubscribers[threadID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.threadSubscribers, threadID)
			}
		}
	}
}

// broadcastNotification fans a frame out to every client it is relevant
// for. Clients with no thread subscriptions see everything; clients that
// subscribed see frames for their threads plus global frames. A client
// whose send buffer is full is evicted so a stalled reader cannot back
// up the hub.
func (h *Hub) broadcastNotification(n *Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var stalled []*Client
	for client := range h.clients {
		if !client.wants(n.ThreadID) {
			continue
		}
		select {
		case client.send <- data:
		default:
			stalled = append(stalled, client)
		}
	}
	for _, client := range stalled {
		h.logger.Warn("Evicting slow client", zap.String("client_id", client.ID))
		h.removeClientLocked(client)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a notification for fan-out. Frames are dropped when
// the hub cannot keep up; durable history lives in the run event log,
// not here. Publishers must never block on the feed.
func (h *Hub) Broadcast(n *Notification) {
	select {
	case h.broadcast <- n:
	default:
		h.logger.Warn("Broadcast buffer full, dropping frame")
	}
}

// SubscribeToThread narrows a client's feed to specific threads. The
// first subscription switches the client from firehose to filtered.
func (h *Hub) SubscribeToThread(client *Client, threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// An evicted client must not re-enter the subscriber index.
	if _, ok := h.clients[client]; !ok {
		return
	}
	if _, ok := h.threadSubscribers[threadID]; !ok {
		h.threadSubscribers[threadID] = make(map[*Client]bool)
	}
	h.threadSubscribers[threadID][client] = true
	client.subscriptions[threadID] = true

	h.logger.Debug("Client subscribed to thread",
		zap.String("client_id", client.ID),
		zap.String("thread_id", threadID))
}

// UnsubscribeFromThread removes a thread from a client's filter. Removing
// the last subscription returns the client to the firehose.
func (h *Hub) UnsubscribeFromThread(client *Client, threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, threadID)
	if clients, ok := h.threadSubscribers[threadID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.threadSubscribers, threadID)
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
