package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/getleon/leon/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024 // inbound traffic is subscription commands only
)

// Command is an inbound message from a feed client. The feed accepts
// thread.subscribe and thread.unsubscribe; everything else is rejected.
type Command struct {
	Action   string `json:"action"`
	ThreadID string `json:"thread_id"`
}

// Client represents a single WebSocket connection
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool // Thread IDs this client narrowed the feed to
	logger        *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// wants reports whether the client should receive a frame for the given
// thread. Clients with no subscriptions take the firehose; frames with
// no thread are global and reach everyone. Called with the hub lock held.
func (c *Client) wants(threadID string) bool {
	if len(c.subscriptions) == 0 || threadID == "" {
		return true
	}
	return c.subscriptions[threadID]
}

// ReadPump pumps subscription commands from the WebSocket connection to
// the hub. It owns connection teardown.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.logger.Error("Failed to parse command", zap.Error(err))
			c.sendError("invalid command format")
			continue
		}

		c.handleCommand(&cmd)
	}
}

// handleCommand processes an inbound subscription command
func (c *Client) handleCommand(cmd *Command) {
	c.logger.Debug("Received command",
		zap.String("action", cmd.Action),
		zap.String("thread_id", cmd.ThreadID))

	switch cmd.Action {
	case "thread.subscribe":
		if cmd.ThreadID == "" {
			c.sendError("thread_id is required")
			return
		}
		c.hub.SubscribeToThread(c, cmd.ThreadID)
		c.sendFrame(&Notification{Type: "subscribed", ThreadID: cmd.ThreadID, Time: time.Now().UTC()})

	case "thread.unsubscribe":
		if cmd.ThreadID == "" {
			c.sendError("thread_id is required")
			return
		}
		c.hub.UnsubscribeFromThread(c, cmd.ThreadID)
		c.sendFrame(&Notification{Type: "unsubscribed", ThreadID: cmd.ThreadID, Time: time.Now().UTC()})

	default:
		c.sendError("unknown action: " + cmd.Action)
	}
}

// sendFrame queues a frame for this client only. The hub closes send
// while holding its lock, so membership is checked under the same lock
// to keep this from racing an eviction.
func (c *Client) sendFrame(n *Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// sendError sends an error frame to the client
func (c *Client) sendError(message string) {
	c.sendFrame(&Notification{
		Type: "error",
		Data: map[string]interface{}{"message": message},
		Time: time.Now().UTC(),
	})
}

// WritePump pumps frames from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
