package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Message types sent to local clients
const (
	MessageCards   = "cards"
	MessageExpired = "expired"
	MessageStatus  = "status"
)

// WebSocketMessage is the standard message format for local clients
type WebSocketMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Client represents a connected local UI client
type Client struct {
	ID   ulid.ULID
	Hub  *Hub
	Conn *websocket.Conn
	Send chan []byte

	// done is closed when the hub drops the client; Send is never closed
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:   ulid.Make(),
		Hub:  hub,
		Conn: conn,
		Send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

// Queue puts a message on the client's send buffer without blocking
func (c *Client) Queue(message WebSocketMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", message.Type, err)
	}
	return c.queue(payload)
}

func (c *Client) queue(payload []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("client %s is closed", c.ID)
	default:
	}

	select {
	case c.Send <- payload:
		return nil
	default:
		return fmt.Errorf("send buffer full for client %s", c.ID)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ReadPump reads from the client until it disconnects. Local clients only
// ever send pings; everything else is ignored.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Warn("WebSocket error", zap.Stringer("client", c.ID), zap.Error(err))
			}
			break
		}

		var wsMessage WebSocketMessage
		if err := json.Unmarshal(message, &wsMessage); err != nil {
			c.Hub.logger.Debug("Error unmarshalling WebSocket message", zap.Stringer("client", c.ID), zap.Error(err))
			continue
		}

		if wsMessage.Type == "ping" {
			pong := WebSocketMessage{
				Type: "pong",
				Data: map[string]string{"timestamp": time.Now().Format(time.RFC3339)},
			}
			if err := c.Queue(pong); err != nil {
				c.Hub.logger.Debug("Dropping pong", zap.Error(err))
			}
			continue
		}

		c.Hub.logger.Debug("Ignoring client message", zap.Stringer("client", c.ID), zap.String("type", wsMessage.Type))
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// The hub dropped the client
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub fans card changes out to every connected local client
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	count      chan chan int
	done       chan struct{}
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		logger:     logger.Named("hub"),
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues a message for every client. Messages are dropped when
// the hub is stopped or its queue is full.
func (h *Hub) Broadcast(message WebSocketMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Error marshalling WebSocket message", zap.String("type", message.Type), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- payload:
	case <-h.done:
	default:
		h.logger.Warn("Broadcast queue full, dropping message", zap.String("type", message.Type))
	}
}

// ClientCount returns the number of registered clients
func (h *Hub) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Run starts the hub's main loop; it returns when ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			client.close()
			delete(h.clients, client)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Info("Client connected", zap.Stringer("client", client.ID))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				h.logger.Info("Client disconnected", zap.Stringer("client", client.ID))
			}
		case reply := <-h.count:
			reply <- len(h.clients)
		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.queue(message); err != nil {
					// Client's send buffer is full, assume disconnected
					h.logger.Warn("Removing client", zap.Stringer("client", client.ID), zap.Error(err))
					client.close()
					delete(h.clients, client)
				}
			}
		}
	}
}
