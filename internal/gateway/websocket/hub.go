package websocket

import (
	"encoding/json"
	"sync"

	"warden/pkg/logger"
)

// Hub maintains the set of connected clients and fans broadcast frames
// out to them. Topic routing honours per-client subscriptions: a client
// that never subscribed receives every frame, a client with
// subscriptions receives only matching topics.
type Hub struct {
	// Registered clients. Client topic sets are guarded by mu too.
	clients map[*Client]bool

	// Register requests from clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Outgoing frames.
	broadcast chan *BroadcastMessage

	// Closed by Stop to end the Run loop.
	done chan struct{}

	stopOnce sync.Once

	mu sync.RWMutex
}

// NewHub creates a hub. Call Run in its own goroutine before serving
// connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop. It owns client membership and frame
// dispatch and returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).Msg("WebSocket client disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(msg.Topic) {
					continue
				}
				select {
				case client.send <- msg.Data:
				default:
					// Client buffer full, drop the frame for this client.
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends the Run loop and disconnects all clients.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribe narrows a client's feed to the given topic. The first
// subscription switches the client from firehose to filtered mode.
func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.topics[topic] = true

	logger.Debug().
		Str("client_id", client.id).
		Str("topic", topic).
		Msg("client subscribed")
}

// Unsubscribe removes a topic from a client's filter. Dropping the last
// topic returns the client to the full feed.
func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.topics, topic)

	logger.Debug().
		Str("client_id", client.id).
		Str("topic", topic).
		Msg("client unsubscribed")
}

// Broadcast sends a frame to clients subscribed to the topic and to
// clients without any subscription filter.
func (h *Hub) Broadcast(topic string, data []byte) {
	select {
	case h.broadcast <- &BroadcastMessage{Topic: topic, Data: data}:
	case <-h.done:
	}
}

// BroadcastAll sends a frame to every connected client.
func (h *Hub) BroadcastAll(data []byte) {
	h.Broadcast("", data)
}

// BroadcastTyped marshals a {type, data} frame and sends it to every
// client. Used for gateway-originated frames such as alert snapshots.
func (h *Hub) BroadcastTyped(messageType string, payload any) error {
	msg := struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{
		Type: messageType,
		Data: payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Str("type", messageType).Msg("failed to marshal broadcast frame")
		return err
	}

	h.BroadcastAll(data)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
