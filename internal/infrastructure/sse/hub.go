package sse

import (
	"sync"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

// Hub manages SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Register adds client, replacing and closing an earlier client with the same id.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.clients[client.ClientID]; ok && prev != client {
		prev.Close()
	}
	h.clients[client.ClientID] = client
}

// Unregister removes client if it is still the one registered under its id.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[client.ClientID]; ok && c == client {
		c.Close()
		delete(h.clients, client.ClientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastNegotiation sends message to the clients subscribed to the negotiation.
// It returns the number of clients that dropped the message.
func (h *Hub) BroadcastNegotiation(t negotiation.Type, negotiationID string, message *Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for _, c := range h.clients {
		if c.Wants(t, negotiationID) && !trySend(c, message) {
			dropped++
		}
	}
	return dropped
}

func (h *Hub) SendToClient(clientID string, message *Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return ErrClientNotFound
	}
	if !trySend(c, message) {
		return ErrChannelFull
	}
	return nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
