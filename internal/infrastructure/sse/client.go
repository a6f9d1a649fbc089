package sse

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

var (
	ErrClientNotFound = errors.New("sse client not found")
	ErrChannelFull    = errors.New("sse client channel full")
)

// Client is an active SSE connection. An empty filter receives every event.
type Client struct {
	ClientID       string
	Types          []negotiation.Type
	NegotiationIDs []string
	ConnectedAt    time.Time
	MessageChan    chan *Message
}

func NewClient(clientID string, types []negotiation.Type, negotiationIDs []string) *Client {
	return &Client{
		ClientID:       clientID,
		Types:          types,
		NegotiationIDs: negotiationIDs,
		ConnectedAt:    time.Now().UTC(),
		MessageChan:    make(chan *Message, 100),
	}
}

// Close closes the client's message channel.
func (c *Client) Close() {
	close(c.MessageChan)
}

// Wants reports whether the client subscribed to events of this negotiation.
func (c *Client) Wants(t negotiation.Type, negotiationID string) bool {
	if len(c.Types) > 0 && !contains(c.Types, t) {
		return false
	}
	if len(c.NegotiationIDs) > 0 && !contains(c.NegotiationIDs, negotiationID) {
		return false
	}
	return true
}

func contains[T comparable](items []T, v T) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

// Message is one server-sent event.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewMessage(event string, data json.RawMessage) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
