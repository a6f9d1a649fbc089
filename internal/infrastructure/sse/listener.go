package sse

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

// Listener forwards committed negotiation events to subscribed SSE clients.
type Listener struct {
	hub    *Hub
	logger zerolog.Logger
}

func NewListener(hub *Hub, logger zerolog.Logger) *Listener {
	return &Listener{hub: hub, logger: logger.With().Str("service", "sse").Logger()}
}

func (l *Listener) OnNegotiationEvent(_ context.Context, ev negotiation.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error().Err(err).Str("negotiation_id", ev.NegotiationID).Msg("failed to encode event")
		return
	}
	if dropped := l.hub.BroadcastNegotiation(ev.NegotiationType, ev.NegotiationID, NewMessage(string(ev.Type), data)); dropped > 0 {
		l.logger.Warn().Int("dropped", dropped).Str("event", string(ev.Type)).Msg("slow sse clients skipped event")
	}
}
