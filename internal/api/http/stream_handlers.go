package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/sse"
)

// streamNegotiations sends committed negotiation events as server-sent
// events. Optional filters: type (CSV of CONSUMER/PROVIDER) and ids (CSV of
// negotiation ids).
func (s *Server) streamNegotiations(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	var types []negotiation.Type
	for _, t := range splitCSV(r.URL.Query().Get("type")) {
		typ := negotiation.Type(t)
		if !typ.Valid() {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "unknown negotiation type "+t)
			return
		}
		types = append(types, typ)
	}
	ids := splitCSV(r.URL.Query().Get("ids"))
	client := sse.NewClient(clientID, types, ids)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client)
	s.logger.Debug().Str("client_id", clientID).Int("clients", s.sseHub.ClientCount()).Msg("sse client connected")

	// The first event tells the client the id it can reconnect with.
	hello, _ := json.Marshal(map[string]interface{}{"clientId": clientID, "types": types, "ids": ids})
	if err := s.sseHub.SendToClient(clientID, sse.NewMessage("connected", hello)); err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.MessageChan:
			if !open || msg == nil {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = w.Write([]byte("event: " + msg.Event + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
