package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/protocol"
)

// receiveMessage is the counterparty ingress. The message kind comes from the
// path; a body that names a different kind is rejected.
func (s *Server) receiveMessage(w http.ResponseWriter, r *http.Request) {
	kind := protocol.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "unknown message kind "+string(kind))
		return
	}
	var msg protocol.Message
	if err := decodeBody(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if msg.Kind == "" {
		msg.Kind = kind
	}
	if msg.Kind != kind {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "message kind does not match path")
		return
	}
	ack, err := s.negotiations.Handle(r.Context(), msg)
	if err != nil {
		s.logger.Debug().Err(err).
			Str("kind", string(kind)).
			Str("process_id", msg.ProcessID).
			Str("sender_id", msg.SenderID).
			Msg("protocol message rejected")
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ack)
}
