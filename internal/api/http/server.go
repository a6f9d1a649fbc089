package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	appAudit "github.com/negotiation-hub/negotiation-hub/internal/application/audit"
	"github.com/negotiation-hub/negotiation-hub/internal/application/command"
	appNegotiation "github.com/negotiation-hub/negotiation-hub/internal/application/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/dispatch"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/raftstore"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/sse"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	negotiations    *appNegotiation.Service
	audit           *appAudit.Service
	sseHub          *sse.Hub
	node            *raftstore.Node
	managementToken string
	protocolToken   string
	logger          zerolog.Logger
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithRaftNode exposes cluster membership endpoints for node.
func WithRaftNode(node *raftstore.Node) Option {
	return func(s *Server) { s.node = node }
}

// WithAudit exposes the audit trail of each negotiation.
func WithAudit(svc *appAudit.Service) Option {
	return func(s *Server) { s.audit = svc }
}

// WithTokens requires bearer tokens on the management and protocol routes.
// An empty token leaves that route group open.
func WithTokens(management, protocol string) Option {
	return func(s *Server) {
		s.managementToken = management
		s.protocolToken = protocol
	}
}

func NewServer(negotiations *appNegotiation.Service, sseHub *sse.Hub, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		negotiations: negotiations,
		sseHub:       sseHub,
		logger:       logger.With().Str("service", "http").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.requireToken(s.protocolToken))
		r.Post(dispatch.IngressPath+"{kind}", s.receiveMessage)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken(s.managementToken))

		r.Route("/negotiations", func(r chi.Router) {
			// Event streams stay open past the request timeout.
			r.Get("/stream", s.streamNegotiations)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.Post("/", s.initiateNegotiation)
				r.Get("/", s.listNegotiations)
				r.Post("/offers", s.offerNegotiation)
				r.Post("/query", s.queryNegotiations)
				r.Get("/{negotiationId}", s.getNegotiation)
				r.Delete("/{negotiationId}", s.deleteNegotiation)
				r.Post("/{negotiationId}/cancel", s.cancelNegotiation)
				r.Post("/{negotiationId}/decline", s.declineNegotiation)
				r.Post("/{negotiationId}/accept", s.acceptOffer)
				r.Post("/{negotiationId}/counter-offer", s.counterOffer)
				if s.audit != nil {
					r.Get("/{negotiationId}/audit", s.negotiationAudit)
				}
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/agreements", s.listAgreements)
			r.Post("/agreements/query", s.queryAgreements)
			if s.node != nil {
				r.Get("/raft/status", s.raftStatus)
				r.Post("/raft/join", s.raftJoin)
				r.Post("/raft/remove", s.raftRemove)
			}
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"status": "ok"}
	if s.node != nil {
		out["raft_state"] = s.node.State()
		out["leader"] = s.node.LeaderAddr()
	}
	respondJSON(w, http.StatusOK, out)
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondServiceError maps store and command errors to HTTP statuses. The
// queue error is checked first because it wraps the lease conflict.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, command.ErrQueueFull):
		respondError(w, http.StatusServiceUnavailable, "QUEUE_FULL", err.Error())
	case errors.Is(err, negotiation.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, negotiation.ErrAlreadyLeased):
		respondError(w, http.StatusLocked, "LEASED", err.Error())
	case errors.Is(err, raftstore.ErrNotLeader):
		respondError(w, http.StatusConflict, "NOT_LEADER", err.Error())
	case errors.Is(err, command.ErrConflict),
		errors.Is(err, negotiation.ErrAgreementConflict),
		errors.Is(err, negotiation.ErrIllegalTransition),
		errors.Is(err, negotiation.ErrDeleteNotAllowed):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, negotiation.ErrInvalidEntity),
		errors.Is(err, negotiation.ErrInvalidQuery):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := []string{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			offset = parsed
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
