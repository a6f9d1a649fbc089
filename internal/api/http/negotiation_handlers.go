package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/negotiation-hub/negotiation-hub/internal/application/command"
	appNegotiation "github.com/negotiation-hub/negotiation-hub/internal/application/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

// negotiationResponse is the management view of a negotiation. State is the
// numeric code; StateName carries its readable form.
type negotiationResponse struct {
	negotiation.Snapshot
	StateName string `json:"stateName"`
}

func toNegotiationResponse(n *negotiation.Negotiation) negotiationResponse {
	return negotiationResponse{Snapshot: n.Snapshot(), StateName: n.State().String()}
}

func toNegotiationResponses(items []*negotiation.Negotiation) []negotiationResponse {
	out := make([]negotiationResponse, 0, len(items))
	for _, n := range items {
		out = append(out, toNegotiationResponse(n))
	}
	return out
}

type queryRequest struct {
	Criteria  []negotiation.Criterion `json:"criteria"`
	Offset    int                     `json:"offset"`
	Limit     int                     `json:"limit"`
	SortField string                  `json:"sortField"`
	SortOrder string                  `json:"sortOrder"`
}

func (q queryRequest) spec() negotiation.QuerySpec {
	limit := q.Limit
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return negotiation.QuerySpec{
		Criteria:  q.Criteria,
		Offset:    q.Offset,
		Limit:     limit,
		SortField: q.SortField,
		SortOrder: negotiation.SortOrder(q.SortOrder),
	}
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type counterOfferRequest struct {
	Offer negotiation.ContractOffer `json:"offer"`
}

func (s *Server) initiateNegotiation(w http.ResponseWriter, r *http.Request) {
	var req appNegotiation.InitiateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	n, err := s.negotiations.Initiate(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toNegotiationResponse(n))
}

func (s *Server) offerNegotiation(w http.ResponseWriter, r *http.Request) {
	var req appNegotiation.OfferRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	n, err := s.negotiations.Offer(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toNegotiationResponse(n))
}

func (s *Server) getNegotiation(w http.ResponseWriter, r *http.Request) {
	n, err := s.negotiations.Get(r.Context(), chi.URLParam(r, "negotiationId"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toNegotiationResponse(n))
}

func (s *Server) listNegotiations(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, defaultPageSize, maxPageSize)
	query := r.URL.Query()
	spec := negotiation.QuerySpec{
		Offset:    offset,
		Limit:     limit,
		SortField: query.Get("sort"),
		SortOrder: negotiation.SortOrder(query.Get("order")),
	}
	if states := splitCSV(query.Get("state")); len(states) == 1 {
		spec.Criteria = append(spec.Criteria, negotiation.Criterion{Field: "state", Operator: "=", Value: states[0]})
	} else if len(states) > 1 {
		spec.Criteria = append(spec.Criteria, negotiation.Criterion{Field: "state", Operator: "in", Value: states})
	}
	for _, field := range []string{"type", "correlationId", "counterPartyId"} {
		if v := strings.TrimSpace(query.Get(field)); v != "" {
			spec.Criteria = append(spec.Criteria, negotiation.Criterion{Field: field, Operator: "=", Value: v})
		}
	}
	items, err := s.negotiations.Query(r.Context(), spec)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items":  toNegotiationResponses(items),
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) queryNegotiations(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	items, err := s.negotiations.Query(r.Context(), req.spec())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": toNegotiationResponses(items)})
}

func (s *Server) deleteNegotiation(w http.ResponseWriter, r *http.Request) {
	if err := s.negotiations.Delete(r.Context(), chi.URLParam(r, "negotiationId")); err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelNegotiation(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	s.submit(w, r, command.NewCancelNegotiation(chi.URLParam(r, "negotiationId"), req.Reason))
}

func (s *Server) declineNegotiation(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	s.submit(w, r, command.NewDeclineNegotiation(chi.URLParam(r, "negotiationId"), req.Reason))
}

func (s *Server) acceptOffer(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, command.NewAcceptOffer(chi.URLParam(r, "negotiationId")))
}

func (s *Server) counterOffer(w http.ResponseWriter, r *http.Request) {
	var req counterOfferRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if strings.TrimSpace(req.Offer.ID) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "offer.id required")
		return
	}
	s.submit(w, r, command.NewCounterOffer(chi.URLParam(r, "negotiationId"), req.Offer))
}

// submit runs cmd and answers 200 with the updated negotiation, or 202 when
// the target was leased and the command was queued.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, cmd command.Command) {
	n, queued, err := s.negotiations.Submit(r.Context(), cmd)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if queued {
		respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":        "QUEUED",
			"commandId":     cmd.CommandID(),
			"negotiationId": cmd.NegotiationID(),
		})
		return
	}
	respondJSON(w, http.StatusOK, toNegotiationResponse(n))
}

func (s *Server) negotiationAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := parseLimitOffset(r, 100, 1000)
	entries, err := s.audit.Trail(r.Context(), chi.URLParam(r, "negotiationId"), limit)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": entries})
}

func (s *Server) listAgreements(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, defaultPageSize, maxPageSize)
	query := r.URL.Query()
	spec := negotiation.QuerySpec{
		Offset:    offset,
		Limit:     limit,
		SortField: query.Get("sort"),
		SortOrder: negotiation.SortOrder(query.Get("order")),
	}
	for _, field := range []string{"assetId", "providerId", "consumerId"} {
		if v := strings.TrimSpace(query.Get(field)); v != "" {
			spec.Criteria = append(spec.Criteria, negotiation.Criterion{Field: field, Operator: "=", Value: v})
		}
	}
	items, err := s.negotiations.QueryAgreements(r.Context(), spec)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) queryAgreements(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	items, err := s.negotiations.QueryAgreements(r.Context(), req.spec())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(r *http.Request, v interface{}) error {
	if err := decodeBody(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
