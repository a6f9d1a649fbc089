package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/negotiation-hub/negotiation-hub/internal/application/command"
	"github.com/negotiation-hub/negotiation-hub/internal/application/observer"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/protocol"
)

// InitiateRequest starts a consumer negotiation for an offer.
type InitiateRequest struct {
	CounterPartyID      string                        `json:"counterPartyId"`
	CounterPartyAddress string                        `json:"counterPartyAddress"`
	Protocol            string                        `json:"protocol"`
	Offer               negotiation.ContractOffer     `json:"offer"`
	CallbackAddresses   []negotiation.CallbackAddress `json:"callbackAddresses,omitempty"`
	TraceContext        map[string]string             `json:"traceContext,omitempty"`
}

// OfferRequest starts a provider-initiated negotiation.
type OfferRequest struct {
	CounterPartyID      string                        `json:"counterPartyId"`
	CounterPartyAddress string                        `json:"counterPartyAddress"`
	Protocol            string                        `json:"protocol"`
	Offer               negotiation.ContractOffer     `json:"offer"`
	CallbackAddresses   []negotiation.CallbackAddress `json:"callbackAddresses,omitempty"`
}

// Service creates negotiations and applies inbound protocol messages.
type Service struct {
	store    negotiation.Store
	executor *command.Executor
	queue    *command.Queue
	notifier *observer.Notifier
	logger   zerolog.Logger
}

// NewService creates a negotiation service. queue buffers management
// commands for leased negotiations and may be nil, in which case they are
// rejected with ErrAlreadyLeased. Protocol messages are never queued.
func NewService(
	store negotiation.Store,
	executor *command.Executor,
	queue *command.Queue,
	notifier *observer.Notifier,
	logger zerolog.Logger,
) *Service {
	return &Service{
		store:    store,
		executor: executor,
		queue:    queue,
		notifier: notifier,
		logger:   logger.With().Str("service", "negotiation").Logger(),
	}
}

// Initiate creates a consumer negotiation ready to send its request.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*negotiation.Negotiation, error) {
	n, err := negotiation.New(negotiation.Params{
		Type:                negotiation.TypeConsumer,
		CorrelationID:       uuid.NewString(),
		CounterPartyID:      req.CounterPartyID,
		CounterPartyAddress: req.CounterPartyAddress,
		Protocol:            req.Protocol,
		Offers:              []negotiation.ContractOffer{req.Offer},
		CallbackAddresses:   req.CallbackAddresses,
		TraceContext:        req.TraceContext,
	})
	if err != nil {
		return nil, err
	}
	if err := n.TransitionRequesting(); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, n); err != nil {
		return nil, fmt.Errorf("save negotiation: %w", err)
	}
	s.logger.Info().Str("negotiation_id", n.ID()).Str("counter_party_id", n.CounterPartyID()).Msg("negotiation initiated")
	s.notifier.Emit(ctx, negotiation.NewEvent(negotiation.EventInitiated, n))
	return n, nil
}

// Offer creates a provider negotiation ready to send its offer.
func (s *Service) Offer(ctx context.Context, req OfferRequest) (*negotiation.Negotiation, error) {
	n, err := negotiation.New(negotiation.Params{
		Type:                negotiation.TypeProvider,
		CorrelationID:       uuid.NewString(),
		CounterPartyID:      req.CounterPartyID,
		CounterPartyAddress: req.CounterPartyAddress,
		Protocol:            req.Protocol,
		Offers:              []negotiation.ContractOffer{req.Offer},
		CallbackAddresses:   req.CallbackAddresses,
	})
	if err != nil {
		return nil, err
	}
	if err := n.TransitionProviderOffering(); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, n); err != nil {
		return nil, fmt.Errorf("save negotiation: %w", err)
	}
	s.logger.Info().Str("negotiation_id", n.ID()).Str("counter_party_id", n.CounterPartyID()).Msg("offer initiated")
	s.notifier.Emit(ctx, negotiation.NewEvent(negotiation.EventInitiated, n))
	return n, nil
}

// Submit executes an out-of-band command. Leased targets are queued when a
// queue is configured; queued reports whether that happened.
func (s *Service) Submit(ctx context.Context, cmd command.Command) (n *negotiation.Negotiation, queued bool, err error) {
	n, err = s.executor.Execute(ctx, cmd)
	if err == nil || !errors.Is(err, negotiation.ErrAlreadyLeased) || s.queue == nil {
		return n, false, err
	}
	if qerr := s.queue.Enqueue(cmd); qerr != nil {
		return nil, false, fmt.Errorf("%w: %w", qerr, err)
	}
	return nil, true, nil
}

// Handle routes an inbound protocol message by kind.
func (s *Service) Handle(ctx context.Context, msg protocol.Message) (*protocol.Ack, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", negotiation.ErrInvalidEntity, err)
	}
	switch msg.Kind {
	case protocol.KindRequest:
		return s.HandleRequest(ctx, msg)
	case protocol.KindOffer:
		return s.HandleOffer(ctx, msg)
	case protocol.KindAgreement:
		return s.HandleAgreement(ctx, msg)
	case protocol.KindEvent:
		return s.HandleEvent(ctx, msg)
	case protocol.KindVerification:
		return s.HandleVerification(ctx, msg)
	case protocol.KindTermination:
		return s.HandleTermination(ctx, msg)
	case protocol.KindDecline:
		return s.HandleDecline(ctx, msg)
	}
	return nil, fmt.Errorf("%w: unknown message kind %q", negotiation.ErrInvalidEntity, msg.Kind)
}

// HandleRequest creates a provider negotiation for a new process, or applies
// a counter-request to the existing one.
func (s *Service) HandleRequest(ctx context.Context, msg protocol.Message) (*protocol.Ack, error) {
	existing, err := s.findByProcess(ctx, msg.ProcessID, negotiation.TypeProvider)
	if err != nil && !errors.Is(err, negotiation.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return s.apply(ctx, command.NewNotifyRequested(existing.ID(), msg.ID, *msg.Offer), msg)
	}
	return s.create(ctx, msg, negotiation.TypeProvider, (*negotiation.Negotiation).TransitionRequested)
}

// HandleOffer creates a consumer negotiation for a provider-initiated
// process, or applies the offer to the existing one.
func (s *Service) HandleOffer(ctx context.Context, msg protocol.Message) (*protocol.Ack, error) {
	existing, err := s.findByProcess(ctx, msg.ProcessID, negotiation.TypeConsumer)
	if err != nil && !errors.Is(err, negotiation.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return s.apply(ctx, command.NewNotifyOffered(existing.ID(), msg.ID, *msg.Offer), msg)
	}
	return s.create(ctx, msg, negotiation.TypeConsumer, (*negotiation.Negotiation).TransitionProviderOffered)
}

func (s *Service) HandleAgreement(ctx context.Context, msg protocol.Message) (*protocol.Ack, error) {
	n, err := s.findByProcess(ctx, msg.ProcessID, negotiation.TypeConsumer)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, command.NewNotifyAgreed(n.ID(), msg.ID, *msg.Agreement), msg)
}

func (s *Service) HandleEvent(ctx context.Context, msg protocol.Message) (*protocol.Ack, error) {
	n, err := s.findByProcess(ctx, msg.ProcessID, negotiation.TypeProvider)
	if err != nil {
		return nil, err
	}
	switch msg.Event {
	case protocol.EventAccepted:
		return s.apply(ctx, command.NewNotifyAccepted(n.ID(), msg.ID), msg)
	case protocol.EventFinalized:
		return s.apply(ctx, command.NewNotifyFinalized(n.ID(), msg.ID), msg)
	}
	return nil, fmt.Errorf("%w: unknown event %q", negotiation.ErrInvalidEntity, msg.Event)
}

// HandleVerification applies the consumer's verification and returns the
// hash of the stored agreement so the consumer can compare it.
func (s *Service) HandleVerification(ctx context.Context, msg protocol.Message) (*protocol.Ack, error) {
	n, err := s.findByProcess(ctx, msg.ProcessID, negotiation.TypeProvider)
	if err != nil {
		return nil, err
	}
	agreement := n.Agreement()
	if agreement == nil {
		return nil, fmt.Errorf("%w: negotiation %s has no agreement", command.ErrConflict, n.ID())
	}
	ack := &protocol.Ack{ProcessID: msg.ProcessID, AgreementHash: agreement.Hash()}
	if agreement.Hash() != msg.AgreementHash {
		s.logger.Warn().Str("negotiation_id", n.ID()).Msg("agreement hash mismatch")
		return ack, nil
	}
	if _, err := s.apply(ctx, command.NewNotifyVerified(n.ID(), msg.ID, msg.AgreementHash), msg); err != nil {
		return nil, err
	}
	return ack, nil
}

func (s *Service) HandleTermination(ctx context.Context, msg protocol.Message) (*protocol.Ack, error) {
	n, err := s.findByProcess(ctx, msg.ProcessID, msg.ReceiverType())
	if err != nil {
		return nil, err
	}
	reason := msg.Reason
	if reason == "" {
		reason = "terminated by " + msg.SenderID
	}
	return s.apply(ctx, command.NewNotifyTerminated(n.ID(), msg.ID, reason), msg)
}

func (s *Service) HandleDecline(ctx context.Context, msg protocol.Message) (*protocol.Ack, error) {
	n, err := s.findByProcess(ctx, msg.ProcessID, msg.ReceiverType())
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, command.NewNotifyDeclined(n.ID(), msg.ID), msg)
}

// FindByProcess returns the negotiation of type t for a process id.
func (s *Service) FindByProcess(ctx context.Context, processID string, t negotiation.Type) (*negotiation.Negotiation, error) {
	return s.findByProcess(ctx, processID, t)
}

func (s *Service) findByProcess(ctx context.Context, processID string, t negotiation.Type) (*negotiation.Negotiation, error) {
	if strings.TrimSpace(processID) == "" {
		return nil, fmt.Errorf("%w: empty process id", negotiation.ErrNotFound)
	}
	found, err := s.store.QueryNegotiations(ctx, negotiation.QuerySpec{
		Criteria: []negotiation.Criterion{
			{Field: "correlationId", Operator: "=", Value: processID},
			{Field: "type", Operator: "=", Value: t},
		},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("find %s negotiation for process %s: %w", t, processID, err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: no %s negotiation for process %s", negotiation.ErrNotFound, t, processID)
	}
	return found[0], nil
}

func (s *Service) create(
	ctx context.Context,
	msg protocol.Message,
	t negotiation.Type,
	enter func(*negotiation.Negotiation) error,
) (*protocol.Ack, error) {
	n, err := negotiation.New(negotiation.Params{
		Type:                t,
		CorrelationID:       msg.ProcessID,
		CounterPartyID:      msg.SenderID,
		CounterPartyAddress: msg.CallbackAddress,
		Protocol:            msg.Protocol,
		Offers:              []negotiation.ContractOffer{*msg.Offer},
	})
	if err != nil {
		return nil, err
	}
	previous := n.State()
	if err := enter(n); err != nil {
		return nil, err
	}
	n.MessageReceived(msg.ID)
	if err := s.store.Save(ctx, n); err != nil {
		return nil, fmt.Errorf("save negotiation: %w", err)
	}
	s.logger.Info().
		Str("negotiation_id", n.ID()).
		Str("process_id", msg.ProcessID).
		Str("state", n.State().String()).
		Msg("negotiation created from protocol message")
	s.notifier.Publish(ctx, previous, n)
	return &protocol.Ack{ProcessID: msg.ProcessID}, nil
}

// apply executes a protocol message against its negotiation. A leased target
// yields ErrAlreadyLeased so the sender redelivers it later.
func (s *Service) apply(ctx context.Context, cmd command.MessageCommand, msg protocol.Message) (*protocol.Ack, error) {
	_, err := s.executor.Execute(ctx, cmd)
	switch {
	case err == nil, errors.Is(err, command.ErrDuplicateMessage):
		return &protocol.Ack{ProcessID: msg.ProcessID}, nil
	case errors.Is(err, negotiation.ErrAlreadyLeased):
		s.logger.Debug().Str("negotiation_id", cmd.NegotiationID()).Str("message_id", msg.ID).Msg("negotiation leased, sender must redeliver")
	}
	return nil, err
}

// Get returns the negotiation with id.
func (s *Service) Get(ctx context.Context, id string) (*negotiation.Negotiation, error) {
	return s.store.FindByID(ctx, id)
}

// Query returns the negotiations matching q.
func (s *Service) Query(ctx context.Context, q negotiation.QuerySpec) ([]*negotiation.Negotiation, error) {
	return s.store.QueryNegotiations(ctx, q)
}

// QueryAgreements returns the agreements matching q.
func (s *Service) QueryAgreements(ctx context.Context, q negotiation.QuerySpec) ([]negotiation.ContractAgreement, error) {
	return s.store.QueryAgreements(ctx, q)
}

// Delete removes a terminal negotiation that has no agreement.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteByID(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("negotiation_id", id).Msg("negotiation deleted")
	return nil
}
