package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/negotiation-hub/negotiation-hub/internal/application/retry"
	"github.com/negotiation-hub/negotiation-hub/internal/application/statemachine"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/policy"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/protocol"
)

// Handlers implements the per-state processing of both negotiation sides.
type Handlers struct {
	dispatcher protocol.Dispatcher
	validator  policy.Validator
	sender     protocol.Sender
	retry      retry.Policy
	clock      func() time.Time
	logger     zerolog.Logger
}

// NewHandlers creates the transition handlers. sender identifies the local
// participant on every outbound message.
func NewHandlers(
	dispatcher protocol.Dispatcher,
	validator policy.Validator,
	sender protocol.Sender,
	retryPolicy retry.Policy,
	logger zerolog.Logger,
) *Handlers {
	return &Handlers{
		dispatcher: dispatcher,
		validator:  validator,
		sender:     sender,
		retry:      retryPolicy,
		clock:      time.Now,
		logger:     logger.With().Str("service", "negotiation_handlers").Logger(),
	}
}

// ConsumerProcessors returns the state table of the consumer manager.
func (h *Handlers) ConsumerProcessors() map[negotiation.State]statemachine.ProcessFunc {
	return map[negotiation.State]statemachine.ProcessFunc{
		negotiation.StateRequesting:       h.processRequesting,
		negotiation.StateConsumerOffering: h.processConsumerOffering,
		negotiation.StateAccepting:        h.processAccepting,
		negotiation.StateAgreed:           h.processConsumerAgreed,
		negotiation.StateVerifying:        h.processVerifying,
		negotiation.StateVerified:         h.processConsumerVerified,
		negotiation.StateFinalizing:       h.processFinalizing,
		negotiation.StateDeclining:        h.processDeclining,
		negotiation.StateTerminating:      h.processTerminating,
	}
}

// ProviderProcessors returns the state table of the provider manager.
func (h *Handlers) ProviderProcessors() map[negotiation.State]statemachine.ProcessFunc {
	return map[negotiation.State]statemachine.ProcessFunc{
		negotiation.StateRequested:        h.processRequested,
		negotiation.StateProviderOffering: h.processProviderOffering,
		negotiation.StateConsumerOffered:  h.processConsumerOffered,
		negotiation.StateAccepted:         h.processProviderAccepted,
		negotiation.StateAgreeing:         h.processAgreeing,
		negotiation.StateDeclining:        h.processDeclining,
		negotiation.StateTerminating:      h.processTerminating,
	}
}

func (h *Handlers) processRequesting(ctx context.Context, n *negotiation.Negotiation) (bool, error) {
	offer, ok := n.LastOffer()
	if !ok {
		return h.terminate(n, "no contract offer to request")
	}
	return h.send(ctx, n, h.sender.Request(n, offer), func(*protocol.Ack) error {
		return n.TransitionRequested()
	})
}

func (h *Handlers) processConsumerOffering(ctx context.Context, n *negotiation.Negotiation) (bool, error) {
	offer, ok := n.LastOffer()
	if !ok {
		return h.terminate(n, "no counter-offer to send")
	}
	return h.send(ctx, n, h.sender.Request(n, offer), func(*protocol.Ack) error {
		return n.TransitionConsumerOffered()
	})
}

func (h *Handlers) processAccepting(ctx context.Context, n *negotiation.Negotiation) (bool, error) {
	return h.send(ctx, n, h.sender.Event(n, protocol.EventAccepted), func(*protocol.Ack) error {
		return n.TransitionAccepted()
	})
}

func (h *Handlers) processConsumerAgreed(_ context.Context, n *negotiation.Negotiation) (bool, error) {
	return true, n.TransitionVerifying()
}

func (h *Handlers) processVerifying(ctx context.Context, n *negotiation.Negotiation) (bool, error) {
	agreement := n.Agreement()
	if agreement == nil {
		return h.terminate(n, "no contract agreement to verify")
	}
	hash := agreement.Hash()
	return h.send(ctx, n, h.sender.Verification(n, hash), func(ack *protocol.Ack) error {
		if ack == nil || ack.AgreementHash != hash {
			return n.TransitionTerminating("agreement hash mismatch")
		}
		return n.TransitionVerified()
	})
}

func (h *Handlers) processConsumerVerified(_ context.Context, n *negotiation.Negotiation) (bool, error) {
	return true, n.TransitionFinalizing()
}

func (h *Handlers) processFinalizing(ctx context.Context, n *negotiation.Negotiation) (bool, error) {
	return h.send(ctx, n, h.sender.Event(n, protocol.EventFinalized), func(*protocol.Ack) error {
		return n.TransitionFinalized()
	})
}

func (h *Handlers) processRequested(ctx context.Context, n *negotiation.Negotiation) (bool, error) {
	offer, ok := n.LastOffer()
	if !ok {
		return h.terminate(n, "contract request carries no offer")
	}
	if res := h.validator.ValidateInitialOffer(ctx, n.CounterPartyID(), offer); !res.Valid {
		return h.terminate(n, rejection("contract offer", res))
	}
	return true, n.TransitionAgreeing()
}

func (h *Handlers) processProviderOffering(ctx context.Context, n *negotiation.Negotiation) (bool, error) {
	offer, ok := n.LastOffer()
	if !ok {
		return h.terminate(n, "no contract offer to send")
	}
	return h.send(ctx, n, h.sender.Offer(n, offer), func(*protocol.Ack) error {
		return n.TransitionProviderOffered()
	})
}

func (h *Handlers) processConsumerOffered(ctx context.Context, n *negotiation.Negotiation) (bool, error) {
	offer, ok := n.LastOffer()
	if !ok {
		return h.terminate(n, "counter-offer missing")
	}
	if res := h.validator.ValidateInitialOffer(ctx, n.CounterPartyID(), offer); !res.Valid {
		return true, n.TransitionDeclining(rejection("counter-offer", res))
	}
	return true, n.TransitionAgreeing()
}

func (h *Handlers) processProviderAccepted(_ context.Context, n *negotiation.Negotiation) (bool, error) {
	return true, n.TransitionAgreeing()
}

// processAgreeing proposes the agreement. It is only attached to the
// negotiation once the consumer acknowledged it.
func (h *Handlers) processAgreeing(ctx context.Context, n *negotiation.Negotiation) (bool, error) {
	draft := n.DraftAgreement()
	if draft == nil {
		offer, ok := n.LastOffer()
		if !ok {
			return h.terminate(n, "no contract offer to agree on")
		}
		providerID := offer.ProviderID
		if providerID == "" {
			providerID = h.sender.ParticipantID
		}
		err := n.SetDraftAgreement(negotiation.ContractAgreement{
			ID:          uuid.NewString(),
			ProviderID:  providerID,
			ConsumerID:  n.CounterPartyID(),
			AssetID:     offer.AssetID,
			Policy:      offer.Policy,
			SigningDate: h.clock().UTC().Unix(),
		})
		if err != nil {
			return false, err
		}
		draft = n.DraftAgreement()
	}
	agreement := *draft
	if res := h.validator.ValidateAgreement(ctx, n.CounterPartyID(), agreement); !res.Valid {
		return h.terminate(n, rejection("contract agreement", res))
	}
	return h.send(ctx, n, h.sender.Agreement(n, agreement), func(*protocol.Ack) error {
		if err := n.SetAgreement(agreement); err != nil {
			return err
		}
		return n.TransitionAgreed()
	})
}

func (h *Handlers) processDeclining(ctx context.Context, n *negotiation.Negotiation) (bool, error) {
	return h.send(ctx, n, h.sender.Decline(n), func(*protocol.Ack) error {
		return n.TransitionDeclined()
	})
}

func (h *Handlers) processTerminating(ctx context.Context, n *negotiation.Negotiation) (bool, error) {
	return h.send(ctx, n, h.sender.Termination(n), func(*protocol.Ack) error {
		return n.TransitionTerminated()
	})
}

// send dispatches msg and applies onSuccess to the acknowledged entity.
// Dispatch failures are recorded on the entity and never returned.
func (h *Handlers) send(ctx context.Context, n *negotiation.Negotiation, msg protocol.Message, onSuccess func(*protocol.Ack) error) (bool, error) {
	attemptCtx, cancel := h.retry.AttemptContext(ctx)
	defer cancel()

	ack, err := h.dispatcher.Dispatch(attemptCtx, n.CounterPartyAddress(), msg)
	if err != nil {
		return h.dispatchFailed(n, msg.Kind, err)
	}
	n.MessageSent(msg.ID)
	return true, onSuccess(ack)
}

// dispatchFailed re-enters the state on transient failures. Permanent
// failures and exhausted budgets terminate the negotiation, or move it to
// ERROR when it is already terminating or declining.
func (h *Handlers) dispatchFailed(n *negotiation.Negotiation, kind protocol.Kind, cause error) (bool, error) {
	log := h.logger.With().
		Str("negotiation_id", n.ID()).
		Str("state", n.State().String()).
		Int("state_count", n.StateCount()).
		Str("kind", string(kind)).
		Logger()

	permanent := protocol.IsPermanent(cause)
	if !permanent && !h.retry.Exhausted(n.StateCount()) {
		log.Warn().Err(cause).Msg("dispatch failed, will retry")
		return true, n.Reattempt()
	}
	detail := fmt.Sprintf("failed to send %s to %s: %v", kind, n.CounterPartyID(), cause)
	if permanent {
		log.Error().Err(cause).Msg("dispatch rejected by counterparty")
	} else {
		log.Error().Err(cause).Msg("dispatch retries exhausted")
	}
	return h.terminate(n, detail)
}

func (h *Handlers) terminate(n *negotiation.Negotiation, detail string) (bool, error) {
	switch n.State() {
	case negotiation.StateTerminating, negotiation.StateDeclining:
		n.TransitionError(detail)
		return true, nil
	}
	if err := n.TransitionTerminating(detail); err != nil {
		if errors.Is(err, negotiation.ErrIllegalTransition) {
			n.TransitionError(detail)
			return true, nil
		}
		return false, err
	}
	return true, nil
}

func rejection(subject string, res policy.Result) string {
	if res.Reason == "" {
		return subject + " rejected by policy"
	}
	return subject + " rejected by policy: " + res.Reason
}
