package command

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

// Command is an out-of-band operation on one negotiation. Modify applies the
// guarded transition and reports false when it is not legal in the current
// state.
type Command interface {
	CommandID() string
	NegotiationID() string
	Name() string
	Modify(n *negotiation.Negotiation) bool
}

// MessageCommand is a command raised by an inbound protocol message. The
// message id makes redelivery detectable.
type MessageCommand interface {
	Command
	MessageID() string
}

// NewID returns a lexically sortable command id.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// Base carries the identity shared by every command.
type Base struct {
	ID     string `json:"id"`
	Target string `json:"negotiationId"`
}

func newBase(negotiationID string) Base {
	return Base{ID: NewID(), Target: negotiationID}
}

func (b Base) CommandID() string     { return b.ID }
func (b Base) NegotiationID() string { return b.Target }

// Message carries the inbound message id for protocol notifications.
type Message struct {
	Base
	Received string `json:"messageId"`
}

func newMessage(negotiationID, messageID string) Message {
	return Message{Base: newBase(negotiationID), Received: messageID}
}

func (m Message) MessageID() string { return m.Received }

// CancelNegotiation starts termination of a running negotiation.
type CancelNegotiation struct {
	Base
	Reason string `json:"reason"`
}

func NewCancelNegotiation(negotiationID, reason string) CancelNegotiation {
	return CancelNegotiation{Base: newBase(negotiationID), Reason: reason}
}

func (CancelNegotiation) Name() string { return "cancel" }

func (c CancelNegotiation) Modify(n *negotiation.Negotiation) bool {
	if n.State() == negotiation.StateTerminating {
		return false
	}
	reason := c.Reason
	if reason == "" {
		reason = "cancelled"
	}
	return n.TransitionTerminating(reason) == nil
}

// DeclineNegotiation rejects the counterparty's last offer.
type DeclineNegotiation struct {
	Base
	Reason string `json:"reason"`
}

func NewDeclineNegotiation(negotiationID, reason string) DeclineNegotiation {
	return DeclineNegotiation{Base: newBase(negotiationID), Reason: reason}
}

func (DeclineNegotiation) Name() string { return "decline" }

func (c DeclineNegotiation) Modify(n *negotiation.Negotiation) bool {
	return n.TransitionDeclining(c.Reason) == nil
}

// AcceptOffer accepts the provider's last offer on the consumer side.
type AcceptOffer struct {
	Base
}

func NewAcceptOffer(negotiationID string) AcceptOffer {
	return AcceptOffer{Base: newBase(negotiationID)}
}

func (AcceptOffer) Name() string { return "accept" }

func (AcceptOffer) Modify(n *negotiation.Negotiation) bool {
	return n.TransitionAccepting() == nil
}

// CounterOffer answers the provider's offer with a consumer offer.
type CounterOffer struct {
	Base
	Offer negotiation.ContractOffer `json:"offer"`
}

func NewCounterOffer(negotiationID string, offer negotiation.ContractOffer) CounterOffer {
	return CounterOffer{Base: newBase(negotiationID), Offer: offer}
}

func (CounterOffer) Name() string { return "counter_offer" }

func (c CounterOffer) Modify(n *negotiation.Negotiation) bool {
	if !n.CanTransitionTo(negotiation.StateConsumerOffering) {
		return false
	}
	if err := n.AddOffer(c.Offer); err != nil {
		return false
	}
	return n.TransitionConsumerOffering() == nil
}

// NotifyRequested applies a consumer counter-request on the provider side.
type NotifyRequested struct {
	Message
	Offer negotiation.ContractOffer `json:"offer"`
}

func NewNotifyRequested(negotiationID, messageID string, offer negotiation.ContractOffer) NotifyRequested {
	return NotifyRequested{Message: newMessage(negotiationID, messageID), Offer: offer}
}

func (NotifyRequested) Name() string { return "notify_requested" }

func (c NotifyRequested) Modify(n *negotiation.Negotiation) bool {
	if !n.CanTransitionTo(negotiation.StateConsumerOffered) {
		return false
	}
	if err := n.AddOffer(c.Offer); err != nil {
		return false
	}
	return n.TransitionConsumerOffered() == nil
}

// NotifyOffered applies a provider offer on the consumer side.
type NotifyOffered struct {
	Message
	Offer negotiation.ContractOffer `json:"offer"`
}

func NewNotifyOffered(negotiationID, messageID string, offer negotiation.ContractOffer) NotifyOffered {
	return NotifyOffered{Message: newMessage(negotiationID, messageID), Offer: offer}
}

func (NotifyOffered) Name() string { return "notify_offered" }

func (c NotifyOffered) Modify(n *negotiation.Negotiation) bool {
	if !n.CanTransitionTo(negotiation.StateProviderOffered) {
		return false
	}
	if err := n.AddOffer(c.Offer); err != nil {
		return false
	}
	return n.TransitionProviderOffered() == nil
}

// NotifyAccepted applies the consumer's acceptance on the provider side.
type NotifyAccepted struct {
	Message
}

func NewNotifyAccepted(negotiationID, messageID string) NotifyAccepted {
	return NotifyAccepted{Message: newMessage(negotiationID, messageID)}
}

func (NotifyAccepted) Name() string { return "notify_accepted" }

func (NotifyAccepted) Modify(n *negotiation.Negotiation) bool {
	return n.TransitionAccepted() == nil
}

// NotifyAgreed stores the provider's agreement on the consumer side.
type NotifyAgreed struct {
	Message
	Agreement negotiation.ContractAgreement `json:"agreement"`
}

func NewNotifyAgreed(negotiationID, messageID string, agreement negotiation.ContractAgreement) NotifyAgreed {
	return NotifyAgreed{Message: newMessage(negotiationID, messageID), Agreement: agreement}
}

func (NotifyAgreed) Name() string { return "notify_agreed" }

func (c NotifyAgreed) Modify(n *negotiation.Negotiation) bool {
	if !n.CanTransitionTo(negotiation.StateAgreed) {
		return false
	}
	if err := n.SetAgreement(c.Agreement); err != nil {
		return false
	}
	return n.TransitionAgreed() == nil
}

// NotifyVerified records the consumer's verification on the provider side.
// It only applies when the consumer's hash matches the stored agreement.
type NotifyVerified struct {
	Message
	AgreementHash string `json:"agreementHash"`
}

func NewNotifyVerified(negotiationID, messageID, hash string) NotifyVerified {
	return NotifyVerified{Message: newMessage(negotiationID, messageID), AgreementHash: hash}
}

func (NotifyVerified) Name() string { return "notify_verified" }

func (c NotifyVerified) Modify(n *negotiation.Negotiation) bool {
	a := n.Agreement()
	if a == nil || a.Hash() != c.AgreementHash {
		return false
	}
	return n.TransitionVerified() == nil
}

// NotifyFinalized completes the negotiation on the provider side.
type NotifyFinalized struct {
	Message
}

func NewNotifyFinalized(negotiationID, messageID string) NotifyFinalized {
	return NotifyFinalized{Message: newMessage(negotiationID, messageID)}
}

func (NotifyFinalized) Name() string { return "notify_finalized" }

func (NotifyFinalized) Modify(n *negotiation.Negotiation) bool {
	return n.TransitionFinalized() == nil
}

// NotifyTerminated applies the counterparty's termination.
type NotifyTerminated struct {
	Message
	Reason string `json:"reason"`
}

func NewNotifyTerminated(negotiationID, messageID, reason string) NotifyTerminated {
	return NotifyTerminated{Message: newMessage(negotiationID, messageID), Reason: reason}
}

func (NotifyTerminated) Name() string { return "notify_terminated" }

func (c NotifyTerminated) Modify(n *negotiation.Negotiation) bool {
	if n.State().IsTerminal() {
		return false
	}
	if c.Reason != "" {
		if err := n.TransitionTerminating(c.Reason); err != nil {
			return false
		}
	}
	return n.TransitionTerminated() == nil
}

// NotifyDeclined applies the counterparty's decline.
type NotifyDeclined struct {
	Message
}

func NewNotifyDeclined(negotiationID, messageID string) NotifyDeclined {
	return NotifyDeclined{Message: newMessage(negotiationID, messageID)}
}

func (NotifyDeclined) Name() string { return "notify_declined" }

func (NotifyDeclined) Modify(n *negotiation.Negotiation) bool {
	return n.TransitionDeclined() == nil
}
