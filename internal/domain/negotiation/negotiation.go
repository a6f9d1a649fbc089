package negotiation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Negotiation is the persistent aggregate of one contract negotiation.
//
// State, state count, state timestamp and the agreement are only changed
// through the transition methods. Identity fields are fixed at creation.
type Negotiation struct {
	id                  string
	negotiationType     Type
	correlationID       string
	counterPartyID      string
	counterPartyAddress string
	protocol            string

	state          State
	stateCount     int
	stateTimestamp time.Time
	errorDetail    string

	offers           []ContractOffer
	agreement        *ContractAgreement
	draftAgreement   *ContractAgreement
	protocolMessages ProtocolMessages

	CallbackAddresses []CallbackAddress
	TraceContext      map[string]string

	createdAt time.Time
	updatedAt time.Time

	clock func() time.Time
}

// Params holds the fields required to create a negotiation.
type Params struct {
	ID                  string
	Type                Type
	CorrelationID       string
	CounterPartyID      string
	CounterPartyAddress string
	Protocol            string
	Offers              []ContractOffer
	CallbackAddresses   []CallbackAddress
	TraceContext        map[string]string
}

// Option customises a negotiation at creation or rehydration.
type Option func(*Negotiation)

// WithClock overrides the wall clock used for state timestamps.
func WithClock(clock func() time.Time) Option {
	return func(n *Negotiation) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// New validates p and returns a negotiation in INITIAL. All violations are
// reported together.
func New(p Params, opts ...Option) (*Negotiation, error) {
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	if err := validateIdentity(p.ID, p.Type, p.CorrelationID, p.CounterPartyID, p.CounterPartyAddress, p.Protocol); err != nil {
		return nil, err
	}
	for i, o := range p.Offers {
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("%w: offer %d: %w", ErrInvalidEntity, i, err)
		}
	}

	n := &Negotiation{
		id:                  p.ID,
		negotiationType:     p.Type,
		correlationID:       p.CorrelationID,
		counterPartyID:      p.CounterPartyID,
		counterPartyAddress: p.CounterPartyAddress,
		protocol:            p.Protocol,
		state:               StateUnsaved,
		offers:              append([]ContractOffer(nil), p.Offers...),
		CallbackAddresses:   append([]CallbackAddress(nil), p.CallbackAddresses...),
		TraceContext:        copyMap(p.TraceContext),
		clock:               time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.createdAt = n.now()
	n.setState(StateInitial)
	return n, nil
}

func validateIdentity(id string, t Type, correlationID, counterPartyID, counterPartyAddress, protocol string) error {
	var errs []error
	if strings.TrimSpace(id) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if !t.Valid() {
		errs = append(errs, fmt.Errorf("type must be CONSUMER or PROVIDER, got %q", t))
	}
	if t == TypeConsumer && strings.TrimSpace(correlationID) == "" {
		errs = append(errs, errors.New("correlationId is required for CONSUMER negotiations"))
	}
	if strings.TrimSpace(counterPartyID) == "" {
		errs = append(errs, errors.New("counterPartyId is required"))
	}
	if strings.TrimSpace(counterPartyAddress) == "" {
		errs = append(errs, errors.New("counterPartyAddress is required"))
	}
	if strings.TrimSpace(protocol) == "" {
		errs = append(errs, errors.New("protocol is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidEntity, errors.Join(errs...))
}

func (n *Negotiation) ID() string                  { return n.id }
func (n *Negotiation) Type() Type                  { return n.negotiationType }
func (n *Negotiation) CorrelationID() string       { return n.correlationID }
func (n *Negotiation) CounterPartyID() string      { return n.counterPartyID }
func (n *Negotiation) CounterPartyAddress() string { return n.counterPartyAddress }
func (n *Negotiation) Protocol() string            { return n.protocol }
func (n *Negotiation) State() State                { return n.state }
func (n *Negotiation) StateCount() int             { return n.stateCount }
func (n *Negotiation) StateTimestamp() time.Time   { return n.stateTimestamp }
func (n *Negotiation) ErrorDetail() string         { return n.errorDetail }
func (n *Negotiation) CreatedAt() time.Time        { return n.createdAt }
func (n *Negotiation) UpdatedAt() time.Time        { return n.updatedAt }

// ContractOffers returns a copy of the offers in exchange order.
func (n *Negotiation) ContractOffers() []ContractOffer {
	return append([]ContractOffer(nil), n.offers...)
}

// LastOffer returns the most recent offer.
func (n *Negotiation) LastOffer() (ContractOffer, bool) {
	if len(n.offers) == 0 {
		return ContractOffer{}, false
	}
	return n.offers[len(n.offers)-1], true
}

// AddOffer appends an offer.
func (n *Negotiation) AddOffer(offer ContractOffer) error {
	if err := offer.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntity, err)
	}
	n.offers = append(n.offers, offer)
	n.updatedAt = n.now()
	return nil
}

// Agreement returns a copy of the agreement, or nil before AGREED.
func (n *Negotiation) Agreement() *ContractAgreement {
	if n.agreement == nil {
		return nil
	}
	a := *n.agreement
	return &a
}

// SetAgreement stores the agreement. It is write-once: a different agreement
// id is rejected, the same id is a no-op.
func (n *Negotiation) SetAgreement(a ContractAgreement) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntity, err)
	}
	if n.agreement != nil {
		if n.agreement.ID == a.ID {
			return nil
		}
		return fmt.Errorf("%w: negotiation %s holds %s, got %s", ErrAgreementConflict, n.id, n.agreement.ID, a.ID)
	}
	n.agreement = &a
	n.draftAgreement = nil
	n.updatedAt = n.now()
	return nil
}

// DraftAgreement returns the agreement the provider proposed but the
// consumer has not acknowledged yet, or nil.
func (n *Negotiation) DraftAgreement() *ContractAgreement {
	if n.draftAgreement == nil {
		return nil
	}
	a := *n.draftAgreement
	return &a
}

// SetDraftAgreement keeps a proposed agreement so every send of it carries
// the same content. It is not the contract agreement until SetAgreement.
func (n *Negotiation) SetDraftAgreement(a ContractAgreement) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntity, err)
	}
	if n.agreement != nil {
		return fmt.Errorf("%w: negotiation %s already holds %s", ErrAgreementConflict, n.id, n.agreement.ID)
	}
	n.draftAgreement = &a
	n.updatedAt = n.now()
	return nil
}

// ProtocolMessages returns the message ids exchanged so far.
func (n *Negotiation) ProtocolMessages() ProtocolMessages {
	return ProtocolMessages{
		LastSent: n.protocolMessages.LastSent,
		Received: append([]string(nil), n.protocolMessages.Received...),
	}
}

// MessageSent records the id of the last outbound message.
func (n *Negotiation) MessageSent(id string) {
	n.protocolMessages.LastSent = id
}

// MessageReceived records an inbound message id.
func (n *Negotiation) MessageReceived(id string) {
	if id == "" || n.protocolMessages.IsAlreadyReceived(id) {
		return
	}
	n.protocolMessages.Received = append(n.protocolMessages.Received, id)
}

// IsMessageReceived reports whether an inbound message was already applied.
func (n *Negotiation) IsMessageReceived(id string) bool {
	return n.protocolMessages.IsAlreadyReceived(id)
}

func (n *Negotiation) now() time.Time {
	return n.clock().UTC().Truncate(time.Millisecond)
}

// setState moves to s. Re-entering the current state increments the state
// count; entering a new one resets it to 1. The timestamp always advances.
func (n *Negotiation) setState(s State) {
	if s == n.state {
		n.stateCount++
	} else {
		n.stateCount = 1
	}
	n.state = s
	ts := n.now()
	if !ts.After(n.stateTimestamp) {
		ts = n.stateTimestamp.Add(time.Millisecond)
	}
	n.stateTimestamp = ts
	n.updatedAt = ts
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
