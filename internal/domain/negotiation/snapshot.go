package negotiation

import (
	"fmt"
	"time"
)

// Snapshot is the persisted form of a negotiation. Stores write it as-is and
// rebuild the entity with Rehydrate.
type Snapshot struct {
	ID                  string             `json:"id"`
	Type                Type               `json:"type"`
	CorrelationID       string             `json:"correlationId"`
	CounterPartyID      string             `json:"counterPartyId"`
	CounterPartyAddress string             `json:"counterPartyAddress"`
	Protocol            string             `json:"protocol"`
	State               State              `json:"state"`
	StateCount          int                `json:"stateCount"`
	StateTimestamp      time.Time          `json:"stateTimestamp"`
	ErrorDetail         string             `json:"errorDetail,omitempty"`
	ContractOffers      []ContractOffer    `json:"contractOffers"`
	ContractAgreement   *ContractAgreement `json:"contractAgreement,omitempty"`
	DraftAgreement      *ContractAgreement `json:"draftAgreement,omitempty"`
	CallbackAddresses   []CallbackAddress  `json:"callbackAddresses,omitempty"`
	TraceContext        map[string]string  `json:"traceContext,omitempty"`
	ProtocolMessages    ProtocolMessages   `json:"protocolMessages"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

// Snapshot captures the entity for persistence.
func (n *Negotiation) Snapshot() Snapshot {
	return Snapshot{
		ID:                  n.id,
		Type:                n.negotiationType,
		CorrelationID:       n.correlationID,
		CounterPartyID:      n.counterPartyID,
		CounterPartyAddress: n.counterPartyAddress,
		Protocol:            n.protocol,
		State:               n.state,
		StateCount:          n.stateCount,
		StateTimestamp:      n.stateTimestamp,
		ErrorDetail:         n.errorDetail,
		ContractOffers:      n.ContractOffers(),
		ContractAgreement:   n.Agreement(),
		DraftAgreement:      n.DraftAgreement(),
		CallbackAddresses:   append([]CallbackAddress(nil), n.CallbackAddresses...),
		TraceContext:        copyMap(n.TraceContext),
		ProtocolMessages:    n.ProtocolMessages(),
		CreatedAt:           n.createdAt,
		UpdatedAt:           n.updatedAt,
	}
}

// Validate checks the fields every persisted negotiation must carry.
func (s Snapshot) Validate() error {
	if err := validateIdentity(s.ID, s.Type, s.CorrelationID, s.CounterPartyID, s.CounterPartyAddress, s.Protocol); err != nil {
		return err
	}
	if !s.State.Valid() || s.State == StateUnsaved {
		return fmt.Errorf("%w: unknown state code %d", ErrInvalidEntity, int(s.State))
	}
	return nil
}

// Rehydrate rebuilds a negotiation from a stored snapshot.
func Rehydrate(s Snapshot, opts ...Option) (*Negotiation, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	n := &Negotiation{
		id:                  s.ID,
		negotiationType:     s.Type,
		correlationID:       s.CorrelationID,
		counterPartyID:      s.CounterPartyID,
		counterPartyAddress: s.CounterPartyAddress,
		protocol:            s.Protocol,
		state:               s.State,
		stateCount:          s.StateCount,
		stateTimestamp:      s.StateTimestamp.UTC(),
		errorDetail:         s.ErrorDetail,
		offers:              append([]ContractOffer(nil), s.ContractOffers...),
		protocolMessages: ProtocolMessages{
			LastSent: s.ProtocolMessages.LastSent,
			Received: append([]string(nil), s.ProtocolMessages.Received...),
		},
		CallbackAddresses: append([]CallbackAddress(nil), s.CallbackAddresses...),
		TraceContext:      copyMap(s.TraceContext),
		createdAt:         s.CreatedAt.UTC(),
		updatedAt:         s.UpdatedAt.UTC(),
		clock:             time.Now,
	}
	if s.ContractAgreement != nil {
		a := *s.ContractAgreement
		n.agreement = &a
	}
	if s.DraftAgreement != nil {
		d := *s.DraftAgreement
		n.draftAgreement = &d
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Clone returns an independent copy of the negotiation sharing its clock.
func (n *Negotiation) Clone() *Negotiation {
	c, err := Rehydrate(n.Snapshot(), WithClock(n.clock))
	if err != nil {
		// New and Rehydrate validate the same identity fields.
		panic(err)
	}
	return c
}
