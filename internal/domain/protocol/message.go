package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

// Kind identifies a negotiation protocol message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindOffer        Kind = "offer"
	KindAgreement    Kind = "agreement"
	KindEvent        Kind = "event"
	KindVerification Kind = "verification"
	KindTermination  Kind = "termination"
	KindDecline      Kind = "decline"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindOffer, KindAgreement, KindEvent, KindVerification, KindTermination, KindDecline:
		return true
	}
	return false
}

// EventType is carried by KindEvent messages.
type EventType string

const (
	EventAccepted  EventType = "ACCEPTED"
	EventFinalized EventType = "FINALIZED"
)

// Message is the JSON envelope exchanged between two participants. ProcessID
// is the correlation id both sides store for the negotiation.
type Message struct {
	ID              string                         `json:"id"`
	Kind            Kind                           `json:"kind"`
	ProcessID       string                         `json:"processId"`
	Protocol        string                         `json:"protocol"`
	SenderID        string                         `json:"senderId"`
	SenderType      negotiation.Type               `json:"senderType"`
	CallbackAddress string                         `json:"callbackAddress"`
	Offer           *negotiation.ContractOffer     `json:"offer,omitempty"`
	Agreement       *negotiation.ContractAgreement `json:"agreement,omitempty"`
	Event           EventType                      `json:"event,omitempty"`
	AgreementHash   string                         `json:"agreementHash,omitempty"`
	Reason          string                         `json:"reason,omitempty"`
}

// Validate checks the fields required for the message kind.
func (m Message) Validate() error {
	var errs []error
	if strings.TrimSpace(m.ID) == "" {
		errs = append(errs, errors.New("message id is required"))
	}
	if !m.Kind.Valid() {
		errs = append(errs, fmt.Errorf("unknown message kind %q", m.Kind))
	}
	if strings.TrimSpace(m.ProcessID) == "" {
		errs = append(errs, errors.New("processId is required"))
	}
	if strings.TrimSpace(m.SenderID) == "" {
		errs = append(errs, errors.New("senderId is required"))
	}
	if !m.SenderType.Valid() {
		errs = append(errs, fmt.Errorf("senderType must be CONSUMER or PROVIDER, got %q", m.SenderType))
	}
	switch m.Kind {
	case KindRequest, KindOffer:
		if m.Offer == nil {
			errs = append(errs, fmt.Errorf("%s message requires an offer", m.Kind))
		}
		if strings.TrimSpace(m.CallbackAddress) == "" {
			errs = append(errs, errors.New("callbackAddress is required"))
		}
	case KindAgreement:
		if m.Agreement == nil {
			errs = append(errs, errors.New("agreement message requires an agreement"))
		}
	case KindEvent:
		if m.Event != EventAccepted && m.Event != EventFinalized {
			errs = append(errs, fmt.Errorf("unknown event type %q", m.Event))
		}
	case KindVerification:
		if strings.TrimSpace(m.AgreementHash) == "" {
			errs = append(errs, errors.New("verification message requires an agreement hash"))
		}
	}
	return errors.Join(errs...)
}

// ReceiverType returns the negotiation type the message is addressed to.
func (m Message) ReceiverType() negotiation.Type {
	if m.SenderType == negotiation.TypeConsumer {
		return negotiation.TypeProvider
	}
	return negotiation.TypeConsumer
}

// Ack is the synchronous reply to a dispatched message.
type Ack struct {
	ProcessID     string `json:"processId"`
	AgreementHash string `json:"agreementHash,omitempty"`
}

// Sender identifies the local participant on outbound messages.
type Sender struct {
	ParticipantID string
	Address       string
}

func (s Sender) envelope(kind Kind, n *negotiation.Negotiation) Message {
	return Message{
		ID:              uuid.NewString(),
		Kind:            kind,
		ProcessID:       n.CorrelationID(),
		Protocol:        n.Protocol(),
		SenderID:        s.ParticipantID,
		SenderType:      n.Type(),
		CallbackAddress: s.Address,
	}
}

// Request builds a contract request carrying offer.
func (s Sender) Request(n *negotiation.Negotiation, offer negotiation.ContractOffer) Message {
	m := s.envelope(KindRequest, n)
	m.Offer = &offer
	return m
}

// Offer builds a provider offer message.
func (s Sender) Offer(n *negotiation.Negotiation, offer negotiation.ContractOffer) Message {
	m := s.envelope(KindOffer, n)
	m.Offer = &offer
	return m
}

// Agreement builds the agreement message.
func (s Sender) Agreement(n *negotiation.Negotiation, agreement negotiation.ContractAgreement) Message {
	m := s.envelope(KindAgreement, n)
	m.Agreement = &agreement
	return m
}

// Event builds an ACCEPTED or FINALIZED event message.
func (s Sender) Event(n *negotiation.Negotiation, event EventType) Message {
	m := s.envelope(KindEvent, n)
	m.Event = event
	return m
}

// Verification builds the agreement verification message.
func (s Sender) Verification(n *negotiation.Negotiation, hash string) Message {
	m := s.envelope(KindVerification, n)
	m.AgreementHash = hash
	return m
}

// Termination builds a termination message with the recorded reason.
func (s Sender) Termination(n *negotiation.Negotiation) Message {
	m := s.envelope(KindTermination, n)
	m.Reason = n.ErrorDetail()
	return m
}

// Decline builds a decline message.
func (s Sender) Decline(n *negotiation.Negotiation) Message {
	m := s.envelope(KindDecline, n)
	m.Reason = n.ErrorDetail()
	return m
}
