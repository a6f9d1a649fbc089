package audit

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

// Entry is one signed record of a committed negotiation event. Entries are
// kept after the negotiation itself is deleted.
type Entry struct {
	ID              string                `json:"id"`
	NegotiationID   string                `json:"negotiationId"`
	NegotiationType negotiation.Type      `json:"negotiationType"`
	CorrelationID   string                `json:"correlationId"`
	CounterPartyID  string                `json:"counterPartyId"`
	Event           negotiation.EventType `json:"event"`
	State           negotiation.State     `json:"state"`
	ErrorDetail     string                `json:"errorDetail,omitempty"`
	AgreementID     string                `json:"agreementId,omitempty"`
	KeyID           string                `json:"keyId,omitempty"`
	Signature       []byte                `json:"signature,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
}

// NewEntry builds an unsigned entry for ev.
func NewEntry(ev negotiation.Event) *Entry {
	e := &Entry{
		ID:              ulid.MustNew(ulid.Now(), rand.Reader).String(),
		NegotiationID:   ev.NegotiationID,
		NegotiationType: ev.NegotiationType,
		CorrelationID:   ev.CorrelationID,
		CounterPartyID:  ev.CounterPartyID,
		Event:           ev.Type,
		State:           ev.State,
		ErrorDetail:     ev.ErrorDetail,
		CreatedAt:       ev.At.UTC(),
	}
	if ev.Agreement != nil {
		e.AgreementID = ev.Agreement.ID
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}

// Repository persists audit entries.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	// ListByNegotiation returns the entries of one negotiation, oldest first.
	ListByNegotiation(ctx context.Context, negotiationID string, limit int) ([]*Entry, error)
}
