package negotiation

import (
	"context"
	"time"
)

// EventType names a negotiation lifecycle event.
type EventType string

const (
	EventInitiated  EventType = "contract.negotiation.initiated"
	EventRequested  EventType = "contract.negotiation.requested"
	EventOffered    EventType = "contract.negotiation.offered"
	EventAccepted   EventType = "contract.negotiation.accepted"
	EventAgreed     EventType = "contract.negotiation.agreed"
	EventVerified   EventType = "contract.negotiation.verified"
	EventFinalized  EventType = "contract.negotiation.finalized"
	EventDeclined   EventType = "contract.negotiation.declined"
	EventTerminated EventType = "contract.negotiation.terminated"
	EventFailed     EventType = "contract.negotiation.failed"
)

// Event is emitted after a state change has been committed.
type Event struct {
	Type            EventType          `json:"type"`
	NegotiationID   string             `json:"negotiationId"`
	NegotiationType Type               `json:"negotiationType"`
	CorrelationID   string             `json:"correlationId"`
	CounterPartyID  string             `json:"counterPartyId"`
	State           State              `json:"state"`
	ErrorDetail     string             `json:"errorDetail,omitempty"`
	Agreement       *ContractAgreement `json:"agreement,omitempty"`
	At              time.Time          `json:"at"`
}

// Listener receives committed negotiation events.
type Listener interface {
	OnNegotiationEvent(ctx context.Context, event Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event Event)

func (f ListenerFunc) OnNegotiationEvent(ctx context.Context, event Event) { f(ctx, event) }

var stateEvents = map[State]EventType{
	StateInitial:         EventInitiated,
	StateRequested:       EventRequested,
	StateProviderOffered: EventOffered,
	StateConsumerOffered: EventOffered,
	StateAccepted:        EventAccepted,
	StateAgreed:          EventAgreed,
	StateVerified:        EventVerified,
	StateFinalized:       EventFinalized,
	StateDeclined:        EventDeclined,
	StateTerminated:      EventTerminated,
	StateError:           EventFailed,
}

// EventFor returns the event to publish after a commit moved the negotiation
// from previous to its current state. Re-entries publish nothing.
func EventFor(previous State, n *Negotiation) (Event, bool) {
	if previous == n.state {
		return Event{}, false
	}
	t, ok := stateEvents[n.state]
	if !ok {
		return Event{}, false
	}
	return NewEvent(t, n), true
}

// NewEvent builds an event of type t describing n's current state.
func NewEvent(t EventType, n *Negotiation) Event {
	return Event{
		Type:            t,
		NegotiationID:   n.id,
		NegotiationType: n.negotiationType,
		CorrelationID:   n.correlationID,
		CounterPartyID:  n.counterPartyID,
		State:           n.state,
		ErrorDetail:     n.errorDetail,
		Agreement:       n.Agreement(),
		At:              n.stateTimestamp,
	}
}
