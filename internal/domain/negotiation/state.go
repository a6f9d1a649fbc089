package negotiation

import (
	"fmt"
	"strings"
)

// State is the protocol state of a negotiation, encoded as an ordered integer.
type State int

const (
	StateUnsaved          State = 0
	StateInitial          State = 50
	StateRequesting       State = 100
	StateRequested        State = 200
	StateProviderOffering State = 300
	StateProviderOffered  State = 400
	StateConsumerOffering State = 500
	StateConsumerOffered  State = 600
	StateAccepting        State = 700
	StateAccepted         State = 800
	StateAgreeing         State = 825
	StateAgreed           State = 850
	StateVerifying        State = 1050
	StateVerified         State = 1100
	StateFinalizing       State = 1150
	StateFinalized        State = 1200
	StateDeclining        State = 1250
	StateDeclined         State = 1270
	StateTerminating      State = 1300
	StateTerminated       State = 1400
	StateError            State = -1
)

var stateNames = map[State]string{
	StateUnsaved:          "UNSAVED",
	StateInitial:          "INITIAL",
	StateRequesting:       "REQUESTING",
	StateRequested:        "REQUESTED",
	StateProviderOffering: "PROVIDER_OFFERING",
	StateProviderOffered:  "PROVIDER_OFFERED",
	StateConsumerOffering: "CONSUMER_OFFERING",
	StateConsumerOffered:  "CONSUMER_OFFERED",
	StateAccepting:        "ACCEPTING",
	StateAccepted:         "ACCEPTED",
	StateAgreeing:         "AGREEING",
	StateAgreed:           "AGREED",
	StateVerifying:        "VERIFYING",
	StateVerified:         "VERIFIED",
	StateFinalizing:       "FINALIZING",
	StateFinalized:        "FINALIZED",
	StateDeclining:        "DECLINING",
	StateDeclined:         "DECLINED",
	StateTerminating:      "TERMINATING",
	StateTerminated:       "TERMINATED",
	StateError:            "ERROR",
}

// String returns the state name, or the numeric code for unknown states.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Code returns the integer code of the state.
func (s State) Code() int {
	return int(s)
}

// IsTerminal reports whether no further transitions except ERROR are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateFinalized, StateDeclined, StateTerminated, StateError:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state code.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// ParseState resolves a state by name (case-insensitive).
func ParseState(name string) (State, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateUnsaved, fmt.Errorf("unknown negotiation state: %q", name)
}

// Type identifies which side of the negotiation an entity represents.
type Type string

const (
	TypeConsumer Type = "CONSUMER"
	TypeProvider Type = "PROVIDER"
)

// Valid reports whether t is CONSUMER or PROVIDER.
func (t Type) Valid() bool {
	return t == TypeConsumer || t == TypeProvider
}
