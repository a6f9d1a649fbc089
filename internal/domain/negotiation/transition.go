package negotiation

// transitionRule lists the legal predecessors of a target state. A nil from
// list means any non-terminal state. An empty only means both types.
type transitionRule struct {
	only Type
	from []State
}

var transitions = map[State]transitionRule{
	StateRequesting: {
		only: TypeConsumer,
		from: []State{StateInitial, StateRequesting, StateProviderOffered},
	},
	StateRequested: {
		from: []State{StateInitial, StateRequesting, StateRequested, StateProviderOffered},
	},
	StateProviderOffering: {
		only: TypeProvider,
		from: []State{StateInitial, StateRequested, StateConsumerOffered, StateProviderOffering},
	},
	StateProviderOffered: {
		from: []State{StateInitial, StateRequested, StateConsumerOffered, StateProviderOffering, StateProviderOffered},
	},
	StateConsumerOffering: {
		only: TypeConsumer,
		from: []State{StateProviderOffered, StateConsumerOffering},
	},
	StateConsumerOffered: {
		from: []State{StateProviderOffered, StateConsumerOffering, StateConsumerOffered},
	},
	StateAccepting: {
		only: TypeConsumer,
		from: []State{StateProviderOffered, StateAccepting},
	},
	StateAccepted: {
		from: []State{StateProviderOffered, StateAccepting, StateAccepted},
	},
	StateAgreeing: {
		only: TypeProvider,
		from: []State{StateRequested, StateConsumerOffered, StateAccepted, StateAgreeing},
	},
	StateAgreed: {
		from: []State{StateRequested, StateConsumerOffered, StateAccepting, StateAccepted, StateAgreeing, StateAgreed},
	},
	StateVerifying: {
		only: TypeConsumer,
		from: []State{StateAgreed, StateVerifying},
	},
	StateVerified: {
		from: []State{StateAgreed, StateVerifying, StateVerified},
	},
	StateFinalizing: {
		only: TypeConsumer,
		from: []State{StateVerified, StateFinalizing},
	},
	StateFinalized: {
		from: []State{StateVerified, StateFinalizing},
	},
	StateDeclining: {
		from: []State{StateRequested, StateProviderOffered, StateConsumerOffered, StateDeclining},
	},
	StateDeclined:    {},
	StateTerminating: {},
	StateTerminated:  {},
}

// CanTransitionTo reports whether the transition to target is legal for the
// current state and type.
func (n *Negotiation) CanTransitionTo(target State) bool {
	rule, ok := transitions[target]
	if !ok {
		return false
	}
	if rule.only != "" && rule.only != n.negotiationType {
		return false
	}
	if rule.from == nil {
		return !n.state.IsTerminal()
	}
	for _, s := range rule.from {
		if s == n.state {
			return true
		}
	}
	return false
}

func (n *Negotiation) transition(target State) error {
	if !n.CanTransitionTo(target) {
		return &IllegalTransitionError{ID: n.id, Type: n.negotiationType, From: n.state, To: target}
	}
	n.setState(target)
	return nil
}

// TransitionRequesting is consumer-only: the request is ready to be sent.
func (n *Negotiation) TransitionRequesting() error {
	return n.transition(StateRequesting)
}

// TransitionRequested marks the request as sent (consumer) or received (provider).
func (n *Negotiation) TransitionRequested() error {
	return n.transition(StateRequested)
}

// TransitionProviderOffering is provider-only: an offer is ready to be sent.
func (n *Negotiation) TransitionProviderOffering() error {
	return n.transition(StateProviderOffering)
}

// TransitionProviderOffered marks a provider offer as sent or received.
func (n *Negotiation) TransitionProviderOffered() error {
	return n.transition(StateProviderOffered)
}

// TransitionConsumerOffering is consumer-only: a counter-offer is ready to be sent.
func (n *Negotiation) TransitionConsumerOffering() error {
	return n.transition(StateConsumerOffering)
}

// TransitionConsumerOffered marks a counter-offer as sent or received.
func (n *Negotiation) TransitionConsumerOffered() error {
	return n.transition(StateConsumerOffered)
}

// TransitionAccepting is consumer-only: the acceptance event is ready to be sent.
func (n *Negotiation) TransitionAccepting() error {
	return n.transition(StateAccepting)
}

// TransitionAccepted marks the acceptance as sent (consumer) or received (provider).
func (n *Negotiation) TransitionAccepted() error {
	return n.transition(StateAccepted)
}

// TransitionAgreeing is provider-only: the agreement is ready to be sent.
func (n *Negotiation) TransitionAgreeing() error {
	return n.transition(StateAgreeing)
}

// TransitionAgreed marks the agreement as acknowledged (provider) or received (consumer).
func (n *Negotiation) TransitionAgreed() error {
	return n.transition(StateAgreed)
}

// TransitionVerifying is consumer-only: the verification is ready to be sent.
func (n *Negotiation) TransitionVerifying() error {
	return n.transition(StateVerifying)
}

// TransitionVerified marks the verification as sent (consumer) or received (provider).
func (n *Negotiation) TransitionVerified() error {
	return n.transition(StateVerified)
}

// TransitionFinalizing is consumer-only: the finalized event is ready to be sent.
func (n *Negotiation) TransitionFinalizing() error {
	return n.transition(StateFinalizing)
}

// TransitionFinalized marks the negotiation as complete. FINALIZED is terminal.
func (n *Negotiation) TransitionFinalized() error {
	return n.transition(StateFinalized)
}

// TransitionDeclining starts the counter-offer rejection flow.
func (n *Negotiation) TransitionDeclining(detail string) error {
	if err := n.transition(StateDeclining); err != nil {
		return err
	}
	if detail != "" {
		n.errorDetail = detail
	}
	return nil
}

// TransitionDeclined ends the negotiation after a rejection. DECLINED is terminal.
func (n *Negotiation) TransitionDeclined() error {
	return n.transition(StateDeclined)
}

// TransitionTerminating starts a cooperative abort. A non-empty detail
// replaces the recorded error detail.
func (n *Negotiation) TransitionTerminating(detail string) error {
	if err := n.transition(StateTerminating); err != nil {
		return err
	}
	if detail != "" {
		n.errorDetail = detail
	}
	return nil
}

// TransitionTerminated ends the negotiation after an abort. TERMINATED is terminal.
func (n *Negotiation) TransitionTerminated() error {
	return n.transition(StateTerminated)
}

// TransitionError moves to ERROR from any state.
func (n *Negotiation) TransitionError(detail string) {
	n.errorDetail = detail
	n.setState(StateError)
	n.stateCount = 1
}

// Reattempt re-enters the current state so the next processing attempt is
// counted and scheduled after backoff.
func (n *Negotiation) Reattempt() error {
	if n.state.IsTerminal() || n.state == StateUnsaved {
		return &IllegalTransitionError{ID: n.id, Type: n.negotiationType, From: n.state, To: n.state}
	}
	n.setState(n.state)
	return nil
}
