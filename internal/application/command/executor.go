package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/negotiation-hub/negotiation-hub/internal/application/observer"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

var (
	// ErrConflict is returned when a command is not legal in the entity's
	// current state.
	ErrConflict = errors.New("command conflicts with negotiation state")
	// ErrDuplicateMessage is returned when the inbound message behind a
	// command was already applied.
	ErrDuplicateMessage = errors.New("protocol message already processed")
)

// outcome: "applied", "conflict", "duplicate", "not_found", "leased", "failed"
var commandsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "negotiation",
		Subsystem: "command",
		Name:      "executed_total",
		Help:      "Total number of executed commands, by command and outcome",
	},
	[]string{"command", "outcome"},
)

// Executor applies commands to leased entities and publishes the resulting
// events through the same notifier as the state machine drivers.
type Executor struct {
	store    negotiation.Store
	notifier *observer.Notifier
	logger   zerolog.Logger
}

func NewExecutor(store negotiation.Store, notifier *observer.Notifier, logger zerolog.Logger) *Executor {
	return &Executor{
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("service", "command").Logger(),
	}
}

// Execute leases the target, applies cmd and saves the result. ErrNotFound
// and ErrAlreadyLeased from the store are returned unchanged in the chain.
func (e *Executor) Execute(ctx context.Context, cmd Command) (*negotiation.Negotiation, error) {
	log := e.logger.With().
		Str("command", cmd.Name()).
		Str("command_id", cmd.CommandID()).
		Str("negotiation_id", cmd.NegotiationID()).
		Logger()

	n, err := e.store.FindByIDAndLease(ctx, cmd.NegotiationID())
	if err != nil {
		switch {
		case errors.Is(err, negotiation.ErrNotFound):
			commandsTotal.WithLabelValues(cmd.Name(), "not_found").Inc()
		case errors.Is(err, negotiation.ErrAlreadyLeased):
			commandsTotal.WithLabelValues(cmd.Name(), "leased").Inc()
		default:
			commandsTotal.WithLabelValues(cmd.Name(), "failed").Inc()
		}
		return nil, fmt.Errorf("%s: %w", cmd.Name(), err)
	}

	mc, fromMessage := cmd.(MessageCommand)
	if fromMessage && n.IsMessageReceived(mc.MessageID()) {
		commandsTotal.WithLabelValues(cmd.Name(), "duplicate").Inc()
		e.breakLease(ctx, n, log)
		log.Debug().Str("message_id", mc.MessageID()).Msg("duplicate message ignored")
		return n, ErrDuplicateMessage
	}

	previous := n.State()
	if !cmd.Modify(n) {
		commandsTotal.WithLabelValues(cmd.Name(), "conflict").Inc()
		e.breakLease(ctx, n, log)
		return nil, fmt.Errorf("%w: %s on %s negotiation %s in state %s", ErrConflict, cmd.Name(), n.Type(), n.ID(), previous)
	}
	if fromMessage {
		n.MessageReceived(mc.MessageID())
	}
	if err := e.store.Save(ctx, n); err != nil {
		commandsTotal.WithLabelValues(cmd.Name(), "failed").Inc()
		e.breakLease(ctx, n, log)
		return nil, fmt.Errorf("%s: save: %w", cmd.Name(), err)
	}
	commandsTotal.WithLabelValues(cmd.Name(), "applied").Inc()
	log.Info().Str("from", previous.String()).Str("to", n.State().String()).Msg("command applied")
	e.notifier.Publish(ctx, previous, n)
	return n, nil
}

func (e *Executor) breakLease(ctx context.Context, n *negotiation.Negotiation, log zerolog.Logger) {
	if err := e.store.BreakLease(ctx, n.ID()); err != nil {
		log.Warn().Err(err).Msg("failed to break lease")
	}
}
