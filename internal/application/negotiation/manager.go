package negotiation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/negotiation-hub/negotiation-hub/internal/application/observer"
	"github.com/negotiation-hub/negotiation-hub/internal/application/retry"
	"github.com/negotiation-hub/negotiation-hub/internal/application/statemachine"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

// ManagerConfig configures the consumer and provider drivers.
type ManagerConfig struct {
	BatchSize int
	WaitBase  time.Duration
	WaitMax   time.Duration
	Retry     retry.Policy
}

// Manager runs the consumer and the provider state machine side by side.
type Manager struct {
	consumer *statemachine.Driver
	provider *statemachine.Driver
	logger   zerolog.Logger
}

func NewManager(
	cfg ManagerConfig,
	store negotiation.Store,
	handlers *Handlers,
	notifier *observer.Notifier,
	logger zerolog.Logger,
) (*Manager, error) {
	consumer, err := statemachine.NewDriver(statemachine.Config{
		Name:       "consumer",
		Type:       negotiation.TypeConsumer,
		BatchSize:  cfg.BatchSize,
		Processors: handlers.ConsumerProcessors(),
		Wait:       retry.NewExponentialWait(cfg.WaitBase, cfg.WaitMax),
		Retry:      cfg.Retry,
	}, store, notifier, logger)
	if err != nil {
		return nil, fmt.Errorf("consumer driver: %w", err)
	}
	provider, err := statemachine.NewDriver(statemachine.Config{
		Name:       "provider",
		Type:       negotiation.TypeProvider,
		BatchSize:  cfg.BatchSize,
		Processors: handlers.ProviderProcessors(),
		Wait:       retry.NewExponentialWait(cfg.WaitBase, cfg.WaitMax),
		Retry:      cfg.Retry,
	}, store, notifier, logger)
	if err != nil {
		return nil, fmt.Errorf("provider driver: %w", err)
	}
	return &Manager{
		consumer: consumer,
		provider: provider,
		logger:   logger.With().Str("service", "negotiation_manager").Logger(),
	}, nil
}

func (m *Manager) Consumer() *statemachine.Driver { return m.consumer }
func (m *Manager) Provider() *statemachine.Driver { return m.provider }

// Run blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info().
		Strs("consumer_states", stateNames(m.consumer.Criteria().States)).
		Strs("provider_states", stateNames(m.provider.Criteria().States)).
		Msg("negotiation managers starting")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.consumer.Run(gctx) })
	g.Go(func() error { return m.provider.Run(gctx) })
	return g.Wait()
}

// RunOnce runs one cycle of each driver and returns the number of entities
// leased in total.
func (m *Manager) RunOnce(ctx context.Context) (int, error) {
	c, err := m.consumer.RunOnce(ctx)
	if err != nil {
		return c, err
	}
	p, err := m.provider.RunOnce(ctx)
	return c + p, err
}

func stateNames(states []negotiation.State) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, s.String())
	}
	return out
}
