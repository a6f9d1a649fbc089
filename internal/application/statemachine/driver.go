package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/negotiation-hub/negotiation-hub/internal/application/observer"
	"github.com/negotiation-hub/negotiation-hub/internal/application/retry"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

// ProcessFunc handles one leased entity in a polled state. It reports whether
// the entity was modified and must be saved.
type ProcessFunc func(ctx context.Context, n *negotiation.Negotiation) (bool, error)

// Config describes one driver.
type Config struct {
	Name       string
	Type       negotiation.Type
	BatchSize  int
	Processors map[negotiation.State]ProcessFunc
	Wait       retry.WaitStrategy
	Retry      retry.Policy
}

// Driver polls the store for due entities in the configured states and runs
// the matching ProcessFunc for each of them.
type Driver struct {
	name       string
	store      negotiation.Store
	processors map[negotiation.State]ProcessFunc
	criteria   negotiation.Criteria
	batchSize  int
	wait       retry.WaitStrategy
	retry      retry.Policy
	notifier   *observer.Notifier
	logger     zerolog.Logger
}

// NewDriver validates cfg and builds the state dispatch table.
func NewDriver(cfg Config, store negotiation.Store, notifier *observer.Notifier, logger zerolog.Logger) (*Driver, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if !cfg.Type.Valid() {
		return nil, fmt.Errorf("invalid negotiation type %q", cfg.Type)
	}
	if len(cfg.Processors) == 0 {
		return nil, errors.New("at least one processor is required")
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Type)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Wait == nil {
		cfg.Wait = retry.NewExponentialWait(time.Second, 30*time.Second)
	}

	processors := make(map[negotiation.State]ProcessFunc, len(cfg.Processors))
	states := make([]negotiation.State, 0, len(cfg.Processors))
	for s, fn := range cfg.Processors {
		if fn == nil {
			return nil, fmt.Errorf("nil processor for state %s", s)
		}
		processors[s] = fn
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })

	return &Driver{
		name:       cfg.Name,
		store:      store,
		processors: processors,
		criteria: negotiation.Criteria{
			States:  states,
			Type:    cfg.Type,
			Backoff: cfg.Retry.Backoff(),
		},
		batchSize: cfg.BatchSize,
		wait:      cfg.Wait,
		retry:     cfg.Retry,
		notifier:  notifier,
		logger:    logger.With().Str("service", "statemachine").Str("driver", cfg.Name).Logger(),
	}, nil
}

func (d *Driver) Name() string { return d.name }

// Criteria returns the selection the driver polls with.
func (d *Driver) Criteria() negotiation.Criteria { return d.criteria }

// Run loops until ctx is cancelled. Idle cycles back off through the wait
// strategy; a cycle that found work is followed immediately by the next one.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info().Int("batch_size", d.batchSize).Msg("driver started")
	defer d.logger.Info().Msg("driver stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		processed, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Warn().Err(err).Msg("polling cycle failed")
		}
		if processed > 0 {
			d.wait.Reset()
			continue
		}
		timer := time.NewTimer(d.wait.NextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce leases one batch and processes it concurrently. It returns the
// number of leased entities. Failures on individual entities are logged.
func (d *Driver) RunOnce(ctx context.Context) (int, error) {
	cyclesTotal.WithLabelValues(d.name).Inc()
	batch, err := d.store.NextNotLeased(ctx, d.batchSize, d.criteria)
	if err != nil {
		storeErrorsTotal.WithLabelValues(d.name, "next_not_leased").Inc()
		return 0, fmt.Errorf("lease next batch: %w", err)
	}
	batchSize.WithLabelValues(d.name).Set(float64(len(batch)))
	if len(batch) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.batchSize)
	for _, n := range batch {
		g.Go(func() error {
			d.process(gctx, n)
			return nil
		})
	}
	_ = g.Wait()
	return len(batch), nil
}

func (d *Driver) process(ctx context.Context, n *negotiation.Negotiation) {
	previous := n.State()
	log := d.logger.With().
		Str("negotiation_id", n.ID()).
		Str("state", previous.String()).
		Int("state_count", n.StateCount()).
		Logger()
	start := time.Now()
	defer func() {
		processingDuration.WithLabelValues(d.name, previous.String()).Observe(time.Since(start).Seconds())
	}()

	fn, ok := d.processors[previous]
	if !ok {
		// Store returned a state outside the criteria.
		processedTotal.WithLabelValues(d.name, previous.String(), "unmodified").Inc()
		d.breakLease(ctx, n, log)
		return
	}

	original := n.Clone()
	modified, err := invoke(ctx, fn, n)
	if err != nil {
		processedTotal.WithLabelValues(d.name, previous.String(), "failed").Inc()
		d.fail(ctx, original, err, log)
		return
	}
	if !modified {
		processedTotal.WithLabelValues(d.name, previous.String(), "unmodified").Inc()
		d.breakLease(ctx, n, log)
		return
	}
	if err := d.store.Save(ctx, n); err != nil {
		processedTotal.WithLabelValues(d.name, previous.String(), "save_failed").Inc()
		storeErrorsTotal.WithLabelValues(d.name, "save").Inc()
		log.Error().Err(err).Str("target_state", n.State().String()).Msg("failed to save negotiation")
		d.breakLease(ctx, n, log)
		return
	}
	processedTotal.WithLabelValues(d.name, previous.String(), "modified").Inc()
	d.notifier.Publish(ctx, previous, n)
}

// fail records an unexpected processing error on the entity as it was before
// the attempt. Illegal transitions and exhausted budgets end in ERROR.
func (d *Driver) fail(ctx context.Context, n *negotiation.Negotiation, cause error, log zerolog.Logger) {
	previous := n.State()
	switch {
	case errors.Is(cause, negotiation.ErrIllegalTransition):
		log.Error().Err(cause).Msg("illegal transition while processing")
		n.TransitionError(cause.Error())
	case d.retry.Exhausted(n.StateCount()):
		log.Error().Err(cause).Msg("processing failed, retry budget exhausted")
		n.TransitionError(cause.Error())
	default:
		log.Warn().Err(cause).Msg("processing failed, will retry")
		if err := n.Reattempt(); err != nil {
			n.TransitionError(cause.Error())
		}
	}
	if err := d.store.Save(ctx, n); err != nil {
		storeErrorsTotal.WithLabelValues(d.name, "save").Inc()
		log.Error().Err(err).Msg("failed to save failed negotiation")
		d.breakLease(ctx, n, log)
		return
	}
	d.notifier.Publish(ctx, previous, n)
}

func (d *Driver) breakLease(ctx context.Context, n *negotiation.Negotiation, log zerolog.Logger) {
	if err := d.store.BreakLease(ctx, n.ID()); err != nil {
		storeErrorsTotal.WithLabelValues(d.name, "break_lease").Inc()
		log.Warn().Err(err).Msg("failed to break lease")
	}
}

func invoke(ctx context.Context, fn ProcessFunc, n *negotiation.Negotiation) (modified bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			modified = false
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return fn(ctx, n)
}
