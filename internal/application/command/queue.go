package command

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("command queue is full")

// QueueConfig bounds the queue and its retries of leased targets.
type QueueConfig struct {
	Size        int
	RetryDelay  time.Duration
	MaxAttempts int
}

type entry struct {
	cmd     Command
	attempt int
}

// Queue buffers commands for asynchronous execution. Commands whose target
// is leased are retried after RetryDelay, up to MaxAttempts executions;
// after that they are dropped and counted in Dropped.
type Queue struct {
	entries     chan entry
	executor    *Executor
	retryDelay  time.Duration
	maxAttempts int
	dropped     atomic.Int64
	logger      zerolog.Logger
}

func NewQueue(cfg QueueConfig, executor *Executor, logger zerolog.Logger) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Queue{
		entries:     make(chan entry, cfg.Size),
		executor:    executor,
		retryDelay:  cfg.RetryDelay,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger.With().Str("service", "command_queue").Logger(),
	}
}

// Enqueue adds cmd without blocking.
func (q *Queue) Enqueue(cmd Command) error {
	return q.push(entry{cmd: cmd, attempt: 1})
}

// Len returns the number of buffered commands.
func (q *Queue) Len() int { return len(q.entries) }

// Dropped returns the number of commands abandoned because their target
// stayed leased or the queue was full on retry.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

func (q *Queue) push(e entry) error {
	select {
	case q.entries <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info().Int("capacity", cap(q.entries)).Msg("command queue started")
	defer q.logger.Info().Msg("command queue stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-q.entries:
			q.handle(ctx, e)
		}
	}
}

func (q *Queue) handle(ctx context.Context, e entry) {
	log := q.logger.With().
		Str("command", e.cmd.Name()).
		Str("command_id", e.cmd.CommandID()).
		Str("negotiation_id", e.cmd.NegotiationID()).
		Int("attempt", e.attempt).
		Logger()

	_, err := q.executor.Execute(ctx, e.cmd)
	switch {
	case err == nil, errors.Is(err, ErrDuplicateMessage):
	case errors.Is(err, negotiation.ErrAlreadyLeased) && e.attempt < q.maxAttempts:
		log.Debug().Dur("delay", q.retryDelay).Msg("target leased, retrying later")
		next := entry{cmd: e.cmd, attempt: e.attempt + 1}
		time.AfterFunc(q.retryDelay, func() {
			if ctx.Err() != nil {
				return
			}
			if err := q.push(next); err != nil {
				q.dropped.Add(1)
				log.Error().Err(err).Msg("dropping command")
			}
		})
	case errors.Is(err, negotiation.ErrAlreadyLeased):
		q.dropped.Add(1)
		log.Error().Err(err).Int("max_attempts", q.maxAttempts).Msg("target still leased, dropping command")
	default:
		log.Warn().Err(err).Msg("command failed")
	}
}
