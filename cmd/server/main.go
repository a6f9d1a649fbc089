package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/negotiation-hub/negotiation-hub/internal/api/http"
	"github.com/negotiation-hub/negotiation-hub/internal/application/audit"
	"github.com/negotiation-hub/negotiation-hub/internal/application/command"
	appNegotiation "github.com/negotiation-hub/negotiation-hub/internal/application/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/application/observer"
	"github.com/negotiation-hub/negotiation-hub/internal/application/retry"
	"github.com/negotiation-hub/negotiation-hub/internal/config"
	domainaudit "github.com/negotiation-hub/negotiation-hub/internal/domain/audit"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/protocol"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/dispatch"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/keystore"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/memory"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/policy"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/postgres"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/raftstore"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/sse"
	"github.com/negotiation-hub/negotiation-hub/internal/migrations"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	logger = logger.With().Str("participant_id", cfg.ParticipantID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// stores
	stores, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("store backend failed")
	}
	defer stores.close()
	driverStore := stores.store(cfg.Store.HolderID)
	commandStore := stores.store(cfg.CommandHolderID())

	// events
	sseHub := sse.NewHub()
	defer sseHub.Stop()
	observable := observer.NewObservable(logger)
	observable.Register(observer.NewLogListener(logger))
	observable.Register(observer.MetricsListener{})
	observable.Register(sse.NewListener(sseHub, logger))
	keys, err := keystore.Parse(cfg.Audit.SigningKeys, cfg.Audit.SigningKeyID)
	if err != nil {
		logger.Fatal().Err(err).Msg("audit keys invalid")
	}
	auditSvc := audit.NewService(stores.auditRepository(), keys, logger)
	observable.Register(auditSvc)
	notifier := observer.NewNotifier(observable)

	// state machines
	retryPolicy := retry.Policy{
		MaxRetries:     cfg.StateMachine.MaxRetries,
		BaseDelay:      cfg.StateMachine.RetryBaseDelay,
		MaxDelay:       cfg.StateMachine.RetryMaxDelay,
		AttemptTimeout: cfg.StateMachine.AttemptTimeout,
	}
	dispatcher := dispatch.NewHTTPDispatcher(dispatch.Config{
		Timeout: cfg.Dispatch.Timeout,
		Headers: cfg.Dispatch.Headers,
	}, logger)
	validator := policy.NewEngine(policy.Config{
		Params:                cfg.Policy.Params,
		AllowedCounterParties: cfg.Policy.AllowedCounterParties,
	}, logger)
	handlers := appNegotiation.NewHandlers(dispatcher, validator, protocol.Sender{
		ParticipantID: cfg.ParticipantID,
		Address:       cfg.PublicAddress,
	}, retryPolicy, logger)
	manager, err := appNegotiation.NewManager(appNegotiation.ManagerConfig{
		BatchSize: cfg.StateMachine.BatchSize,
		WaitBase:  cfg.StateMachine.WaitBase,
		WaitMax:   cfg.StateMachine.WaitMax,
		Retry:     retryPolicy,
	}, driverStore, handlers, notifier, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("state machine setup failed")
	}

	// commands
	executor := command.NewExecutor(commandStore, notifier, logger)
	queue := command.NewQueue(command.QueueConfig{
		Size:        cfg.Queue.Size,
		RetryDelay:  cfg.Queue.RetryDelay,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}, executor, logger)
	service := appNegotiation.NewService(commandStore, executor, queue, notifier, logger)

	// API server
	opts := []httpapi.Option{
		httpapi.WithTokens(cfg.API.ManagementToken, cfg.API.ProtocolToken),
		httpapi.WithAudit(auditSvc),
	}
	if stores.node != nil {
		opts = append(opts, httpapi.WithRaftNode(stores.node))
	}
	apiServer := httpapi.NewServer(service, sseHub, logger, opts...)
	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ServerAddr).Str("backend", cfg.Store.Backend).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctxShutdown)
	})
	if stores.node != nil && !cfg.Raft.Bootstrap && cfg.Raft.JoinEndpoint != "" {
		g.Go(func() error {
			if err := joinCluster(gctx, cfg); err != nil {
				logger.Error().Err(err).Str("endpoint", cfg.Raft.JoinEndpoint).Msg("join cluster failed")
				return nil
			}
			logger.Info().Str("endpoint", cfg.Raft.JoinEndpoint).Msg("joined cluster")
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("shutdown with error")
		return
	}
	logger.Info().Msg("shutdown complete")
}

// backend owns the storage resources of the configured store backend. One
// of pool, node and table is set.
type backend struct {
	pool          *pgxpool.Pool
	node          *raftstore.Node
	table         *memory.Table
	leaseDuration time.Duration
	logger        zerolog.Logger
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	b := &backend{leaseDuration: cfg.Store.LeaseDuration, logger: logger}
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Database.URL, postgres.PoolConfig{MaxConns: cfg.Database.MaxConns})
		if err != nil {
			return nil, err
		}
		if err := postgres.RunMigrations(ctx, pool, migrations.FS); err != nil {
			pool.Close()
			return nil, err
		}
		b.pool = pool
	case config.BackendRaft:
		node, err := raftstore.NewNode(raftstore.Config{
			NodeID:    cfg.Raft.NodeID,
			RaftAddr:  cfg.Raft.Addr,
			DataDir:   cfg.Raft.DataDir,
			Bootstrap: cfg.Raft.Bootstrap,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Raft.Bootstrap {
			waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			leader, err := node.WaitForLeader(waitCtx, 150*time.Millisecond)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("no raft leader yet")
			} else {
				logger.Info().Str("leader", leader).Msg("raft leader elected")
			}
		}
		b.node = node
	default:
		b.table = memory.NewTable()
	}
	return b, nil
}

// store returns a lease-aware store acting for holderID.
func (b *backend) store(holderID string) negotiation.Store {
	switch {
	case b.pool != nil:
		return postgres.NewNegotiationStore(b.pool, holderID, b.leaseDuration)
	case b.node != nil:
		return raftstore.NewStore(b.node, holderID, b.leaseDuration)
	default:
		return memory.NewStore(b.table, holderID, b.leaseDuration)
	}
}

// auditRepository stores audit entries in Postgres when available. The
// other backends keep them in memory on each node.
func (b *backend) auditRepository() domainaudit.Repository {
	if b.pool != nil {
		return postgres.NewAuditRepository(b.pool)
	}
	return memory.NewAuditRepository()
}

func (b *backend) close() {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.node != nil {
		if err := b.node.Shutdown(); err != nil {
			b.logger.Warn().Err(err).Msg("raft shutdown failed")
		}
	}
}
