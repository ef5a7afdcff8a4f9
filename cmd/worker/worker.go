package main

import (
	"context"
	"fmt"
	"time"

	"github.com/voltsync/grid-sync-worker/internal/config"
	"github.com/voltsync/grid-sync-worker/internal/db"
	"github.com/voltsync/grid-sync-worker/internal/mq"
	"github.com/voltsync/grid-sync-worker/internal/repository"
	"github.com/voltsync/grid-sync-worker/internal/ring"
	"github.com/voltsync/grid-sync-worker/internal/router"
	"github.com/voltsync/grid-sync-worker/internal/saga"
	syncworker "github.com/voltsync/grid-sync-worker/internal/sync"
	"github.com/voltsync/grid-sync-worker/internal/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// startWorker wires the four subscriptions this replica runs: the sync
// (replication) consumer, the telemetry router, this shard's aggregator,
// the saga command consumer, plus the collaborator RPC server. Each runs
// as one sequential worker under a shared cancellation context.
func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	applier *syncworker.Applier,
	rt *router.Router,
	aggregator *telemetry.Aggregator,
	commands *saga.CommandHandler,
	collaborator *saga.CollaboratorHandler,
) error {
	ctx, cancel := context.WithCancel(context.Background())

	consumers := []struct {
		name string
		cfg  mq.ConsumerConfig
	}{
		{
			name: "sync",
			cfg: mq.ConsumerConfig{
				Connection:       conn,
				Queue:            cfg.RabbitMQ.SyncQueue,
				DLQQueue:         cfg.RabbitMQ.SyncDLQQueue,
				Exchange:         cfg.RabbitMQ.SyncExchange,
				ExchangeKind:     "fanout",
				PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
				Logger:           logger,
				MessageProcessor: applier.HandleMessage,
			},
		},
		{
			name: "router",
			cfg: mq.ConsumerConfig{
				Connection:       conn,
				Queue:            cfg.RabbitMQ.DeviceDataQueue,
				DLQQueue:         cfg.RabbitMQ.DeviceDataDLQQueue,
				PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
				Logger:           logger,
				MessageProcessor: rt.HandleMessage,
			},
		},
		{
			name: "aggregator",
			cfg: mq.ConsumerConfig{
				Connection:       conn,
				Queue:            fmt.Sprintf("%s%d", cfg.RabbitMQ.IngestQueuePrefix, cfg.Shard.ID),
				DLQQueue:         cfg.RabbitMQ.IngestDLQQueue,
				PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
				Logger:           logger,
				MessageProcessor: aggregator.HandleMessage,
			},
		},
		{
			name: "commands",
			cfg: mq.ConsumerConfig{
				Connection:       conn,
				Queue:            cfg.RabbitMQ.CommandQueue,
				DLQQueue:         cfg.RabbitMQ.CommandDLQQueue,
				PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
				Logger:           logger,
				MessageProcessor: commands.HandleMessage,
			},
		},
	}

	started := make([]*mq.Consumer, 0, len(consumers))
	for _, c := range consumers {
		consumer, err := mq.NewConsumer(c.cfg)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create %s consumer: %w", c.name, err)
		}
		started = append(started, consumer)
	}

	rpcServer, err := mq.NewRPCServer(conn, cfg.RabbitMQ.CollaboratorQueue, collaborator.Handle, logger)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create collaborator rpc server: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting worker subscriptions",
				zap.Int("shard", cfg.Shard.ID),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount),
			)
			for _, consumer := range started {
				if err := consumer.Start(ctx); err != nil {
					return err
				}
			}
			return rpcServer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			for _, consumer := range started {
				if err := consumer.Close(); err != nil {
					logger.Error("failed to close consumer", zap.Error(err))
				}
			}
			if err := rpcServer.Close(); err != nil {
				logger.Error("failed to close rpc server", zap.Error(err))
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return nil
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the fanout sync-event publisher
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.SyncExchange, "fanout", logger)
}

// ProvideRPCClient creates the saga remote-step client
func ProvideRPCClient(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.RPCClient, error) {
	timeout := time.Duration(cfg.Saga.StepTimeoutSeconds) * time.Second
	return mq.NewRPCClient(conn, timeout, logger)
}

// ProvideRing builds the consistent-hash ring
func ProvideRing(cfg *config.Config) *ring.Ring {
	return ring.New(cfg.Ring.NumShards, cfg.Ring.VirtualNodes)
}

// ProvideRouter creates the telemetry router. The ingest DLQ is shared
// with the aggregator consumers so both declare the ingest queues with
// identical arguments.
func ProvideRouter(r *ring.Ring, publisher *mq.Publisher, cfg *config.Config, logger *zap.Logger) (*router.Router, error) {
	return router.NewRouter(r, publisher, cfg.RabbitMQ.IngestQueuePrefix, cfg.RabbitMQ.IngestDLQQueue, logger)
}

// ProvideCoordinator creates the saga coordinator with its collaborators
func ProvideCoordinator(repo *repository.Repository, rpc *mq.RPCClient, publisher *mq.Publisher, cfg *config.Config, logger *zap.Logger) *saga.Coordinator {
	users := saga.NewAMQPCollaborator(rpc, cfg.RabbitMQ.UserServiceQueue)
	devices := saga.NewAMQPCollaborator(rpc, cfg.RabbitMQ.DeviceServiceQueue)
	return saga.NewCoordinator(repo, users, devices, publisher, logger)
}

// ProvideCommandHandler creates the saga command-queue handler
func ProvideCommandHandler(coord *saga.Coordinator, logger *zap.Logger) *saga.CommandHandler {
	return saga.NewCommandHandler(coord, logger)
}

// ProvideCollaboratorHandler creates the handler answering saga calls
// from other coordinators against this replica's store
func ProvideCollaboratorHandler(repo *repository.Repository, logger *zap.Logger) *saga.CollaboratorHandler {
	return saga.NewCollaboratorHandler(repo, logger)
}

// ProvideApplier creates the replication applier
func ProvideApplier(repo *repository.Repository, logger *zap.Logger) *syncworker.Applier {
	return syncworker.NewApplier(repo, logger)
}

// ProvideValidator creates the telemetry validator
func ProvideValidator(cfg *config.Config) *telemetry.Validator {
	return telemetry.NewValidator(cfg.Validation.TimestampToleranceMinutes)
}

// ProvideAggregator creates this shard's aggregator
func ProvideAggregator(repo *repository.Repository, validator *telemetry.Validator, cfg *config.Config, logger *zap.Logger) *telemetry.Aggregator {
	return telemetry.NewAggregator(repo, validator, cfg.Shard.ID, logger)
}
