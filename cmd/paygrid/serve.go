package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/paygrid/paygrid/config"
	"github.com/paygrid/paygrid/ledger"
	"github.com/paygrid/paygrid/lock"
	"github.com/paygrid/paygrid/log"
	"github.com/paygrid/paygrid/processor"
	"github.com/paygrid/paygrid/store"
	"github.com/paygrid/paygrid/stream"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the processing node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

// serve wires the node and blocks until the context is cancelled, then
// drains in-flight deliveries before returning. A debit/credit pair is never
// cut mid-sequence: shutdown stops consumption, not handlers.
func serve(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync(context.Background()) }()

	logger.Log(ctx, log.LevelInfo, "starting paygrid node",
		log.String("node_id", cfg.NodeID),
		log.Int("cluster_size", len(cfg.ClusterNodes)),
		log.Int("partitions", cfg.Partitions))

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer func() { _ = redisClient.Close() }()

	locks, err := lock.NewManager(redisClient, lock.WithLogger(logger))
	if err != nil {
		return err
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	txStore, err := store.NewPostgres(db)
	if err != nil {
		return err
	}

	ledgerClient, err := ledger.NewHTTPClient(cfg.LedgerBaseURL,
		ledger.WithHTTPTimeout(cfg.LedgerTimeout),
		ledger.WithHTTPLogger(logger))
	if err != nil {
		return err
	}

	broker, err := stream.NewConnection(cfg.AMQPURL, stream.WithConnectionLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close() }()

	consumerChannel, err := broker.Channel(ctx)
	if err != nil {
		return err
	}

	if err := stream.DeclareTopology(consumerChannel, stream.TopologyConfig{Partitions: cfg.Partitions}); err != nil {
		return err
	}

	publisherChannel, err := broker.NewChannel(ctx)
	if err != nil {
		return err
	}

	publisher, err := stream.NewPublisher(publisherChannel,
		stream.WithPublisherLogger(logger),
		stream.WithPartitions(cfg.Partitions))
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	ring := cfg.Ring()

	proc, err := processor.New(ring, locks, txStore, ledgerClient, publisher, cfg.NodeID,
		processor.WithLockTTL(cfg.LockTTL),
		processor.WithLogger(logger))
	if err != nil {
		return err
	}

	consumer, err := stream.NewConsumer(consumerChannel, ring, cfg.NodeID, proc.Handle,
		stream.WithConsumerLogger(logger),
		stream.WithConsumerPartitions(cfg.Partitions),
		stream.WithPrefetch(cfg.Prefetch))
	if err != nil {
		return err
	}

	if err := consumer.Start(ctx); err != nil {
		if errors.Is(err, stream.ErrNoPartitions) {
			// A valid state on small clusters; the node still serves submits.
			logger.Log(ctx, log.LevelWarn, "node owns no partitions, consuming nothing",
				log.String("node_id", cfg.NodeID))
		} else {
			return err
		}
	}

	<-ctx.Done()

	logger.Log(context.Background(), log.LevelInfo, "shutting down, draining in-flight deliveries")
	consumer.Wait()
	logger.Log(context.Background(), log.LevelInfo, "node stopped")

	return nil
}

func newLogger(cfg config.Config) (log.Logger, error) {
	environment := log.Environment(cfg.Environment)

	logger, err := log.NewZap(log.ZapConfig{
		Environment:     environment,
		Level:           cfg.LogLevel,
		OTelLibraryName: "paygrid",
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger.With(log.String("node_id", cfg.NodeID)), nil
}
