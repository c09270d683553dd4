package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/docindexer/pkg/indexer"
	"github.com/ava-labs/docindexer/pkg/metrics"
	"github.com/ava-labs/docindexer/pkg/queue"
	"github.com/ava-labs/docindexer/pkg/scheduler"
	"github.com/ava-labs/docindexer/pkg/utils"

	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const flushTimeoutOnClose = 15 * time.Second

func run(c *cli.Context) error {
	// Build configuration from CLI flags
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"indexName", cfg.Engine.Name,
		"idPrefix", cfg.Engine.IDPrefix,
		"dontSaveSource", cfg.Engine.DontSaveSource,
		"readPageSize", cfg.Engine.ReadPageSize,
		"feedPageSize", cfg.Engine.FeedPageSize,
		"groupsField", cfg.Projector.GroupsField,
		"weightField", cfg.Projector.WeightField,
		"defaultWeight", cfg.Projector.DefaultWeight,
		"groupPrefix", cfg.GroupPrefix,
		"indexStore", cfg.IndexStore,
		"pebbleDir", cfg.PebbleDir,
		"dynamodbRegion", cfg.DynamoDB.Region,
		"dynamodbEndpoint", cfg.DynamoDB.Endpoint,
		"dynamodbTable", cfg.DynamoDB.Table,
		"batchSize", cfg.Scheduler.BatchSize,
		"interval", cfg.Scheduler.Interval,
		"runTimeout", cfg.Scheduler.RunTimeout,
		"maxRetries", cfg.Scheduler.MaxRetries,
		"retryBackoff", cfg.Scheduler.RetryBackoff,
		"kafkaBrokers", cfg.Kafka.Brokers,
		"kafkaTopic", cfg.KafkaTopic,
		"kafkaClientID", cfg.Kafka.ClientID,
		"notifyTimeout", cfg.Engine.NotifyTimeout,
		"clickhouseHosts", cfg.ClickHouse.Hosts,
		"clickhouseCluster", cfg.ClickHouse.Cluster,
		"clickhouseDatabase", cfg.ClickHouse.Database,
		"changefeedTable", cfg.ChangefeedTable,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"region", cfg.Region,
		"cloudProvider", cfg.CloudProvider,
	)

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, cfg.MetricsLabels())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, cfg, sugar)
	if err != nil {
		return err
	}
	defer st.Close(sugar)

	var (
		notifier  indexer.Notifier
		publisher *queue.KafkaPublisher
	)
	if cfg.NotificationsEnabled() {
		// Create Kafka admin client to ensure topic exists
		adminConfig := confluentKafka.ConfigMap{"bootstrap.servers": cfg.Kafka.Brokers}
		cfg.Kafka.SASL.ApplyToConfigMap(&adminConfig)
		kafkaAdminClient, err := confluentKafka.NewAdminClient(&adminConfig)
		if err != nil {
			return fmt.Errorf("failed to create kafka admin client: %w", err)
		}
		err = queue.EnsureTopic(ctx, kafkaAdminClient, cfg.TopicConfig(), sugar)
		kafkaAdminClient.Close()
		if err != nil {
			return fmt.Errorf("failed to ensure kafka topic exists: %w", err)
		}

		publisher, err = queue.NewKafkaPublisher(ctx, cfg.Kafka.ConfigMap(), sugar)
		if err != nil {
			return fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), flushTimeoutOnClose)
			defer cancel()
			publisher.Close(closeCtx)
		}()
		notifier = queue.NewCommitNotifier(publisher, cfg.KafkaTopic)
	} else {
		sugar.Info("kafka brokers not set, commit notifications disabled")
	}

	eng, err := st.engine(cfg, sugar, m, notifier)
	if err != nil {
		return err
	}
	// Runs before the publisher closes so queued notifications reach it.
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), flushTimeoutOnClose)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			sugar.Warnw("failed to drain commit notifications", "error", err)
		}
	}()

	// Start metrics server
	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry, pendingRollbackCheck(eng))
	metricsErrCh := metricsServer.Start()
	if cfg.MetricsHost == "" {
		sugar.Infof("metrics server listening on http://0.0.0.0:%d/metrics", cfg.MetricsPort)
	} else {
		sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Start(gctx, eng, cfg.Scheduler, m, sugar)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-metricsErrCh:
			if err != nil {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		}
	})
	if publisher != nil {
		// Notifications are best effort: committed batches stay durable
		// whatever the producer reports.
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case err, ok := <-publisher.Errors():
					if !ok {
						return nil
					}
					sugar.Warnw("kafka publisher error", "error", err)
				}
			}
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		sugar.Infow("exiting due to context cancellation")
		err = nil
	} else if err != nil {
		sugar.Errorw("run failed", "error", err)
	}

	// Gracefully shutdown metrics server
	sugar.Info("shutting down metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
		sugar.Warnw("failed to shutdown metrics server", "error", shutdownErr)
	}

	return err
}
