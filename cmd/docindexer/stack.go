package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ava-labs/docindexer/pkg/clickhouse"
	"github.com/ava-labs/docindexer/pkg/data/clickhouse/changefeed"
	ddbindex "github.com/ava-labs/docindexer/pkg/data/dynamodb/indexstore"
	pebbleindex "github.com/ava-labs/docindexer/pkg/data/pebble/indexstore"
	"github.com/ava-labs/docindexer/pkg/docstore"
	"github.com/ava-labs/docindexer/pkg/dynamodb"
	"github.com/ava-labs/docindexer/pkg/indexer"
	"github.com/ava-labs/docindexer/pkg/indexes/weight"
	"github.com/ava-labs/docindexer/pkg/metrics"
)

type groupEngine = indexer.Engine[weight.Projection, weight.Entry]

// stack holds the opened stores of an index.
type stack struct {
	source  docstore.SourceStore
	index   docstore.IndexStore
	closers []func() error
}

// openStack connects to the change feed and opens the configured index
// store. The caller must Close the stack.
func openStack(ctx context.Context, cfg *Config, sugar *zap.SugaredLogger) (*stack, error) {
	s := &stack{}

	chClient, err := clickhouse.New(cfg.ClickHouse, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	s.closers = append(s.closers, chClient.Close)
	sugar.Info("ClickHouse client created successfully")

	s.source, err = changefeed.NewRepository(ctx, chClient, cfg.ClickHouse.Cluster, cfg.ClickHouse.Database, cfg.ChangefeedTable)
	if err != nil {
		s.Close(sugar)
		return nil, fmt.Errorf("failed to create change feed repository: %w", err)
	}

	switch cfg.IndexStore {
	case indexStorePebble:
		store, err := pebbleindex.Open(cfg.PebbleDir, nil, sugar)
		if err != nil {
			s.Close(sugar)
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		s.index = store
	case indexStoreDynamoDB:
		client, err := dynamodb.New(ctx, cfg.DynamoDB)
		if err != nil {
			s.Close(sugar)
			return nil, fmt.Errorf("failed to create DynamoDB client: %w", err)
		}
		if err := dynamodb.EnsureTable(ctx, client, cfg.DynamoDB, sugar); err != nil {
			s.Close(sugar)
			return nil, fmt.Errorf("failed to ensure DynamoDB table: %w", err)
		}
		s.index = ddbindex.New(client, cfg.DynamoDB.Table, cfg.DynamoDB.WriteConcurrency)
	default:
		s.Close(sugar)
		return nil, fmt.Errorf("unknown index store %q", cfg.IndexStore)
	}
	sugar.Infow("index store opened", "backend", cfg.IndexStore)
	return s, nil
}

// engine builds the group weight engine over the stack. m and notifier may
// be nil.
func (s *stack) engine(cfg *Config, sugar *zap.SugaredLogger, m *metrics.Metrics, notifier indexer.Notifier) (*groupEngine, error) {
	eng, err := indexer.New[weight.Projection, weight.Entry](indexer.Params[weight.Projection]{
		Source:   s.source,
		Index:    s.index,
		Project:  cfg.Projector.Project,
		Config:   cfg.Engine,
		Logger:   sugar,
		Metrics:  m,
		Notifier: notifier,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return eng.Register(weight.Definition(cfg.Engine.Name, cfg.GroupPrefix)), nil
}

// Close releases the stores in reverse opening order.
func (s *stack) Close(sugar *zap.SugaredLogger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			sugar.Warnw("failed to close store", "error", err)
		}
	}
	s.closers = nil
}

// pendingRollbackCheck reports the index unhealthy while a failed batch
// awaits rollback. The rollback of a batch in flight does not count.
func pendingRollbackCheck(eng *groupEngine) metrics.HealthCheck {
	return func(ctx context.Context) error {
		stalled, err := eng.StalledRollback(ctx)
		if err != nil {
			return fmt.Errorf("failed to read engine state: %w", err)
		}
		if stalled {
			return errors.New("index has a pending rollback")
		}
		return nil
	}
}
