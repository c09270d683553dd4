// Package dynamodb builds DynamoDB clients and bootstraps the table that
// backs a DynamoDB index store.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// KeyAttribute is the partition key of the index table.
const KeyAttribute = "id"

// ErrTableNotFound is returned by EnsureTable when the table is missing and
// table creation is disabled.
var ErrTableNotFound = errors.New("dynamodb table not found")

// TableAPI is the part of the DynamoDB API needed to bootstrap a table.
type TableAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// New creates a DynamoDB client from the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*dynamodb.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// EnsureTable waits until cfg.Table is active, creating it first when it is
// missing and cfg.CreateTable is set. Failed calls and tables that are not
// active yet are retried up to cfg.MaxRetries times, cfg.RetryBackoff apart.
func EnsureTable(ctx context.Context, api TableAPI, cfg Config, sugar *zap.SugaredLogger) error {
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.RetryBackoff):
			}
		}
		active, err := ensureOnce(ctx, api, cfg, sugar)
		if errors.Is(err, ErrTableNotFound) {
			return err
		}
		if active {
			return nil
		}
		if err != nil {
			sugar.Warnw("table not ready", "table", cfg.Table, "attempt", attempt+1, "error", err)
			lastErr = err
		} else {
			lastErr = fmt.Errorf("table %s is not active", cfg.Table)
		}
	}
	return fmt.Errorf("failed to ensure table after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

func ensureOnce(ctx context.Context, api TableAPI, cfg Config, sugar *zap.SugaredLogger) (bool, error) {
	out, err := api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(cfg.Table)})
	var notFound *types.ResourceNotFoundException
	switch {
	case errors.As(err, &notFound):
		if !cfg.CreateTable {
			return false, fmt.Errorf("%w: %s", ErrTableNotFound, cfg.Table)
		}
		sugar.Infow("creating table", "table", cfg.Table)
		_, err := api.CreateTable(ctx, createTableInput(cfg.Table))
		var inUse *types.ResourceInUseException
		if err != nil && !errors.As(err, &inUse) {
			return false, fmt.Errorf("failed to create table %s: %w", cfg.Table, err)
		}
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to describe table %s: %w", cfg.Table, err)
	}
	return out.Table != nil && out.Table.TableStatus == types.TableStatusActive, nil
}

func createTableInput(table string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(KeyAttribute), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(KeyAttribute), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
}
