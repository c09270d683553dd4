package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/docindexer/pkg/clickhouse"
	"github.com/ava-labs/docindexer/pkg/dynamodb"
	"github.com/ava-labs/docindexer/pkg/indexer"
	"github.com/ava-labs/docindexer/pkg/indexes/weight"
	"github.com/ava-labs/docindexer/pkg/metrics"
	"github.com/ava-labs/docindexer/pkg/queue"
	"github.com/ava-labs/docindexer/pkg/scheduler"
)

const (
	// minBlockBufferSize is the minimum valid value for BlockBufferSize (uint8: 0)
	minBlockBufferSize = 0
	// maxBlockBufferSize is the maximum valid value for BlockBufferSize (uint8: 255)
	maxBlockBufferSize = 255

	indexStorePebble   = "pebble"
	indexStoreDynamoDB = "dynamodb"
)

// Config holds all configuration for the docindexer application
type Config struct {
	// Application settings
	Verbose bool

	// Index settings
	Engine      indexer.Config
	Projector   weight.Projector
	GroupPrefix string

	// Index store settings
	IndexStore string
	PebbleDir  string
	DynamoDB   dynamodb.Config

	// Change feed settings
	ClickHouse      clickhouse.Config
	ChangefeedTable string

	// Scheduler settings
	Scheduler scheduler.Config

	// Kafka settings
	Kafka                       queue.ProducerConfig
	KafkaTopic                  string
	KafkaTopicNumPartitions     int
	KafkaTopicReplicationFactor int

	// Metrics settings
	MetricsHost   string
	MetricsPort   int
	Environment   string
	Region        string
	CloudProvider string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// MetricsLabels returns the constant labels of every metric
func (c *Config) MetricsLabels() metrics.Labels {
	return metrics.Labels{
		Index:         c.Engine.Name,
		Environment:   c.Environment,
		Region:        c.Region,
		CloudProvider: c.CloudProvider,
	}
}

// NotificationsEnabled reports whether commit notifications are published
func (c *Config) NotificationsEnabled() bool {
	return c.Kafka.Brokers != ""
}

// TopicConfig returns the commit notification topic settings
func (c *Config) TopicConfig() queue.TopicConfig {
	return queue.TopicConfig{
		Name:              c.KafkaTopic,
		NumPartitions:     c.KafkaTopicNumPartitions,
		ReplicationFactor: c.KafkaTopicReplicationFactor,
	}
}

// buildConfig builds a Config from CLI context flags. Flags a command does
// not define read as their zero value.
func buildConfig(c *cli.Context) (*Config, error) {
	chCfg, err := buildClickHouseConfig(c)
	if err != nil {
		return nil, fmt.Errorf("failed to build ClickHouse config: %w", err)
	}

	cfg := &Config{
		Verbose: c.Bool("verbose"),
		Engine: indexer.Config{
			Name:           c.String("index-name"),
			DontSaveSource: c.Bool("dont-save-source"),
			IDPrefix:       c.String("id-prefix"),
			ReadPageSize:   c.Int("read-page-size"),
			FeedPageSize:   c.Int("feed-page-size"),
			NotifyTimeout:  c.Duration("notify-timeout"),
		},
		Projector: weight.Projector{
			GroupsField:   c.String("groups-field"),
			WeightField:   c.String("weight-field"),
			DefaultWeight: c.Int64("default-weight"),
		},
		GroupPrefix: c.String("group-prefix"),
		IndexStore:  c.String("index-store"),
		PebbleDir:   c.String("pebble-dir"),
		DynamoDB: dynamodb.Config{
			Region:           c.String("dynamodb-region"),
			Endpoint:         c.String("dynamodb-endpoint"),
			Table:            c.String("dynamodb-table"),
			CreateTable:      c.Bool("dynamodb-create-table"),
			WriteConcurrency: c.Int("dynamodb-write-concurrency"),
			MaxRetries:       c.Int("dynamodb-max-retries"),
			RetryBackoff:     c.Duration("dynamodb-retry-backoff"),
		},
		ClickHouse:      chCfg,
		ChangefeedTable: c.String("changefeed-table"),
		Scheduler: scheduler.Config{
			Interval:     c.Duration("interval"),
			RunTimeout:   c.Duration("run-timeout"),
			BatchSize:    c.Int("batch-size"),
			MaxRetries:   c.Int("max-retries"),
			RetryBackoff: c.Duration("retry-backoff"),
		},
		Kafka: queue.ProducerConfig{
			Brokers:    c.String("kafka-brokers"),
			ClientID:   c.String("kafka-client-id"),
			EnableLogs: c.Bool("kafka-enable-logs"),
			SASL: queue.SASLConfig{
				Username:         c.String("kafka-sasl-username"),
				Password:         c.String("kafka-sasl-password"),
				Mechanism:        c.String("kafka-sasl-mechanism"),
				SecurityProtocol: c.String("kafka-security-protocol"),
			},
		},
		KafkaTopic:                  c.String("kafka-topic"),
		KafkaTopicNumPartitions:     c.Int("kafka-topic-num-partitions"),
		KafkaTopicReplicationFactor: c.Int("kafka-topic-replication-factor"),
		MetricsHost:                 c.String("metrics-host"),
		MetricsPort:                 c.Int("metrics-port"),
		Environment:                 c.String("environment"),
		Region:                      c.String("region"),
		CloudProvider:               c.String("cloud-provider"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.IndexStore {
	case indexStorePebble:
		if c.PebbleDir == "" {
			return errors.New("pebble-dir is required for the pebble index store")
		}
	case indexStoreDynamoDB:
		if c.DynamoDB.Table == "" {
			return errors.New("dynamodb-table is required for the dynamodb index store")
		}
	default:
		return fmt.Errorf("unknown index store %q (want %s or %s)", c.IndexStore, indexStorePebble, indexStoreDynamoDB)
	}
	if strings.HasPrefix(c.GroupPrefix, indexer.ReservedPrefix) {
		return fmt.Errorf("group-prefix %q must not start with %q", c.GroupPrefix, indexer.ReservedPrefix)
	}
	if c.Projector.GroupsField == "" {
		return errors.New("groups-field is required")
	}
	if c.Projector.DefaultWeight < 0 {
		return fmt.Errorf("default-weight must not be negative, got %d", c.Projector.DefaultWeight)
	}
	if c.ChangefeedTable == "" {
		return errors.New("changefeed-table is required")
	}
	return nil
}

// buildClickHouseConfig builds a ClickhouseConfig from CLI context flags
func buildClickHouseConfig(c *cli.Context) (clickhouse.Config, error) {
	hosts := splitHosts(c.StringSlice("clickhouse-hosts"))

	blockBufferSize := c.Int("clickhouse-block-buffer-size")
	if err := validateBlockBufferSize(blockBufferSize); err != nil {
		return clickhouse.Config{}, err
	}

	return clickhouse.Config{
		Hosts:                hosts,
		Cluster:              c.String("clickhouse-cluster"),
		Database:             c.String("clickhouse-database"),
		Username:             c.String("clickhouse-username"),
		Password:             c.String("clickhouse-password"),
		Debug:                c.Bool("clickhouse-debug"),
		InsecureSkipVerify:   c.Bool("clickhouse-insecure-skip-verify"),
		MaxExecutionTime:     c.Int("clickhouse-max-execution-time"),
		DialTimeout:          c.Int("clickhouse-dial-timeout"),
		MaxOpenConns:         c.Int("clickhouse-max-open-conns"),
		MaxIdleConns:         c.Int("clickhouse-max-idle-conns"),
		ConnMaxLifetime:      c.Int("clickhouse-conn-max-lifetime"),
		BlockBufferSize:      blockBufferSize,
		MaxBlockSize:         c.Int("clickhouse-max-block-size"),
		MaxCompressionBuffer: c.Int("clickhouse-max-compression-buffer"),
		ClientName:           c.String("clickhouse-client-name"),
		ClientVersion:        c.String("clickhouse-client-version"),
	}, nil
}

// splitHosts flattens comma-separated host values and trims them.
func splitHosts(values []string) []string {
	var hosts []string
	for _, v := range values {
		for _, host := range strings.Split(v, ",") {
			if host = strings.TrimSpace(host); host != "" {
				hosts = append(hosts, host)
			}
		}
	}
	return hosts
}

// validateBlockBufferSize checks that the block buffer size fits in a uint8
func validateBlockBufferSize(size int) error {
	if size < minBlockBufferSize || size > maxBlockBufferSize {
		return fmt.Errorf(
			"clickhouse-block-buffer-size must be between %d and %d, got %d",
			minBlockBufferSize, maxBlockBufferSize, size,
		)
	}
	return nil
}
