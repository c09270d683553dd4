package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

// storeFlags returns the flags needed to open the change feed and the index
// store. They are shared by every command.
func storeFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
			Value:   false,
		},
		&cli.StringFlag{
			Name:    "index-name",
			Aliases: []string{"n"},
			Usage:   "The name of the index, used in logs, metrics and commit notifications",
			EnvVars: []string{"INDEX_NAME"},
			Value:   "groups",
		},
		&cli.StringFlag{
			Name:    "index-store",
			Aliases: []string{"s"},
			Usage:   "The index store backend to use (pebble or dynamodb)",
			EnvVars: []string{"INDEX_STORE"},
			Value:   indexStorePebble,
		},
		&cli.StringFlag{
			Name:    "pebble-dir",
			Usage:   "The directory of the pebble index store",
			EnvVars: []string{"PEBBLE_DIR"},
			Value:   "data/index",
		},
		&cli.StringFlag{
			Name:    "dynamodb-region",
			Usage:   "AWS region of the DynamoDB index table",
			EnvVars: []string{"DYNAMODB_REGION"},
			Value:   "us-east-1",
		},
		&cli.StringFlag{
			Name:    "dynamodb-endpoint",
			Usage:   "DynamoDB endpoint override (e.g., http://localhost:8000 for DynamoDB Local)",
			EnvVars: []string{"DYNAMODB_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "dynamodb-table",
			Usage:   "The DynamoDB table holding the index",
			EnvVars: []string{"DYNAMODB_TABLE"},
			Value:   "docindex",
		},
		&cli.BoolFlag{
			Name:    "dynamodb-create-table",
			Usage:   "Create the DynamoDB table when it does not exist",
			EnvVars: []string{"DYNAMODB_CREATE_TABLE"},
			Value:   true,
		},
		&cli.IntFlag{
			Name:    "dynamodb-write-concurrency",
			Usage:   "The maximum number of concurrent DynamoDB item writes per bulk write",
			EnvVars: []string{"DYNAMODB_WRITE_CONCURRENCY"},
			Value:   16,
		},
		&cli.IntFlag{
			Name:    "dynamodb-max-retries",
			Usage:   "The maximum number of attempts to wait for the DynamoDB table",
			EnvVars: []string{"DYNAMODB_MAX_RETRIES"},
			Value:   10,
		},
		&cli.DurationFlag{
			Name:    "dynamodb-retry-backoff",
			Usage:   "The backoff between attempts to wait for the DynamoDB table",
			EnvVars: []string{"DYNAMODB_RETRY_BACKOFF"},
			Value:   time.Second,
		},
		&cli.StringFlag{
			Name:    "changefeed-table",
			Aliases: []string{"T"},
			Usage:   "The ClickHouse table holding the source documents",
			EnvVars: []string{"CHANGEFEED_TABLE"},
			Value:   "documents",
		},
		&cli.StringFlag{
			Name:    "id-prefix",
			Usage:   "Only index source documents whose id has this prefix",
			EnvVars: []string{"ID_PREFIX"},
		},
		&cli.BoolFlag{
			Name:    "dont-save-source",
			Usage:   "Do not keep source snapshots in the index store",
			EnvVars: []string{"DONT_SAVE_SOURCE"},
			Value:   false,
		},
		&cli.IntFlag{
			Name:    "read-page-size",
			Usage:   "The maximum number of keys per index store bulk read (0 for unbounded)",
			EnvVars: []string{"READ_PAGE_SIZE"},
			Value:   1000,
		},
		&cli.IntFlag{
			Name:    "feed-page-size",
			Usage:   "The maximum number of changes per change feed read (0 for the batch size)",
			EnvVars: []string{"FEED_PAGE_SIZE"},
			Value:   0,
		},
		&cli.StringFlag{
			Name:    "groups-field",
			Usage:   "The document field listing the groups of a document (string or array of strings)",
			EnvVars: []string{"GROUPS_FIELD"},
			Value:   "tags",
		},
		&cli.StringFlag{
			Name:    "weight-field",
			Usage:   "The document field holding the weight of a document",
			EnvVars: []string{"WEIGHT_FIELD"},
			Value:   "weight",
		},
		&cli.Int64Flag{
			Name:    "default-weight",
			Usage:   "The weight of documents without a weight field",
			EnvVars: []string{"DEFAULT_WEIGHT"},
			Value:   1,
		},
		&cli.StringFlag{
			Name:    "group-prefix",
			Usage:   "The prefix of index entry ids (must not start with an underscore)",
			EnvVars: []string{"GROUP_PREFIX"},
			Value:   "group/",
		},
	}
	return append(flags, clickHouseFlags()...)
}

// runFlags returns all CLI flags for the run command.
func runFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.IntFlag{
			Name:    "batch-size",
			Aliases: []string{"b"},
			Usage:   "The maximum number of changes committed as one batch",
			EnvVars: []string{"BATCH_SIZE"},
			Value:   500,
		},
		&cli.DurationFlag{
			Name:    "interval",
			Aliases: []string{"i"},
			Usage:   "The interval between update runs",
			EnvVars: []string{"UPDATE_INTERVAL"},
			Value:   5 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "run-timeout",
			Usage:   "The timeout of a single update run",
			EnvVars: []string{"RUN_TIMEOUT"},
			Value:   time.Minute,
		},
		&cli.IntFlag{
			Name:    "max-retries",
			Aliases: []string{"r"},
			Usage:   "The maximum number of retries of a failed update run before exiting",
			EnvVars: []string{"MAX_RETRIES"},
			Value:   3,
		},
		&cli.DurationFlag{
			Name:    "retry-backoff",
			Usage:   "The backoff between retries of a failed update run",
			EnvVars: []string{"RETRY_BACKOFF"},
			Value:   300 * time.Millisecond,
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Aliases: []string{"m"},
			Usage:   "Port for Prometheus metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Aliases: []string{"E"},
			Usage:   "Deployment environment for metrics labels (e.g., 'production', 'staging')",
			EnvVars: []string{"ENVIRONMENT"},
			Value:   "",
		},
		&cli.StringFlag{
			Name:    "region",
			Aliases: []string{"R"},
			Usage:   "Cloud region for metrics labels (e.g., 'us-east-1')",
			EnvVars: []string{"REGION"},
			Value:   "",
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Aliases: []string{"P"},
			Usage:   "Cloud provider for metrics labels (e.g., 'aws', 'oci', 'gcp')",
			EnvVars: []string{"CLOUD_PROVIDER"},
			Value:   "",
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "The Kafka brokers to publish commit notifications to (comma-separated list, empty to disable)",
			EnvVars: []string{"KAFKA_BROKERS"},
		},
		&cli.StringFlag{
			Name:    "kafka-topic",
			Aliases: []string{"t"},
			Usage:   "The Kafka topic of commit notifications",
			EnvVars: []string{"KAFKA_TOPIC"},
			Value:   "index-commits",
		},
		&cli.BoolFlag{
			Name:    "kafka-enable-logs",
			Aliases: []string{"l"},
			Usage:   "Enable Kafka logs",
			EnvVars: []string{"KAFKA_ENABLE_LOGS"},
			Value:   false,
		},
		&cli.DurationFlag{
			Name:    "notify-timeout",
			Usage:   "Maximum time to deliver a single commit notification",
			EnvVars: []string{"NOTIFY_TIMEOUT"},
			Value:   10 * time.Second,
		},
		&cli.StringFlag{
			Name:    "kafka-client-id",
			Usage:   "The Kafka client ID to use",
			EnvVars: []string{"KAFKA_CLIENT_ID"},
			Value:   "docindexer",
		},
		&cli.IntFlag{
			Name:    "kafka-topic-num-partitions",
			Usage:   "The number of partitions to use for the Kafka topic (must be greater than 0)",
			EnvVars: []string{"KAFKA_TOPIC_NUM_PARTITIONS"},
			Value:   1,
		},
		&cli.IntFlag{
			Name:    "kafka-topic-replication-factor",
			Usage:   "The replication factor to use for the Kafka topic (must be greater than 0)",
			EnvVars: []string{"KAFKA_TOPIC_REPLICATION_FACTOR"},
			Value:   1,
		},
		&cli.StringFlag{
			Name:    "kafka-sasl-username",
			Usage:   "SASL username for Kafka authentication",
			EnvVars: []string{"KAFKA_SASL_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "kafka-sasl-password",
			Usage:   "SASL password for Kafka authentication",
			EnvVars: []string{"KAFKA_SASL_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "kafka-sasl-mechanism",
			Usage:   "SASL mechanism (SCRAM-SHA-256, SCRAM-SHA-512, or PLAIN)",
			EnvVars: []string{"KAFKA_SASL_MECHANISM"},
			Value:   "SCRAM-SHA-512",
		},
		&cli.StringFlag{
			Name:    "kafka-security-protocol",
			Usage:   "Security protocol (SASL_SSL or SASL_PLAINTEXT)",
			EnvVars: []string{"KAFKA_SECURITY_PROTOCOL"},
			Value:   "SASL_SSL",
		},
	}
	return append(storeFlags(), flags...)
}

func clickHouseFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "clickhouse-hosts",
			Usage:   "ClickHouse server hosts (comma-separated)",
			EnvVars: []string{"CLICKHOUSE_HOSTS"},
			Value:   cli.NewStringSlice("localhost:9000"),
		},
		&cli.StringFlag{
			Name:    "clickhouse-cluster",
			Usage:   "ClickHouse cluster name (empty for a single node)",
			EnvVars: []string{"CLICKHOUSE_CLUSTER"},
			Value:   "",
		},
		&cli.StringFlag{
			Name:    "clickhouse-database",
			Usage:   "ClickHouse database name",
			EnvVars: []string{"CLICKHOUSE_DATABASE"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "clickhouse-username",
			Usage:   "ClickHouse username",
			EnvVars: []string{"CLICKHOUSE_USERNAME"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "clickhouse-password",
			Usage:   "ClickHouse password",
			EnvVars: []string{"CLICKHOUSE_PASSWORD"},
			Value:   "",
		},
		&cli.BoolFlag{
			Name:    "clickhouse-debug",
			Usage:   "Enable ClickHouse debug logging",
			EnvVars: []string{"CLICKHOUSE_DEBUG"},
		},
		&cli.BoolFlag{
			Name:    "clickhouse-insecure-skip-verify",
			Usage:   "Skip TLS certificate verification for ClickHouse",
			EnvVars: []string{"CLICKHOUSE_INSECURE_SKIP_VERIFY"},
			Value:   true,
		},
		&cli.IntFlag{
			Name:    "clickhouse-max-execution-time",
			Usage:   "ClickHouse max execution time in seconds",
			EnvVars: []string{"CLICKHOUSE_MAX_EXECUTION_TIME"},
			Value:   60,
		},
		&cli.IntFlag{
			Name:    "clickhouse-dial-timeout",
			Usage:   "ClickHouse dial timeout in seconds",
			EnvVars: []string{"CLICKHOUSE_DIAL_TIMEOUT"},
			Value:   30,
		},
		&cli.IntFlag{
			Name:    "clickhouse-max-open-conns",
			Usage:   "ClickHouse maximum open connections",
			EnvVars: []string{"CLICKHOUSE_MAX_OPEN_CONNS"},
			Value:   5,
		},
		&cli.IntFlag{
			Name:    "clickhouse-max-idle-conns",
			Usage:   "ClickHouse maximum idle connections",
			EnvVars: []string{"CLICKHOUSE_MAX_IDLE_CONNS"},
			Value:   5,
		},
		&cli.IntFlag{
			Name:    "clickhouse-conn-max-lifetime",
			Usage:   "ClickHouse connection max lifetime in minutes",
			EnvVars: []string{"CLICKHOUSE_CONN_MAX_LIFETIME"},
			Value:   10,
		},
		&cli.IntFlag{
			Name:    "clickhouse-block-buffer-size",
			Usage:   "ClickHouse block buffer size",
			EnvVars: []string{"CLICKHOUSE_BLOCK_BUFFER_SIZE"},
			Value:   10,
		},
		&cli.IntFlag{
			Name:    "clickhouse-max-block-size",
			Usage:   "ClickHouse max block size (recommended maximum number of rows in a single block)",
			EnvVars: []string{"CLICKHOUSE_MAX_BLOCK_SIZE"},
			Value:   1000,
		},
		&cli.IntFlag{
			Name:    "clickhouse-max-compression-buffer",
			Usage:   "ClickHouse max compression buffer in bytes",
			EnvVars: []string{"CLICKHOUSE_MAX_COMPRESSION_BUFFER"},
			Value:   10240,
		},
		&cli.StringFlag{
			Name:    "clickhouse-client-name",
			Usage:   "ClickHouse client name for ClientInfo",
			EnvVars: []string{"CLICKHOUSE_CLIENT_NAME"},
			Value:   "docindexer",
		},
		&cli.StringFlag{
			Name:    "clickhouse-client-version",
			Usage:   "ClickHouse client version for ClientInfo",
			EnvVars: []string{"CLICKHOUSE_CLIENT_VERSION"},
			Value:   "1.0",
		},
	}
}
