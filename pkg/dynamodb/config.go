package dynamodb

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the configuration for a DynamoDB client and the index table.
type Config struct {
	Region           string        `env:"DYNAMODB_REGION" envDefault:"us-east-1"`
	Endpoint         string        `env:"DYNAMODB_ENDPOINT" envDefault:""` // e.g. http://localhost:8000 for DynamoDB Local
	Table            string        `env:"DYNAMODB_TABLE" envDefault:"docindex"`
	CreateTable      bool          `env:"DYNAMODB_CREATE_TABLE" envDefault:"true"`
	WriteConcurrency int           `env:"DYNAMODB_WRITE_CONCURRENCY" envDefault:"16"`
	MaxRetries       int           `env:"DYNAMODB_MAX_RETRIES" envDefault:"10"`
	RetryBackoff     time.Duration `env:"DYNAMODB_RETRY_BACKOFF" envDefault:"1s"`
}

// Parse reads the configuration from environment variables.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse dynamodb config: %w", err)
	}
	return cfg, nil
}
