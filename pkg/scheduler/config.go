package scheduler

import "time"

// Config holds the configuration for the update scheduler.
type Config struct {
	Interval     time.Duration // Interval between update runs
	RunTimeout   time.Duration // Timeout for each update run
	BatchSize    int           // Maximum changes per batch
	MaxRetries   int           // Maximum number of retry attempts for a failed run
	RetryBackoff time.Duration // Backoff duration between retry attempts
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Second,
		RunTimeout:   time.Minute,
		BatchSize:    500,
		MaxRetries:   3,
		RetryBackoff: 300 * time.Millisecond,
	}
}
