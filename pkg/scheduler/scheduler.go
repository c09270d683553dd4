// Package scheduler drives an index engine: it runs Update on a fixed
// interval, retrying failed runs with a backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/docindexer/pkg/indexer"
	"github.com/ava-labs/docindexer/pkg/metrics"
)

// Updater brings an index up to date with its source.
type Updater interface {
	Update(ctx context.Context, batchSize int) (handled int, changed bool, err error)
}

// Start runs an update right away and then every cfg.Interval until ctx is
// done. A failed run is retried up to cfg.MaxRetries times; errors that a
// retry cannot fix, such as a misbehaving index definition, are returned
// at once.
//
// Returns nil on context cancellation (graceful shutdown), or the error of
// the last attempt once a run exhausted its retries.
func Start(ctx context.Context, u Updater, cfg Config, m *metrics.Metrics, log *zap.SugaredLogger) error {
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", indexer.ErrInvalidBatchSize, cfg.BatchSize)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()

	for {
		if err := run(ctx, u, cfg, m, log); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func run(ctx context.Context, u Updater, cfg Config, m *metrics.Metrics, log *zap.SugaredLogger) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
		handled, changed, err := u.Update(runCtx, cfg.BatchSize)
		cancel()
		m.RecordScheduledRun(err)

		if err == nil {
			if changed {
				log.Infow("update run finished", "handled", handled)
			}
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if permanent(err) {
			return fmt.Errorf("update failed: %w", err)
		}
		lastErr = err
		log.Warnw("update run failed", "attempt", attempt+1, "handled", handled, "error", err)

		if attempt < cfg.MaxRetries {
			select {
			case <-time.After(cfg.RetryBackoff):
			case <-ctx.Done():
				return nil
			}
		}
	}
	return fmt.Errorf("update failed after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

func permanent(err error) bool {
	return errors.Is(err, indexer.ErrContractViolation) ||
		errors.Is(err, indexer.ErrUnknownAction) ||
		errors.Is(err, indexer.ErrReservedID) ||
		errors.Is(err, indexer.ErrInvalidBatchSize)
}
