package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ava-labs/docindexer/pkg/utils"
)

// withEngine builds the config, logger and engine of a one-shot command and
// hands the engine to fn.
func withEngine(c *cli.Context, fn func(ctx context.Context, eng *groupEngine, cfg *Config, sugar *zap.SugaredLogger) error) error {
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}
	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	st, err := openStack(ctx, cfg, sugar)
	if err != nil {
		return err
	}
	defer st.Close(sugar)

	eng, err := st.engine(cfg, sugar, nil, nil)
	if err != nil {
		return err
	}
	return fn(ctx, eng, cfg, sugar)
}

func showState(c *cli.Context) error {
	return withEngine(c, func(ctx context.Context, eng *groupEngine, _ *Config, _ *zap.SugaredLogger) error {
		st, err := eng.State(ctx)
		if err != nil {
			return err
		}
		return printJSON(c, struct {
			ProcessedSequence uint64 `json:"processed_sequence"`
			RollbackPending   bool   `json:"rollback_pending"`
			RollbackKeys      int    `json:"rollback_keys"`
		}{
			ProcessedSequence: uint64(st.ProcessedSequence),
			RollbackPending:   st.Pending(),
			RollbackKeys:      len(st.Rollback),
		})
	})
}

func getEntry(c *cli.Context) error {
	group := c.Args().First()
	if group == "" {
		return errors.New("group is required")
	}
	return withEngine(c, func(ctx context.Context, eng *groupEngine, cfg *Config, _ *zap.SugaredLogger) error {
		entry, err := eng.Entry(ctx, cfg.GroupPrefix+group)
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("group %q has no index entry", group)
		}
		return printJSON(c, entry)
	})
}

func clearIndex(c *cli.Context) error {
	return withEngine(c, func(ctx context.Context, eng *groupEngine, cfg *Config, sugar *zap.SugaredLogger) error {
		if err := eng.Clear(ctx); err != nil {
			return err
		}
		sugar.Infof("index %s cleared, the next run rebuilds it from the start of the change feed", cfg.Engine.Name)
		return nil
	})
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
