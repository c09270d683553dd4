package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ava-labs/docindexer/pkg/docstore"
)

// commit makes plan durable and advances the cursor. The rollback map is
// persisted before the bulk write; any failure after that point is undone
// through recover before the original error is returned.
func (e *Engine[P, E]) commit(ctx context.Context, state *State, plan Plan) error {
	if plan.Empty() {
		state.ProcessedSequence = plan.LastSequence
		if err := saveState(ctx, e.index, state); err != nil {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}
		return nil
	}

	state.Rollback = plan.Rollback
	if err := saveState(ctx, e.index, state); err != nil {
		state.Rollback = nil
		return fmt.Errorf("failed to checkpoint rollback: %w", err)
	}

	items := plan.Items()
	results, err := e.index.BulkWrite(ctx, items)
	switch {
	case err != nil:
		err = fmt.Errorf("failed to apply batch: %w", err)
	case len(results) != len(items):
		err = fmt.Errorf("%w: %d results for %d items", ErrItemWrite, len(results), len(items))
	default:
		if r, failed := docstore.FirstError(results); failed {
			err = &ItemError{ID: r.ID, Err: r.Err}
		}
	}
	if err != nil {
		return e.abort(ctx, state, err)
	}

	state.Rollback = nil
	state.ProcessedSequence = plan.LastSequence
	if err := saveState(ctx, e.index, state); err != nil {
		return fmt.Errorf("failed to finalize batch: %w", err)
	}
	return nil
}

// abort rolls the batch back and returns cause. Recovery runs detached from
// ctx cancellation so an interrupted caller does not leave the rollback
// pending when the store is still reachable.
func (e *Engine[P, E]) abort(ctx context.Context, state *State, cause error) error {
	e.metrics.IncError(errorType(cause))
	e.log.Warnw("aborting batch", "error", cause, "keys", len(state.Rollback))
	if err := e.recover(context.WithoutCancel(ctx), state); err != nil {
		return errors.Join(cause, err)
	}
	return fmt.Errorf("batch rolled back: %w", cause)
}

// recover restores every key of a pending rollback map and clears it.
// It is a no-op on a clean state and idempotent otherwise.
func (e *Engine[P, E]) recover(ctx context.Context, state *State) (err error) {
	if !state.Pending() {
		return nil
	}
	keys := make([]string, 0, len(state.Rollback))
	for k := range state.Rollback {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	e.log.Warnw("rolling back unfinished batch",
		"keys", len(keys),
		"processedSequence", state.ProcessedSequence,
	)
	defer func() {
		e.metrics.RecordRecovery(len(keys), err)
	}()

	rows, err := docstore.ReadKeys(ctx, e.index, keys, e.cfg.ReadPageSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRecovery, err)
	}

	var items []docstore.WriteItem
	for _, row := range rows {
		restore := state.Rollback[row.ID]
		switch {
		case !restore.Absent:
			if row.Live() && bytes.Equal(row.Body, restore.Doc) {
				continue
			}
			items = append(items, docstore.WriteItem{ID: row.ID, Rev: row.Rev, Body: restore.Doc})
		case row.Live():
			items = append(items, docstore.WriteItem{ID: row.ID, Rev: row.Rev, Deleted: true})
		}
	}

	if len(items) > 0 {
		results, err := e.index.BulkWrite(ctx, items)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRecovery, err)
		}
		if r, failed := docstore.FirstError(results); failed {
			return fmt.Errorf("%w: failed to restore %s: %w", ErrRecovery, r.ID, r.Err)
		}
	}

	state.Rollback = nil
	if err := saveState(ctx, e.index, state); err != nil {
		return fmt.Errorf("%w: %w", ErrRecovery, err)
	}
	e.log.Infow("rollback finished", "restored", len(items), "processedSequence", state.ProcessedSequence)
	return nil
}
