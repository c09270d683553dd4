// Package indexer maintains secondary indexes derived from a source change
// feed. Each batch of changes is diffed against the projections seen last
// time, resolved through the registered index definitions and committed
// with a persisted rollback record, so a crash at any point leaves the
// index either fully before or fully after the batch.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ava-labs/docindexer/pkg/docstore"
	"github.com/ava-labs/docindexer/pkg/metrics"
)

// Config holds the tunables of an Engine.
type Config struct {
	Name           string // name used in logs and notifications
	DontSaveSource bool   // apply index side effects without retaining snapshots
	IDPrefix       string // follow only source ids with this prefix
	ReadPageSize   int    // max keys per bulk read, 0 for unbounded
	FeedPageSize   int    // max changes per feed call, 0 for the batch size

	// NotifyTimeout bounds a single commit notification, 0 for 10s.
	NotifyTimeout time.Duration
}

const (
	defaultNotifyTimeout = 10 * time.Second
	notifyQueueSize      = 256
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:          "index",
		ReadPageSize:  1000,
		NotifyTimeout: defaultNotifyTimeout,
	}
}

// BatchCommitted describes a durable batch.
type BatchCommitted struct {
	BatchID      string            `json:"batch_id"`
	Index        string            `json:"index"`
	Handled      int               `json:"handled"`
	LastSequence docstore.Sequence `json:"last_sequence"`
	Entries      int               `json:"entries"`
	Snapshots    int               `json:"snapshots"`
	CommittedAt  time.Time         `json:"committed_at"`
}

// Notifier is told about every committed batch. Notifications are
// delivered in commit order from a single goroutine, after Update has moved
// on; a slow or failing Notifier never holds up or fails a batch.
type Notifier interface {
	Notify(ctx context.Context, batch BatchCommitted) error
}

// Params wires an Engine to its stores and collaborators. Source, Index and
// Project are required.
type Params[P any] struct {
	Source   docstore.SourceStore
	Index    docstore.IndexStore
	Project  ProjectFunc[P]
	Config   Config
	Logger   *zap.SugaredLogger
	Metrics  *metrics.Metrics // optional
	Notifier Notifier         // optional
}

// Engine keeps the index store consistent with the source. Only one Engine
// may drive a given index store; it does no cross-process locking.
type Engine[P, E any] struct {
	mu       sync.Mutex
	source   docstore.SourceStore
	index    docstore.IndexStore
	project  ProjectFunc[P]
	defs     []Definition[P, E]
	cfg      Config
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	notifier Notifier

	// updates is odd while an Update runs.
	updates atomic.Uint64

	outbox  chan BatchCommitted
	drained chan struct{}
	closed  bool
}

// New creates an Engine with no index definitions.
func New[P, E any](p Params[P]) (*Engine[P, E], error) {
	switch {
	case p.Source == nil:
		return nil, fmt.Errorf("%w: source store is required", ErrInvalidParams)
	case p.Index == nil:
		return nil, fmt.Errorf("%w: index store is required", ErrInvalidParams)
	case p.Project == nil:
		return nil, fmt.Errorf("%w: projection function is required", ErrInvalidParams)
	case p.Config.ReadPageSize < 0 || p.Config.FeedPageSize < 0:
		return nil, fmt.Errorf("%w: page sizes must not be negative", ErrInvalidParams)
	}
	log := p.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	e := &Engine[P, E]{
		source:   p.Source,
		index:    p.Index,
		project:  p.Project,
		cfg:      p.Config,
		log:      log.With("index", p.Config.Name),
		metrics:  p.Metrics,
		notifier: p.Notifier,
	}
	if e.cfg.NotifyTimeout <= 0 {
		e.cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if p.Metrics != nil {
		e.source = instrumentedSource{SourceStore: p.Source, m: p.Metrics}
		e.index = instrumentedIndex{IndexStore: p.Index, m: p.Metrics}
	}
	if p.Notifier != nil {
		e.outbox = make(chan BatchCommitted, notifyQueueSize)
		e.drained = make(chan struct{})
		go e.dispatch()
	}
	return e, nil
}

// Register adds an index definition and returns the engine for chaining.
// Nil Create and Update strategies fall back to CreateEmpty and
// UpdateDeleteOnly. It panics when def has no IndexIDs function.
func (e *Engine[P, E]) Register(def Definition[P, E]) *Engine[P, E] {
	if def.IndexIDs == nil {
		panic(fmt.Sprintf("indexer: definition %q has no IndexIDs function", def.Name))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs = append(e.defs, def.withDefaults())
	return e
}

// Update processes batches of up to batchSize changes until the change feed
// is drained. It returns the number of changes handled and whether any batch
// found changes at all. On error the index store is either fully rolled back
// to the last committed batch or, when the rollback itself failed, left with
// a pending rollback that the next call repairs first.
func (e *Engine[P, E]) Update(ctx context.Context, batchSize int) (handled int, changed bool, err error) {
	if batchSize <= 0 {
		return 0, false, fmt.Errorf("%w: %d", ErrInvalidBatchSize, batchSize)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updates.Add(1)
	defer e.updates.Add(1)

	for {
		if err := ctx.Err(); err != nil {
			return handled, changed, err
		}
		n, ok, err := e.updateBatch(ctx, batchSize)
		if err != nil {
			return handled, changed, err
		}
		if !ok {
			return handled, changed, nil
		}
		handled += n
		changed = true
		if n < batchSize {
			return handled, changed, nil
		}
	}
}

func (e *Engine[P, E]) updateBatch(ctx context.Context, limit int) (handled int, ok bool, err error) {
	start := time.Now()
	defer func() {
		if ok || err != nil {
			e.metrics.ObserveBatch(handled, time.Since(start).Seconds(), err)
		}
	}()

	state, err := loadState(ctx, e.index)
	if err != nil {
		return 0, false, err
	}
	e.metrics.UpdateState(uint64(state.ProcessedSequence), state.Pending())
	if err := e.recover(ctx, &state); err != nil {
		return 0, false, err
	}

	feed, err := docstore.ReadChanges(ctx, e.source, docstore.ChangesRequest{
		Since:    state.ProcessedSequence,
		Limit:    limit,
		IDPrefix: e.cfg.IDPrefix,
	}, e.cfg.FeedPageSize)
	if err != nil {
		return 0, false, err
	}
	if len(feed.Results) == 0 {
		return 0, false, nil
	}
	e.log.Debugw("processing batch", "since", state.ProcessedSequence, "changes", len(feed.Results))

	pairs, err := e.pairs(ctx, coalesce(feed.Results))
	if err != nil {
		return 0, false, err
	}
	d, err := diff(pairs, e.defs)
	if err != nil {
		e.metrics.IncError(errorType(err))
		return 0, false, err
	}
	rows, err := docstore.ReadKeys(ctx, e.index, d.fetch, e.cfg.ReadPageSize)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read index entries: %w", err)
	}
	plan, err := resolve(e.defs, pairs, d, rows, e.cfg.DontSaveSource)
	if err != nil {
		e.metrics.IncError(errorType(err))
		return 0, false, err
	}
	plan.LastSequence = feed.LastSequence
	plan.Handled = len(feed.Results)

	if err := e.commit(ctx, &state, plan); err != nil {
		return 0, false, err
	}
	e.metrics.RecordCommit(plan.Entries(), plan.Snapshots(), uint64(plan.LastSequence))
	e.log.Infow("batch committed",
		"handled", plan.Handled,
		"lastSequence", plan.LastSequence,
		"entries", plan.Entries(),
		"snapshots", plan.Snapshots(),
	)
	e.notify(plan)
	return plan.Handled, true, nil
}

// coalesce keeps the last change of every id.
func coalesce(changes []docstore.Change) []docstore.Change {
	last := make(map[string]int, len(changes))
	for i, c := range changes {
		last[c.ID] = i
	}
	if len(last) == len(changes) {
		return changes
	}
	out := make([]docstore.Change, 0, len(last))
	for i, c := range changes {
		if last[c.ID] == i {
			out = append(out, c)
		}
	}
	return out
}

// pairs projects every change and loads the matching snapshots in one
// bulk read.
func (e *Engine[P, E]) pairs(ctx context.Context, changes []docstore.Change) ([]pair[P], error) {
	pairs := make([]pair[P], len(changes))
	keys := make([]string, len(changes))
	for i, c := range changes {
		pairs[i].sourceID = c.ID
		keys[i] = SnapshotKey(c.ID)
		if c.Deleted {
			continue
		}
		proj, err := e.project(c.Document)
		if err != nil {
			return nil, fmt.Errorf("failed to project %s: %w", c.ID, err)
		}
		pairs[i].proj = proj
	}

	rows, err := docstore.ReadKeys(ctx, e.index, keys, e.cfg.ReadPageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}
	for i, row := range rows {
		pairs[i].snapshot = row
		if !row.Live() {
			continue
		}
		prev := new(P)
		if err := json.Unmarshal(row.Body, prev); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot of %s: %w", pairs[i].sourceID, err)
		}
		pairs[i].prev = prev
	}
	return pairs, nil
}

// notify queues a notification for plan. It drops the notification when
// the queue is full or the engine is closed.
func (e *Engine[P, E]) notify(plan Plan) {
	if e.outbox == nil {
		return
	}
	batch := BatchCommitted{
		BatchID:      uuid.NewString(),
		Index:        e.cfg.Name,
		Handled:      plan.Handled,
		LastSequence: plan.LastSequence,
		Entries:      plan.Entries(),
		Snapshots:    plan.Snapshots(),
		CommittedAt:  time.Now().UTC(),
	}
	if e.closed {
		e.log.Debugw("engine closed, commit notification dropped", "lastSequence", plan.LastSequence)
		return
	}
	select {
	case e.outbox <- batch:
	default:
		e.metrics.RecordNotification(ErrNotificationDropped)
		e.log.Warnw("commit notification queue full, notification dropped", "lastSequence", plan.LastSequence)
	}
}

func (e *Engine[P, E]) dispatch() {
	defer close(e.drained)
	for batch := range e.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NotifyTimeout)
		err := e.notifier.Notify(ctx, batch)
		cancel()
		e.metrics.RecordNotification(err)
		if err != nil {
			e.log.Warnw("failed to publish commit notification",
				"batchID", batch.BatchID,
				"lastSequence", batch.LastSequence,
				"error", err,
			)
		}
	}
}

// Close stops accepting notifications and waits until the queued ones are
// delivered or ctx ends. Update keeps working after Close, without
// notifications.
func (e *Engine[P, E]) Close(ctx context.Context) error {
	if e.outbox == nil {
		return nil
	}
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.outbox)
	}
	e.mu.Unlock()

	select {
	case <-e.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("commit notifications not drained: %w", ctx.Err())
	}
}

// State returns the persisted engine state.
func (e *Engine[P, E]) State(ctx context.Context) (State, error) {
	return loadState(ctx, e.index)
}

// StalledRollback reports whether the persisted state carries a rollback
// that no running Update owns. Every batch checkpoints a rollback before its
// bulk write, so a pending rollback alone is normal while Update runs; a
// stalled one is left behind by a failed recovery or a crash.
func (e *Engine[P, E]) StalledRollback(ctx context.Context) (bool, error) {
	before := e.updates.Load()
	state, err := loadState(ctx, e.index)
	if err != nil {
		return false, err
	}
	after := e.updates.Load()
	if !state.Pending() || before != after || before%2 == 1 {
		return false, nil
	}
	return true, nil
}

// Entry reads the index entry stored under id, or nil when there is none.
func (e *Engine[P, E]) Entry(ctx context.Context, id string) (*E, error) {
	row, err := e.index.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read index entry %s: %w", id, err)
	}
	if !row.Live() {
		return nil, nil
	}
	entry := new(E)
	if err := json.Unmarshal(row.Body, entry); err != nil {
		return nil, fmt.Errorf("failed to decode index entry %s: %w", id, err)
	}
	return entry, nil
}

// Clear destroys every index entry, snapshot and the engine state. The next
// Update rebuilds the index from the beginning of the change feed.
func (e *Engine[P, E]) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.index.Destroy(ctx); err != nil {
		return fmt.Errorf("failed to destroy index store: %w", err)
	}
	e.metrics.UpdateState(0, false)
	e.log.Infow("index cleared")
	return nil
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrContractViolation), errors.Is(err, ErrUnknownAction), errors.Is(err, ErrReservedID):
		return metrics.ErrTypeContract
	case errors.Is(err, docstore.ErrConflict):
		return metrics.ErrTypeConflict
	case errors.Is(err, ErrItemWrite):
		return metrics.ErrTypeItemWrite
	default:
		return metrics.ErrTypeStore
	}
}
