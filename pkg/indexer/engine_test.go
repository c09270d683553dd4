package indexer_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/docindexer/pkg/docstore"
	"github.com/ava-labs/docindexer/pkg/docstore/memory"
	"github.com/ava-labs/docindexer/pkg/indexer"
	"github.com/ava-labs/docindexer/pkg/indexes/weight"
)

type post struct {
	Tags   []string `json:"tags,omitempty"`
	Weight int64    `json:"weight"`
}

var projector = weight.Projector{GroupsField: "tags", WeightField: "weight"}

type weightEngine = indexer.Engine[weight.Projection, weight.Entry]

func newEngine(t *testing.T, source, index *memory.Store, cfg indexer.Config) *weightEngine {
	t.Helper()
	eng, err := indexer.New[weight.Projection, weight.Entry](indexer.Params[weight.Projection]{
		Source:  source,
		Index:   index,
		Project: projector.Project,
		Config:  cfg,
		Logger:  zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	return eng.Register(weight.Definition("tags", "tags_"))
}

func upsert(t *testing.T, s *memory.Store, id string, tags []string, w int64) {
	t.Helper()
	_, err := s.Upsert(id, post{Tags: tags, Weight: w})
	require.NoError(t, err)
}

// dump returns every live document of store keyed by id.
func dump(t *testing.T, store docstore.IndexStore) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for rows, err := range docstore.ScanAll(t.Context(), store, 7) {
		require.NoError(t, err)
		for _, r := range rows {
			out[r.ID] = string(r.Body)
		}
	}
	return out
}

// weights returns the aggregate of every index entry of store.
func weights(t *testing.T, store docstore.IndexStore) map[string]int64 {
	t.Helper()
	out := make(map[string]int64)
	for id, body := range dump(t, store) {
		if strings.HasPrefix(id, indexer.ReservedPrefix) {
			continue
		}
		var e weight.Entry
		require.NoError(t, json.Unmarshal([]byte(body), &e))
		out[id] = e.Weight
	}
	return out
}

// expected recomputes the aggregates from the live source documents.
func expected(t *testing.T, source *memory.Store) map[string]int64 {
	t.Helper()
	out := make(map[string]int64)
	for rows, err := range docstore.ScanAll(t.Context(), source, 5) {
		require.NoError(t, err)
		for _, r := range rows {
			p, err := projector.Project(docstore.Document{ID: r.ID, Rev: r.Rev, Body: r.Body})
			require.NoError(t, err)
			if p == nil {
				continue
			}
			seen := make(map[string]bool)
			for _, g := range p.Groups {
				if !seen[g] {
					seen[g] = true
					out["tags_"+g] += p.Weight
				}
			}
		}
	}
	for id, w := range out {
		if w == 0 {
			delete(out, id)
		}
	}
	return out
}

func TestEngine_ScenarioA(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newEngine(t, source, index, indexer.DefaultConfig())

	entryWeight := func() int64 {
		e, err := eng.Entry(ctx, "tags_g")
		require.NoError(t, err)
		if e == nil {
			return 0
		}
		return e.Weight
	}

	upsert(t, source, "p1", []string{"g"}, 3)
	n, changed, err := eng.Update(ctx, 10)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, n)
	require.Equal(t, int64(3), entryWeight())

	upsert(t, source, "p2", []string{"g"}, 2)
	_, _, err = eng.Update(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, int64(5), entryWeight())

	source.Remove("p1")
	_, _, err = eng.Update(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, int64(2), entryWeight())

	source.Remove("p2")
	_, _, err = eng.Update(ctx, 10)
	require.NoError(t, err)

	e, err := eng.Entry(ctx, "tags_g")
	require.NoError(t, err)
	require.Nil(t, e)

	// only the engine state remains
	require.Equal(t, []string{indexer.StateID}, keys(dump(t, index)))
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestEngine_ScenarioB(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source := memory.New()
	for i := range 5 {
		upsert(t, source, fmt.Sprintf("p%d", i), []string{"a", fmt.Sprintf("t%d", i%2)}, int64(i+1))
	}

	small, large := memory.New(), memory.New()
	n1, changed1, err := newEngine(t, source, small, indexer.DefaultConfig()).Update(ctx, 1)
	require.NoError(t, err)
	n10, changed10, err := newEngine(t, source, large, indexer.DefaultConfig()).Update(ctx, 10)
	require.NoError(t, err)

	require.True(t, changed1)
	require.True(t, changed10)
	require.Equal(t, 5, n1)
	require.Equal(t, 5, n10)
	require.Equal(t, weights(t, large), weights(t, small))
	require.Equal(t, map[string]int64{"tags_a": 15, "tags_t0": 9, "tags_t1": 6}, weights(t, small))
}

func TestEngine_ScenarioC(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newEngine(t, source, index, indexer.DefaultConfig())

	upsert(t, source, "p0", []string{"x"}, 1)
	_, _, err := eng.Update(ctx, 10)
	require.NoError(t, err)
	before := dump(t, index)
	stateBefore, err := eng.State(ctx)
	require.NoError(t, err)

	upsert(t, source, "p1", []string{"a"}, 1)
	upsert(t, source, "p2", []string{"b"}, 2)
	source.Remove("p0")

	boom := errors.New("boom")
	index.FailWrites(func(item docstore.WriteItem) error {
		if item.ID == "tags_b" {
			return boom
		}
		return nil
	})
	n, changed, err := eng.Update(ctx, 10)
	require.ErrorIs(t, err, indexer.ErrItemWrite)
	require.ErrorIs(t, err, boom)
	require.False(t, changed)
	require.Zero(t, n)

	var itemErr *indexer.ItemError
	require.ErrorAs(t, err, &itemErr)
	require.Equal(t, "tags_b", itemErr.ID)

	// rolled back: contents and cursor as before the batch
	require.Equal(t, before, dump(t, index))
	state, err := eng.State(ctx)
	require.NoError(t, err)
	require.False(t, state.Pending())
	require.Equal(t, stateBefore.ProcessedSequence, state.ProcessedSequence)

	index.FailWrites(nil)
	n, changed, err = eng.Update(ctx, 10)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 3, n)
	require.Equal(t, map[string]int64{"tags_a": 1, "tags_b": 2}, weights(t, index))

	n, changed, err = eng.Update(ctx, 10)
	require.NoError(t, err)
	require.False(t, changed)
	require.Zero(t, n)
	require.Equal(t, map[string]int64{"tags_a": 1, "tags_b": 2}, weights(t, index))
}

func TestEngine_IdempotentReplay(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newEngine(t, source, index, indexer.DefaultConfig())

	upsert(t, source, "p1", []string{"a", "b"}, 2)
	upsert(t, source, "p2", []string{"b"}, 1)
	_, _, err := eng.Update(ctx, 10)
	require.NoError(t, err)

	before, err := index.BulkRead(ctx, []string{indexer.StateID, "tags_a", "tags_b", indexer.SnapshotKey("p1"), indexer.SnapshotKey("p2")})
	require.NoError(t, err)

	n, changed, err := eng.Update(ctx, 10)
	require.NoError(t, err)
	require.False(t, changed)
	require.Zero(t, n)

	after, err := index.BulkRead(ctx, []string{indexer.StateID, "tags_a", "tags_b", indexer.SnapshotKey("p1"), indexer.SnapshotKey("p2")})
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestEngine_UnchangedProjectionWritesNothing(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newEngine(t, source, index, indexer.DefaultConfig())

	_, err := source.Upsert("p1", map[string]any{"tags": []string{"a"}, "weight": 2, "title": "one"})
	require.NoError(t, err)
	_, _, err = eng.Update(ctx, 10)
	require.NoError(t, err)
	entryBefore, err := index.Get(ctx, "tags_a")
	require.NoError(t, err)

	// a field outside the projection changes
	_, err = source.Upsert("p1", map[string]any{"tags": []string{"a"}, "weight": 2, "title": "two"})
	require.NoError(t, err)
	n, _, err := eng.Update(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entryAfter, err := index.Get(ctx, "tags_a")
	require.NoError(t, err)
	require.Equal(t, entryBefore, entryAfter)
}

func TestEngine_CrashBeforeFinalize(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newEngine(t, source, index, indexer.DefaultConfig())

	upsert(t, source, "p1", []string{"a"}, 4)
	_, _, err := eng.Update(ctx, 10)
	require.NoError(t, err)

	upsert(t, source, "p1", []string{"b"}, 4)
	upsert(t, source, "p2", []string{"a"}, 1)

	crash := errors.New("process killed")
	index.FailPuts(func(item docstore.WriteItem) error {
		if item.ID == indexer.StateID && strings.Contains(string(item.Body), `"rollback":null`) {
			return crash
		}
		return nil
	})
	_, _, err = eng.Update(ctx, 10)
	require.ErrorIs(t, err, crash)

	// the writes landed but the batch is not durable
	state, err := eng.State(ctx)
	require.NoError(t, err)
	require.True(t, state.Pending())
	require.Equal(t, map[string]int64{"tags_a": 1, "tags_b": 4}, weights(t, index))

	index.FailPuts(nil)
	n, changed, err := eng.Update(ctx, 10)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2, n)
	require.Equal(t, map[string]int64{"tags_a": 1, "tags_b": 4}, weights(t, index))

	state, err = eng.State(ctx)
	require.NoError(t, err)
	require.False(t, state.Pending())
}

func TestEngine_CheckpointFailureHasNoSideEffects(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newEngine(t, source, index, indexer.DefaultConfig())

	upsert(t, source, "p1", []string{"a"}, 1)
	down := errors.New("store unavailable")
	index.FailPuts(func(docstore.WriteItem) error { return down })

	_, _, err := eng.Update(ctx, 10)
	require.ErrorIs(t, err, down)
	require.Empty(t, dump(t, index))
}

func TestEngine_RecoveryFailureIsRetried(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newEngine(t, source, index, indexer.DefaultConfig())

	upsert(t, source, "p1", []string{"a"}, 1)
	upsert(t, source, "p2", []string{"b"}, 2)

	boom := errors.New("boom")
	index.FailWrites(func(item docstore.WriteItem) error {
		if item.ID == "tags_b" || item.Deleted {
			return boom
		}
		return nil
	})
	_, _, err := eng.Update(ctx, 10)
	require.ErrorIs(t, err, indexer.ErrItemWrite)
	require.ErrorIs(t, err, indexer.ErrRecovery)

	state, err := eng.State(ctx)
	require.NoError(t, err)
	require.True(t, state.Pending())

	index.FailWrites(nil)
	n, changed, err := eng.Update(ctx, 10)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2, n)
	require.Equal(t, map[string]int64{"tags_a": 1, "tags_b": 2}, weights(t, index))
}

func TestEngine_BulkWriteCallFailure(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newEngine(t, source, index, indexer.DefaultConfig())

	upsert(t, source, "p1", []string{"a"}, 1)
	down := errors.New("connection reset")
	index.FailNextBulkWrites(down)

	_, _, err := eng.Update(ctx, 10)
	require.ErrorIs(t, err, down)
	state, err := eng.State(ctx)
	require.NoError(t, err)
	require.False(t, state.Pending())
	require.Zero(t, state.ProcessedSequence)

	_, _, err = eng.Update(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"tags_a": 1}, weights(t, index))
}

func TestEngine_BatchSizeInvariance(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	rng := rand.New(rand.NewPCG(7, 11))
	tags := []string{"a", "b", "c", "d"}

	source := memory.New()
	stepped, bulk := memory.New(), memory.New()
	steppedEng := newEngine(t, source, stepped, indexer.DefaultConfig())
	boom := errors.New("injected")

	for round := range 40 {
		for range 1 + rng.IntN(6) {
			id := fmt.Sprintf("p%d", rng.IntN(12))
			if rng.IntN(5) == 0 {
				source.Remove(id)
				continue
			}
			var picked []string
			for _, tag := range tags {
				if rng.IntN(2) == 0 {
					picked = append(picked, tag)
				}
			}
			upsert(t, source, id, picked, int64(rng.IntN(4)))
		}

		if round%3 == 0 {
			victim := "tags_" + tags[rng.IntN(len(tags))]
			stepped.FailWrites(func(item docstore.WriteItem) error {
				if item.ID == victim {
					return boom
				}
				return nil
			})
			_, _, err := steppedEng.Update(ctx, 1+rng.IntN(3))
			if err != nil {
				require.ErrorIs(t, err, boom)
			}
			stepped.FailWrites(nil)
		}
		_, _, err := steppedEng.Update(ctx, 1+rng.IntN(3))
		require.NoError(t, err)
		require.Equal(t, expected(t, source), weights(t, stepped), "round %d", round)
	}

	_, _, err := newEngine(t, source, bulk, indexer.DefaultConfig()).Update(ctx, 1000)
	require.NoError(t, err)
	require.Equal(t, weights(t, bulk), weights(t, stepped))
}

func TestEngine_DontSaveSource(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	cfg := indexer.DefaultConfig()
	cfg.DontSaveSource = true
	eng := newEngine(t, source, index, cfg)

	upsert(t, source, "p1", []string{"a"}, 2)
	upsert(t, source, "p2", []string{"a", "b"}, 1)
	_, _, err := eng.Update(ctx, 10)
	require.NoError(t, err)

	require.Equal(t, map[string]int64{"tags_a": 3, "tags_b": 1}, weights(t, index))
	for id := range dump(t, index) {
		require.False(t, indexer.IsSnapshotKey(id), id)
	}
}

func TestEngine_IDPrefix(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	cfg := indexer.DefaultConfig()
	cfg.IDPrefix = "post:"
	eng := newEngine(t, source, index, cfg)

	upsert(t, source, "post:1", []string{"a"}, 2)
	upsert(t, source, "draft:1", []string{"a"}, 5)
	n, _, err := eng.Update(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, map[string]int64{"tags_a": 2}, weights(t, index))
}

func TestEngine_FeedPaging(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	cfg := indexer.DefaultConfig()
	cfg.FeedPageSize = 2
	cfg.ReadPageSize = 1
	eng := newEngine(t, source, index, cfg)

	for i := range 7 {
		upsert(t, source, fmt.Sprintf("p%d", i), []string{"a"}, 1)
	}
	n, changed, err := eng.Update(ctx, 5)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 7, n)
	require.Equal(t, map[string]int64{"tags_a": 7}, weights(t, index))
}

type presence struct {
	Seen bool `json:"seen"`
}

type owned struct {
	Owner string `json:"owner"`
}

func newPresenceEngine(t *testing.T, source, index *memory.Store, def indexer.Definition[owned, presence]) *indexer.Engine[owned, presence] {
	t.Helper()
	eng, err := indexer.New[owned, presence](indexer.Params[owned]{
		Source: source,
		Index:  index,
		Project: func(doc docstore.Document) (*owned, error) {
			var o owned
			if err := json.Unmarshal(doc.Body, &o); err != nil {
				return nil, err
			}
			if o.Owner == "" {
				return nil, nil
			}
			return &o, nil
		},
		Config: indexer.DefaultConfig(),
		Logger: zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	return eng.Register(def)
}

func byOwner(p *owned) []string {
	return []string{"owner_" + p.Owner}
}

func TestEngine_DefaultStrategies(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newPresenceEngine(t, source, index, indexer.Definition[owned, presence]{Name: "owner", IndexIDs: byOwner})

	_, err := source.Upsert("d1", owned{Owner: "ann"})
	require.NoError(t, err)
	_, _, err = eng.Update(ctx, 10)
	require.NoError(t, err)

	e, err := eng.Entry(ctx, "owner_ann")
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, presence{}, *e)

	// moving to another owner deletes the old entry and creates the new one
	_, err = source.Upsert("d1", owned{Owner: "bob"})
	require.NoError(t, err)
	_, _, err = eng.Update(ctx, 10)
	require.NoError(t, err)

	e, err = eng.Entry(ctx, "owner_ann")
	require.NoError(t, err)
	require.Nil(t, e)
	e, err = eng.Entry(ctx, "owner_bob")
	require.NoError(t, err)
	require.NotNil(t, e)

	// a recreated entry reuses the tombstone revision
	_, err = source.Upsert("d2", owned{Owner: "ann"})
	require.NoError(t, err)
	_, _, err = eng.Update(ctx, 10)
	require.NoError(t, err)
	row, err := index.Get(ctx, "owner_ann")
	require.NoError(t, err)
	require.Equal(t, docstore.Present, row.State)
	require.Equal(t, uint64(3), docstore.Generation(row.Rev))

	source.Remove("d1")
	source.Remove("d2")
	_, _, err = eng.Update(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{indexer.StateID}, keys(dump(t, index)))
}

func TestEngine_ContractViolation(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newPresenceEngine(t, source, index, indexer.Definition[owned, presence]{Name: "owner", IndexIDs: byOwner})

	_, err := source.Upsert("d1", owned{Owner: "ann"})
	require.NoError(t, err)
	_, _, err = eng.Update(ctx, 10)
	require.NoError(t, err)
	before := dump(t, index)

	// a second source joining an existing group reaches the default update
	// with a current projection
	_, err = source.Upsert("d2", owned{Owner: "ann"})
	require.NoError(t, err)
	_, _, err = eng.Update(ctx, 10)
	require.ErrorIs(t, err, indexer.ErrContractViolation)
	require.Equal(t, before, dump(t, index))
}

func TestEngine_UnknownAction(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newPresenceEngine(t, source, index, indexer.Definition[owned, presence]{
		Name:     "owner",
		IndexIDs: byOwner,
		Update: func(*presence, *owned, *owned) (indexer.Action, error) {
			return indexer.Action(42), nil
		},
	})

	_, err := source.Upsert("d1", owned{Owner: "ann"})
	require.NoError(t, err)
	_, err = source.Upsert("d2", owned{Owner: "ann"})
	require.NoError(t, err)
	_, _, err = eng.Update(ctx, 10)
	require.ErrorIs(t, err, indexer.ErrUnknownAction)
}

func TestEngine_ReservedIndexID(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newPresenceEngine(t, source, index, indexer.Definition[owned, presence]{
		Name:     "owner",
		IndexIDs: func(p *owned) []string { return []string{"_" + p.Owner} },
	})

	_, err := source.Upsert("d1", owned{Owner: "state"})
	require.NoError(t, err)
	_, _, err = eng.Update(ctx, 10)
	require.ErrorIs(t, err, indexer.ErrReservedID)
	require.Empty(t, dump(t, index))
}

func TestEngine_ProjectionError(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newEngine(t, source, index, indexer.DefaultConfig())

	_, err := source.Upsert("p1", map[string]any{"tags": 12})
	require.NoError(t, err)
	_, _, err = eng.Update(ctx, 10)
	require.ErrorContains(t, err, "p1")
	require.Empty(t, dump(t, index))
}

func TestEngine_InvalidBatchSize(t *testing.T) {
	t.Parallel()
	eng := newEngine(t, memory.New(), memory.New(), indexer.DefaultConfig())
	_, _, err := eng.Update(t.Context(), 0)
	require.ErrorIs(t, err, indexer.ErrInvalidBatchSize)
}

func TestEngine_CancelledContext(t *testing.T) {
	t.Parallel()
	source := memory.New()
	upsert(t, source, "p1", []string{"a"}, 1)
	eng := newEngine(t, source, memory.New(), indexer.DefaultConfig())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, changed, err := eng.Update(ctx, 10)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, changed)
}

func TestNew_InvalidParams(t *testing.T) {
	t.Parallel()
	project := projector.Project
	tests := []struct {
		name   string
		params indexer.Params[weight.Projection]
	}{
		{name: "no source", params: indexer.Params[weight.Projection]{Index: memory.New(), Project: project}},
		{name: "no index", params: indexer.Params[weight.Projection]{Source: memory.New(), Project: project}},
		{name: "no projection", params: indexer.Params[weight.Projection]{Source: memory.New(), Index: memory.New()}},
		{name: "negative page size", params: indexer.Params[weight.Projection]{
			Source: memory.New(), Index: memory.New(), Project: project,
			Config: indexer.Config{ReadPageSize: -1},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, err := indexer.New[weight.Projection, weight.Entry](tt.params)
			require.ErrorIs(t, err, indexer.ErrInvalidParams)
			require.Nil(t, eng)
		})
	}
}

func TestRegister_PanicsWithoutIndexIDs(t *testing.T) {
	t.Parallel()
	eng := newEngine(t, memory.New(), memory.New(), indexer.DefaultConfig())
	require.Panics(t, func() {
		eng.Register(indexer.Definition[weight.Projection, weight.Entry]{Name: "broken"})
	})
}

func TestEngine_Clear(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newEngine(t, source, index, indexer.DefaultConfig())

	upsert(t, source, "p1", []string{"a"}, 1)
	_, _, err := eng.Update(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, dump(t, index))

	require.NoError(t, eng.Clear(ctx))
	require.Empty(t, dump(t, index))
	state, err := eng.State(ctx)
	require.NoError(t, err)
	require.Zero(t, state.ProcessedSequence)

	// rebuilds from the start of the feed
	n, _, err := eng.Update(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, map[string]int64{"tags_a": 1}, weights(t, index))
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, batch indexer.BatchCommitted) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

func TestEngine_NotifiesCommittedBatches(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	notifier := &mockNotifier{}
	eng, err := indexer.New[weight.Projection, weight.Entry](indexer.Params[weight.Projection]{
		Source:   source,
		Index:    index,
		Project:  projector.Project,
		Config:   indexer.Config{Name: "tags"},
		Logger:   zaptest.NewLogger(t).Sugar(),
		Notifier: notifier,
	})
	require.NoError(t, err)
	eng.Register(weight.Definition("tags", "tags_"))

	upsert(t, source, "p1", []string{"a"}, 1)
	upsert(t, source, "p2", []string{"b"}, 1)

	notifier.
		On("Notify", mock.Anything, mock.MatchedBy(func(b indexer.BatchCommitted) bool {
			return b.Index == "tags" && b.Handled == 2 && b.Entries == 2 && b.Snapshots == 2 &&
				b.LastSequence == 2 && b.BatchID != ""
		})).
		Return(errors.New("broker down")).
		Once()

	// a failed notification does not fail the committed batch
	n, _, err := eng.Update(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, eng.Close(ctx))
	notifier.AssertExpectations(t)
}

// gatedNotifier blocks every delivery until release is closed or the
// delivery context ends.
type gatedNotifier struct {
	release chan struct{}

	mu        sync.Mutex
	delivered []docstore.Sequence
	expired   int
}

func (n *gatedNotifier) Notify(ctx context.Context, batch indexer.BatchCommitted) error {
	select {
	case <-n.release:
	case <-ctx.Done():
		n.mu.Lock()
		n.expired++
		n.mu.Unlock()
		return ctx.Err()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, batch.LastSequence)
	return nil
}

func newNotifyingEngine(t *testing.T, source, index *memory.Store, notifier indexer.Notifier, timeout time.Duration) *weightEngine {
	t.Helper()
	eng, err := indexer.New[weight.Projection, weight.Entry](indexer.Params[weight.Projection]{
		Source:   source,
		Index:    index,
		Project:  projector.Project,
		Config:   indexer.Config{Name: "tags", NotifyTimeout: timeout},
		Logger:   zaptest.NewLogger(t).Sugar(),
		Notifier: notifier,
	})
	require.NoError(t, err)
	return eng.Register(weight.Definition("tags", "tags_"))
}

func TestEngine_BlockedNotifierDoesNotStallUpdates(t *testing.T) {
	t.Parallel()
	source, index := memory.New(), memory.New()
	notifier := &gatedNotifier{release: make(chan struct{})}
	eng := newNotifyingEngine(t, source, index, notifier, time.Hour)

	for i := range 5 {
		upsert(t, source, fmt.Sprintf("p%d", i), []string{"a"}, 1)
	}

	// every batch commits while the first notification is still blocked
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	n, _, err := eng.Update(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, map[string]int64{"tags_a": 5}, weights(t, index))

	close(notifier.release)
	require.NoError(t, eng.Close(t.Context()))
	assert.Equal(t, []docstore.Sequence{1, 2, 3, 4, 5}, notifier.delivered)

	// updates keep working once notifications are closed
	upsert(t, source, "p9", []string{"a"}, 1)
	n, _, err = eng.Update(t.Context(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Len(t, notifier.delivered, 5)
}

func TestEngine_NotificationTimeout(t *testing.T) {
	t.Parallel()
	source, index := memory.New(), memory.New()
	notifier := &gatedNotifier{release: make(chan struct{})}
	eng := newNotifyingEngine(t, source, index, notifier, 10*time.Millisecond)

	upsert(t, source, "p1", []string{"a"}, 1)
	upsert(t, source, "p2", []string{"b"}, 1)
	n, _, err := eng.Update(t.Context(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Close(ctx))
	assert.Equal(t, 2, notifier.expired)
	assert.Empty(t, notifier.delivered)
}

func TestEngine_CloseTimesOut(t *testing.T) {
	t.Parallel()
	source, index := memory.New(), memory.New()
	notifier := &gatedNotifier{release: make(chan struct{})}
	defer close(notifier.release)
	eng := newNotifyingEngine(t, source, index, notifier, time.Hour)

	upsert(t, source, "p1", []string{"a"}, 1)
	_, _, err := eng.Update(t.Context(), 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, eng.Close(ctx), context.DeadlineExceeded)
}

// gatedIndex holds the first bulk write until release is closed.
type gatedIndex struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedIndex) BulkWrite(ctx context.Context, items []docstore.WriteItem) ([]docstore.WriteResult, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Store.BulkWrite(ctx, items)
}

func TestEngine_StalledRollback(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source := memory.New()
	index := &gatedIndex{Store: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	eng, err := indexer.New[weight.Projection, weight.Entry](indexer.Params[weight.Projection]{
		Source:  source,
		Index:   index,
		Project: projector.Project,
		Config:  indexer.DefaultConfig(),
		Logger:  zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	eng.Register(weight.Definition("tags", "tags_"))

	upsert(t, source, "p1", []string{"a"}, 1)
	done := make(chan error, 1)
	go func() {
		_, _, err := eng.Update(ctx, 10)
		done <- err
	}()

	// the batch in flight has checkpointed its rollback
	<-index.entered
	state, err := eng.State(ctx)
	require.NoError(t, err)
	require.True(t, state.Pending())
	stalled, err := eng.StalledRollback(ctx)
	require.NoError(t, err)
	require.False(t, stalled)

	close(index.release)
	require.NoError(t, <-done)
	stalled, err = eng.StalledRollback(ctx)
	require.NoError(t, err)
	require.False(t, stalled)

	// a rollback left behind by a crashed process
	_, err = index.Upsert(indexer.StateID, map[string]any{"processed_sequence": 1, "rollback": map[string]any{}})
	require.NoError(t, err)
	stalled, err = eng.StalledRollback(ctx)
	require.NoError(t, err)
	require.True(t, stalled)
}

func TestEngine_SnapshotReusesTombstoneRevision(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	source, index := memory.New(), memory.New()
	eng := newEngine(t, source, index, indexer.DefaultConfig())
	key := indexer.SnapshotKey("p1")

	upsert(t, source, "p1", []string{"a"}, 1)
	_, _, err := eng.Update(ctx, 10)
	require.NoError(t, err)

	source.Remove("p1")
	_, _, err = eng.Update(ctx, 10)
	require.NoError(t, err)
	tomb, err := index.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, docstore.Tombstoned, tomb.State)
	require.Equal(t, uint64(2), docstore.Generation(tomb.Rev))

	var written []docstore.WriteItem
	index.FailWrites(func(item docstore.WriteItem) error {
		if item.ID == key {
			written = append(written, item)
		}
		return nil
	})
	upsert(t, source, "p1", []string{"b"}, 2)
	_, _, err = eng.Update(ctx, 10)
	require.NoError(t, err)

	require.Len(t, written, 1)
	assert.Equal(t, tomb.Rev, written[0].Rev)
	row, err := index.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, docstore.Present, row.State)
	assert.Equal(t, uint64(3), docstore.Generation(row.Rev))
	assert.Equal(t, map[string]int64{"tags_b": 2}, weights(t, index))
}
