package indexer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ava-labs/docindexer/pkg/docstore"
)

// working is the single in-batch value of one index entry. Every pair that
// touches the id mutates the same value, so an entry created or updated
// earlier in the batch takes precedence over the fetched one.
type working[E any] struct {
	value   *E
	before  docstore.Row
	existed bool // live in the store before the batch
	live    bool // live after the actions applied so far
	touched bool
}

type resolver[P, E any] struct {
	defs           []Definition[P, E]
	pairs          []pair[P]
	entries        map[string]*working[E]
	touchedSources []bool
	dontSaveSource bool
}

// resolve applies the definitions to the fetched entries and turns the
// outcome into a Plan. rows must hold one row per id of d.fetch, in order.
func resolve[P, E any](
	defs []Definition[P, E],
	pairs []pair[P],
	d batchDiff,
	rows []docstore.Row,
	dontSaveSource bool,
) (Plan, error) {
	if len(rows) != len(d.fetch) {
		return Plan{}, fmt.Errorf("fetched %d index rows for %d ids", len(rows), len(d.fetch))
	}
	r := &resolver[P, E]{
		defs:           defs,
		pairs:          pairs,
		entries:        make(map[string]*working[E], len(rows)),
		touchedSources: make([]bool, len(pairs)),
		dontSaveSource: dontSaveSource,
	}
	for _, row := range rows {
		w := &working[E]{before: row}
		if row.Live() {
			w.value = new(E)
			if err := json.Unmarshal(row.Body, w.value); err != nil {
				return Plan{}, fmt.Errorf("failed to decode index entry %s: %w", row.ID, err)
			}
			w.existed, w.live = true, true
		}
		r.entries[row.ID] = w
	}

	for _, a := range d.affected {
		for _, t := range a.touches {
			if err := r.apply(a.pair, a.def, t); err != nil {
				return Plan{}, err
			}
		}
	}
	return r.plan(d.fetch)
}

func (r *resolver[P, E]) apply(pairIdx, defIdx int, t Touch) error {
	p := &r.pairs[pairIdx]
	def := r.defs[defIdx]
	w := r.entries[t.IndexID]

	var (
		action Action
		err    error
	)
	switch t.Class {
	case Removed:
		// An entry that did not exist before the batch never counted the
		// previous projection, whatever this batch created under its id.
		// Handing the pending entry to Update here would fold in a
		// projection that left the group, so this stays a no-op.
		if !w.existed {
			return nil
		}
		action, err = def.Update(w.value, nil, p.prev)
	case Added:
		if !w.existed && !w.live {
			return r.create(pairIdx, def, t.IndexID, w)
		}
		action, err = def.Update(w.value, p.proj, nil)
	case Both:
		switch {
		case w.existed:
			action, err = def.Update(w.value, p.proj, p.prev)
		case w.live:
			action, err = def.Update(w.value, p.proj, nil)
		default:
			return r.create(pairIdx, def, t.IndexID, w)
		}
	default:
		return fmt.Errorf("unclassified index id %q for %s", t.IndexID, p.sourceID)
	}
	if err != nil {
		return fmt.Errorf("definition %q failed to update %s for %s: %w", def.Name, t.IndexID, p.sourceID, err)
	}

	switch action {
	case ActionUpdate:
		w.live, w.touched = true, true
	case ActionDelete:
		if p.proj == nil && p.prev == nil {
			return fmt.Errorf("%w: definition %q deleted %s with neither a current nor a previous projection",
				ErrContractViolation, def.Name, t.IndexID)
		}
		w.live, w.touched = false, true
	case ActionNone:
	default:
		return fmt.Errorf("%w: definition %q returned %s for %s", ErrUnknownAction, def.Name, action, t.IndexID)
	}
	r.touchedSources[pairIdx] = true
	return nil
}

func (r *resolver[P, E]) create(pairIdx int, def Definition[P, E], id string, w *working[E]) error {
	p := &r.pairs[pairIdx]
	entry, err := def.Create(id, p.proj)
	if err != nil {
		return fmt.Errorf("definition %q failed to create %s for %s: %w", def.Name, id, p.sourceID, err)
	}
	if entry == nil {
		return nil
	}
	w.value = entry
	w.live, w.touched = true, true
	r.touchedSources[pairIdx] = true
	return nil
}

func (r *resolver[P, E]) plan(order []string) (Plan, error) {
	plan := Plan{Rollback: make(map[string]RollbackEntry)}

	for _, id := range order {
		w := r.entries[id]
		if !w.touched {
			continue
		}
		switch {
		case w.live:
			body, err := json.Marshal(w.value)
			if err != nil {
				return Plan{}, fmt.Errorf("failed to encode index entry %s: %w", id, err)
			}
			if w.existed && bytes.Equal(body, w.before.Body) {
				continue
			}
			plan.EntryWrites = append(plan.EntryWrites, docstore.WriteItem{ID: id, Rev: w.before.Rev, Body: body})
			plan.Rollback[id] = rollbackOf(w.before)
		case w.existed:
			plan.EntryDeletes = append(plan.EntryDeletes, docstore.WriteItem{ID: id, Rev: w.before.Rev, Deleted: true})
			plan.Rollback[id] = rollbackOf(w.before)
		}
	}

	for i, p := range r.pairs {
		key := p.snapshot.ID
		switch {
		case p.proj == nil || r.dontSaveSource:
			if p.snapshot.Live() {
				plan.SnapshotDeletes = append(plan.SnapshotDeletes,
					docstore.WriteItem{ID: key, Rev: p.snapshot.Rev, Deleted: true})
				plan.Rollback[key] = rollbackOf(p.snapshot)
			}
		case r.touchedSources[i]:
			body, err := json.Marshal(p.proj)
			if err != nil {
				return Plan{}, fmt.Errorf("failed to encode projection of %s: %w", p.sourceID, err)
			}
			if p.snapshot.Live() && bytes.Equal(body, p.snapshot.Body) {
				continue
			}
			plan.SnapshotWrites = append(plan.SnapshotWrites,
				docstore.WriteItem{ID: key, Rev: p.snapshot.Rev, Body: body})
			plan.Rollback[key] = rollbackOf(p.snapshot)
		}
	}
	return plan, nil
}

func rollbackOf(row docstore.Row) RollbackEntry {
	if !row.Live() {
		return RollbackEntry{Absent: true}
	}
	return RollbackEntry{Doc: row.Body}
}
