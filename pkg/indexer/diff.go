package indexer

import (
	"fmt"
	"strings"

	"github.com/ava-labs/docindexer/pkg/docstore"
)

// pair is one changed source item: its current projection and the snapshot
// of the projection seen last time. snapshot keeps the raw row so the
// resolver can tell a missing snapshot from a tombstoned one.
type pair[P any] struct {
	sourceID string
	proj     *P
	prev     *P
	snapshot docstore.Row
}

// affected lists the classified ids of one pair under one definition.
type affected struct {
	pair    int
	def     int
	touches []Touch
}

// batchDiff is the pure outcome of diffing a batch: the affected
// (pair, definition) combinations in processing order and every index id
// they touch, deduplicated in first-seen order.
type batchDiff struct {
	affected []affected
	fetch    []string
}

func diff[P, E any](pairs []pair[P], defs []Definition[P, E]) (batchDiff, error) {
	var d batchDiff
	seen := make(map[string]struct{})
	for i, p := range pairs {
		for j, def := range defs {
			var current, previous []string
			if p.proj != nil {
				current = def.IndexIDs(p.proj)
			}
			if p.prev != nil {
				previous = def.IndexIDs(p.prev)
			}
			touches := classify(current, previous)
			if len(touches) == 0 {
				continue
			}
			for _, t := range touches {
				if t.IndexID == "" {
					return batchDiff{}, fmt.Errorf("%w: definition %q produced an empty index id for %s",
						ErrContractViolation, def.Name, p.sourceID)
				}
				if strings.HasPrefix(t.IndexID, ReservedPrefix) {
					return batchDiff{}, fmt.Errorf("%w: definition %q produced %q for %s",
						ErrReservedID, def.Name, t.IndexID, p.sourceID)
				}
				if _, ok := seen[t.IndexID]; !ok {
					seen[t.IndexID] = struct{}{}
					d.fetch = append(d.fetch, t.IndexID)
				}
			}
			d.affected = append(d.affected, affected{pair: i, def: j, touches: touches})
		}
	}
	return d, nil
}
