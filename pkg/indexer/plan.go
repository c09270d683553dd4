package indexer

import (
	"github.com/ava-labs/docindexer/pkg/docstore"
)

// Plan is everything one batch will write, computed before any mutation.
type Plan struct {
	EntryWrites     []docstore.WriteItem
	EntryDeletes    []docstore.WriteItem
	SnapshotWrites  []docstore.WriteItem
	SnapshotDeletes []docstore.WriteItem

	// Rollback holds the pre-batch value of every key above.
	Rollback map[string]RollbackEntry

	LastSequence docstore.Sequence
	Handled      int
}

// Items returns all writes of the plan as one bulk-write payload.
func (p Plan) Items() []docstore.WriteItem {
	n := len(p.EntryWrites) + len(p.EntryDeletes) + len(p.SnapshotWrites) + len(p.SnapshotDeletes)
	items := make([]docstore.WriteItem, 0, n)
	items = append(items, p.EntryDeletes...)
	items = append(items, p.SnapshotDeletes...)
	items = append(items, p.EntryWrites...)
	items = append(items, p.SnapshotWrites...)
	return items
}

// Empty reports whether the plan writes nothing.
func (p Plan) Empty() bool {
	return len(p.EntryWrites)+len(p.EntryDeletes)+len(p.SnapshotWrites)+len(p.SnapshotDeletes) == 0
}

// Entries is the number of index entries the plan writes or deletes.
func (p Plan) Entries() int {
	return len(p.EntryWrites) + len(p.EntryDeletes)
}

// Snapshots is the number of snapshots the plan writes or deletes.
func (p Plan) Snapshots() int {
	return len(p.SnapshotWrites) + len(p.SnapshotDeletes)
}
