package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ava-labs/docindexer/pkg/docstore"
)

const (
	// StateID is the key of the engine state document in the index store.
	StateID = "_state"
	// SnapshotPrefix namespaces previous-projection snapshots. Index ids may
	// not start with ReservedPrefix, so the two key spaces never overlap.
	SnapshotPrefix = "_source/"
	ReservedPrefix = "_"
)

// SnapshotKey returns the index-store key of a source id's snapshot.
func SnapshotKey(sourceID string) string {
	return SnapshotPrefix + sourceID
}

// IsSnapshotKey reports whether key holds a projection snapshot.
func IsSnapshotKey(key string) bool {
	return strings.HasPrefix(key, SnapshotPrefix)
}

// RollbackEntry is the value a key held before the batch in flight: either
// a full document or nothing.
type RollbackEntry struct {
	Absent bool            `json:"absent,omitempty"`
	Doc    json.RawMessage `json:"doc,omitempty"`
}

// State is the engine bookkeeping persisted under StateID.
type State struct {
	ProcessedSequence docstore.Sequence        `json:"processed_sequence"`
	Rollback          map[string]RollbackEntry `json:"rollback"`

	// Rev is the revision of the persisted state document.
	Rev string `json:"-"`
}

// Pending reports whether an unfinished batch awaits rollback.
func (s State) Pending() bool {
	return s.Rollback != nil
}

func loadState(ctx context.Context, store docstore.IndexStore) (State, error) {
	row, err := store.Get(ctx, StateID)
	if err != nil {
		return State{}, fmt.Errorf("failed to read engine state: %w", err)
	}
	switch row.State {
	case docstore.Present:
		var s State
		if err := json.Unmarshal(row.Body, &s); err != nil {
			return State{}, fmt.Errorf("failed to decode engine state: %w", err)
		}
		s.Rev = row.Rev
		return s, nil
	case docstore.Tombstoned:
		return State{Rev: row.Rev}, nil
	default:
		return State{}, nil
	}
}

// saveState writes s and records the new revision. A stale revision is
// returned as is: only one writer may drive an index store.
func saveState(ctx context.Context, store docstore.IndexStore, s *State) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode engine state: %w", err)
	}
	rev, err := store.Put(ctx, docstore.WriteItem{ID: StateID, Rev: s.Rev, Body: body})
	if err != nil {
		return fmt.Errorf("failed to write engine state: %w", err)
	}
	s.Rev = rev
	return nil
}
