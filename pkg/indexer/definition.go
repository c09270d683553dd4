package indexer

import (
	"fmt"

	"github.com/ava-labs/docindexer/pkg/docstore"
)

// Action is the outcome of applying a projection change to an index entry.
type Action int

const (
	// ActionNone leaves the entry unchanged.
	ActionNone Action = iota
	// ActionUpdate persists the entry as mutated in place.
	ActionUpdate
	// ActionDelete removes the entry.
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ProjectFunc maps a source document to its projection. A nil projection
// marks the document as irrelevant to every index.
type ProjectFunc[P any] func(doc docstore.Document) (*P, error)

// Definition describes one family of index entries.
//
// IndexIDs lists the index-group ids a projection belongs to. Create builds
// the entry for a group the first time a projection joins it; returning nil
// skips creation. Update mutates entry in place for a projection joining
// (prev nil), leaving (p nil) or changing within the group, and reports what
// to do with the result.
type Definition[P, E any] struct {
	Name     string
	IndexIDs func(p *P) []string
	Create   func(indexID string, p *P) (*E, error)
	Update   func(entry *E, p, prev *P) (Action, error)
}

// CreateEmpty is the default Create strategy: every group starts with a zero
// entry. Suitable for presence tracking.
func CreateEmpty[P, E any](string, *P) (*E, error) {
	return new(E), nil
}

// UpdateDeleteOnly is the default Update strategy: the entry is deleted when
// its projection leaves the group. Any other call is a contract violation.
func UpdateDeleteOnly[P, E any](_ *E, p, _ *P) (Action, error) {
	if p != nil {
		return ActionNone, fmt.Errorf("%w: default update called with a current projection", ErrContractViolation)
	}
	return ActionDelete, nil
}

func (d Definition[P, E]) withDefaults() Definition[P, E] {
	if d.Create == nil {
		d.Create = CreateEmpty[P, E]
	}
	if d.Update == nil {
		d.Update = UpdateDeleteOnly[P, E]
	}
	return d
}
