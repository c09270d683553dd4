// Package weight implements a grouped weight aggregation: every document
// contributes its weight to each group it lists, and each group's entry
// holds the sum of its live contributions. A group whose sum drops to zero
// is deleted.
package weight

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ava-labs/docindexer/pkg/docstore"
	"github.com/ava-labs/docindexer/pkg/indexer"
)

// Projection is the indexed view of a document.
type Projection struct {
	Groups []string `json:"groups"`
	Weight int64    `json:"weight"`
}

// Entry is the aggregate of one group.
type Entry struct {
	Group  string `json:"group"`
	Weight int64  `json:"weight"`
}

// Definition returns the aggregation under index ids prefix+group.
func Definition(name, prefix string) indexer.Definition[Projection, Entry] {
	return indexer.Definition[Projection, Entry]{
		Name: name,
		IndexIDs: func(p *Projection) []string {
			ids := make([]string, len(p.Groups))
			for i, g := range p.Groups {
				ids[i] = prefix + g
			}
			return ids
		},
		Create: func(id string, p *Projection) (*Entry, error) {
			if p.Weight == 0 {
				return nil, nil
			}
			return &Entry{Group: strings.TrimPrefix(id, prefix), Weight: p.Weight}, nil
		},
		Update: func(e *Entry, p, prev *Projection) (indexer.Action, error) {
			var delta int64
			if p != nil {
				delta += p.Weight
			}
			if prev != nil {
				delta -= prev.Weight
			}
			if delta == 0 {
				return indexer.ActionNone, nil
			}
			e.Weight += delta
			if e.Weight == 0 {
				return indexer.ActionDelete, nil
			}
			return indexer.ActionUpdate, nil
		},
	}
}

// Projector extracts a Projection from JSON documents.
type Projector struct {
	GroupsField   string // string or array of strings
	WeightField   string // non-negative integer; DefaultWeight when absent
	DefaultWeight int64
}

// Project returns nil for documents without the groups field.
func (p Projector) Project(doc docstore.Document) (*Projection, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc.Body, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", doc.ID, err)
	}
	raw, ok := fields[p.GroupsField]
	if !ok || string(raw) == "null" {
		return nil, nil
	}

	proj := &Projection{Weight: p.DefaultWeight}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		proj.Groups = []string{single}
	} else if err := json.Unmarshal(raw, &proj.Groups); err != nil {
		return nil, fmt.Errorf("field %q of %s is neither a string nor a list of strings", p.GroupsField, doc.ID)
	}

	if raw, ok := fields[p.WeightField]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &proj.Weight); err != nil {
			return nil, fmt.Errorf("field %q of %s is not an integer: %w", p.WeightField, doc.ID, err)
		}
	}
	// An absent entry stands for a zero sum, which only holds when no
	// contribution is negative.
	if proj.Weight < 0 {
		return nil, fmt.Errorf("field %q of %s is negative: %d", p.WeightField, doc.ID, proj.Weight)
	}
	return proj, nil
}
