package indexer

// Classification says how an index-group id relates to a source item's
// previous and current projections.
type Classification uint8

const (
	// Added ids belong to the current projection only.
	Added Classification = 1 << iota
	// Removed ids belong to the previous projection only.
	Removed
	// Both ids belong to the current and the previous projection.
	Both = Added | Removed
)

func (c Classification) String() string {
	switch c {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Both:
		return "both"
	default:
		return "unclassified"
	}
}

// Touch is one classified index-group id.
type Touch struct {
	IndexID string
	Class   Classification
}

// classify tags every id of current and previous in a single pass over
// each list. Ids keep the order of their first appearance, current first.
// Duplicates inside one list collapse.
func classify(current, previous []string) []Touch {
	if len(current)+len(previous) == 0 {
		return nil
	}
	pos := make(map[string]int, len(current)+len(previous))
	touches := make([]Touch, 0, len(current)+len(previous))
	mark := func(ids []string, c Classification) {
		for _, id := range ids {
			if i, ok := pos[id]; ok {
				touches[i].Class |= c
				continue
			}
			pos[id] = len(touches)
			touches = append(touches, Touch{IndexID: id, Class: c})
		}
	}
	mark(current, Added)
	mark(previous, Removed)
	return touches
}
