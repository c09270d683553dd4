package changefeed

import (
	"github.com/ava-labs/docindexer/pkg/docstore"
)

// version is one row of the feed table.
type version struct {
	id      string
	seq     uint64
	rev     string
	deleted bool
	body    string
}

func (v version) change() docstore.Change {
	c := docstore.Change{
		Document: docstore.Document{ID: v.id, Rev: v.rev, Deleted: v.deleted},
		Seq:      docstore.Sequence(v.seq),
	}
	if !v.deleted {
		c.Body = []byte(v.body)
	}
	return c
}
