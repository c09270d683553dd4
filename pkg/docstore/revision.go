package docstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// NextRevision derives the revision token that follows prev for a document
// with the given body. Tokens have the form "<generation>-<hash>".
func NextRevision(prev string, body []byte, deleted bool) string {
	gen := Generation(prev) + 1
	d := xxhash.New()
	_, _ = d.WriteString(prev)
	if deleted {
		_, _ = d.WriteString("\x00deleted")
	}
	_, _ = d.Write(body)
	return fmt.Sprintf("%d-%016x", gen, d.Sum64())
}

// Generation returns the numeric prefix of a revision token, or 0 when the
// token is empty or malformed.
func Generation(rev string) uint64 {
	head, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// CheckRevision validates a write's revision token against the stored row.
// Live documents require an exact match; tombstones accept their own token
// or none; missing keys accept only none.
func CheckRevision(current Row, item WriteItem) error {
	switch current.State {
	case Present:
		if item.Rev != current.Rev {
			return fmt.Errorf("%w: %s has revision %q, write carries %q", ErrConflict, item.ID, current.Rev, item.Rev)
		}
	case Tombstoned:
		if item.Rev != "" && item.Rev != current.Rev {
			return fmt.Errorf("%w: %s tombstone has revision %q, write carries %q", ErrConflict, item.ID, current.Rev, item.Rev)
		}
	default:
		if item.Rev != "" {
			return fmt.Errorf("%w: %s does not exist, write carries %q", ErrConflict, item.ID, item.Rev)
		}
	}
	return nil
}
