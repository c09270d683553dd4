// Package docstore defines the document-store contracts the indexer consumes:
// a change-feed-capable source store and a mutable index store with
// per-item bulk writes and revision tokens.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrConflict is reported when a write carries a stale or missing revision token.
	ErrConflict = errors.New("document update conflict")
	// ErrNotFound is reported by single-document operations on a missing key.
	ErrNotFound = errors.New("document not found")
)

// Sequence is a position in a source change feed. Zero means "from the beginning".
type Sequence uint64

// RowState distinguishes a key that was never written from one that was
// deleted but still carries a revision token.
type RowState int

const (
	Missing RowState = iota
	Present
	Tombstoned
)

func (s RowState) String() string {
	switch s {
	case Missing:
		return "missing"
	case Present:
		return "present"
	case Tombstoned:
		return "tombstoned"
	default:
		return "unknown"
	}
}

// Document is a source document as delivered by a change feed.
type Document struct {
	ID      string
	Rev     string
	Deleted bool
	Body    json.RawMessage
}

// Change is one coalesced entry of a change feed.
type Change struct {
	Document
	Seq Sequence
}

// ChangesRequest selects a page of the change feed.
type ChangesRequest struct {
	Since    Sequence
	Limit    int
	IDPrefix string // only ids with this prefix, empty for all
}

// ChangesResult is one page of the change feed. Each id appears at most once.
type ChangesResult struct {
	Results      []Change
	LastSequence Sequence
}

// Row is the result of reading one key.
type Row struct {
	ID    string
	Rev   string
	State RowState
	Body  json.RawMessage
}

// Live reports whether the row holds a non-deleted document.
func (r Row) Live() bool {
	return r.State == Present
}

// WriteItem is one element of a bulk write. An empty Rev creates the document.
type WriteItem struct {
	ID      string
	Rev     string
	Deleted bool
	Body    json.RawMessage
}

// WriteResult reports the outcome of one WriteItem.
type WriteResult struct {
	ID  string
	Rev string
	Err error
}

// SourceStore is the primary store the indexer follows.
type SourceStore interface {
	Changes(ctx context.Context, req ChangesRequest) (ChangesResult, error)
	Get(ctx context.Context, id string) (Row, error)
}

// IndexStore holds index entries, projection snapshots and engine state.
// Bulk writes have no cross-item transactionality; each item succeeds or
// fails on its own.
type IndexStore interface {
	// BulkRead returns one row per key, in key order. Missing keys are
	// reported as rows with State Missing, not as errors.
	BulkRead(ctx context.Context, keys []string) ([]Row, error)
	BulkWrite(ctx context.Context, items []WriteItem) ([]WriteResult, error)
	Get(ctx context.Context, id string) (Row, error)
	// Put writes a single document and returns its new revision. A stale
	// revision yields an error wrapping ErrConflict.
	Put(ctx context.Context, item WriteItem) (string, error)
	// Scan returns up to limit live rows with ids strictly greater than after.
	Scan(ctx context.Context, after string, limit int) ([]Row, error)
	// Destroy removes every document, including tombstones.
	Destroy(ctx context.Context) error
}

// FirstError returns the first failed result, if any.
func FirstError(results []WriteResult) (WriteResult, bool) {
	for _, r := range results {
		if r.Err != nil {
			return r, true
		}
	}
	return WriteResult{}, false
}
