// Package memory provides a thread-safe in-memory document store that can
// act both as a change-feed source and as an index store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/ava-labs/docindexer/pkg/docstore"
)

var (
	_ docstore.SourceStore = (*Store)(nil)
	_ docstore.IndexStore  = (*Store)(nil)
)

type document struct {
	rev     string
	deleted bool
	body    json.RawMessage
	seq     docstore.Sequence
}

// Store keeps documents, tombstones and a coalesced change feed in memory.
type Store struct {
	mu   sync.Mutex
	docs map[string]*document
	seq  docstore.Sequence

	failItem  func(docstore.WriteItem) error
	failCalls []error
	failPut   func(docstore.WriteItem) error
}

// New creates an empty store.
func New() *Store {
	return &Store{docs: make(map[string]*document)}
}

// Upsert writes body under id regardless of its current revision and
// returns the new revision. Intended for seeding a source.
func (s *Store) Upsert(id string, body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(docstore.WriteItem{ID: id, Body: raw}), nil
}

// Remove tombstones id regardless of its current revision. Removing a
// missing id is a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[id]; ok && !d.deleted {
		s.apply(docstore.WriteItem{ID: id, Deleted: true})
	}
}

// FailWrites installs fn, consulted for every item of every subsequent
// BulkWrite. A non-nil return fails that item only; the remaining items are
// still applied. A nil fn removes the hook.
func (s *Store) FailWrites(fn func(docstore.WriteItem) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failItem = fn
}

// FailNextBulkWrites makes the next len(errs) BulkWrite calls return the
// given errors without applying anything.
func (s *Store) FailNextBulkWrites(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCalls = append(s.failCalls, errs...)
}

// FailPuts installs fn, consulted for every subsequent Put. A nil fn
// removes the hook.
func (s *Store) FailPuts(fn func(docstore.WriteItem) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = fn
}

// Changes returns live and deleted documents changed after req.Since, each
// id once at its latest sequence, in sequence order.
func (s *Store) Changes(ctx context.Context, req docstore.ChangesRequest) (docstore.ChangesResult, error) {
	if err := ctx.Err(); err != nil {
		return docstore.ChangesResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []docstore.Change
	for id, d := range s.docs {
		if d.seq <= req.Since || !strings.HasPrefix(id, req.IDPrefix) {
			continue
		}
		out = append(out, docstore.Change{
			Document: docstore.Document{ID: id, Rev: d.rev, Deleted: d.deleted, Body: clone(d.body)},
			Seq:      d.seq,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}

	last := req.Since
	if len(out) > 0 {
		last = out[len(out)-1].Seq
	}
	return docstore.ChangesResult{Results: out, LastSequence: last}, nil
}

// Get returns the row stored under id.
func (s *Store) Get(ctx context.Context, id string) (docstore.Row, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Row{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.row(id), nil
}

// BulkRead returns one row per key in key order.
func (s *Store) BulkRead(ctx context.Context, keys []string) ([]docstore.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]docstore.Row, len(keys))
	for i, k := range keys {
		rows[i] = s.row(k)
	}
	return rows, nil
}

// BulkWrite applies items one by one and reports a result per item.
func (s *Store) BulkWrite(ctx context.Context, items []docstore.WriteItem) ([]docstore.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failCalls) > 0 {
		err := s.failCalls[0]
		s.failCalls = s.failCalls[1:]
		return nil, err
	}

	results := make([]docstore.WriteResult, len(items))
	for i, item := range items {
		results[i].ID = item.ID
		if s.failItem != nil {
			if err := s.failItem(item); err != nil {
				results[i].Err = err
				continue
			}
		}
		if err := docstore.CheckRevision(s.row(item.ID), item); err != nil {
			results[i].Err = err
			continue
		}
		results[i].Rev = s.apply(item)
	}
	return results, nil
}

// Put writes a single document.
func (s *Store) Put(ctx context.Context, item docstore.WriteItem) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		if err := s.failPut(item); err != nil {
			return "", err
		}
	}
	if err := docstore.CheckRevision(s.row(item.ID), item); err != nil {
		return "", err
	}
	return s.apply(item), nil
}

// Scan returns up to limit live rows with ids greater than after.
func (s *Store) Scan(ctx context.Context, after string, limit int) ([]docstore.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs))
	for id, d := range s.docs {
		if !d.deleted && id > after {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	rows := make([]docstore.Row, len(ids))
	for i, id := range ids {
		rows[i] = s.row(id)
	}
	return rows, nil
}

// Destroy drops every document and resets the change feed.
func (s *Store) Destroy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[string]*document)
	s.seq = 0
	return nil
}

// Len returns the number of live documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.docs {
		if !d.deleted {
			n++
		}
	}
	return n
}

// row must be called with mu held.
func (s *Store) row(id string) docstore.Row {
	d, ok := s.docs[id]
	switch {
	case !ok:
		return docstore.Row{ID: id, State: docstore.Missing}
	case d.deleted:
		return docstore.Row{ID: id, Rev: d.rev, State: docstore.Tombstoned}
	default:
		return docstore.Row{ID: id, Rev: d.rev, State: docstore.Present, Body: clone(d.body)}
	}
}

// apply must be called with mu held and after the revision check.
func (s *Store) apply(item docstore.WriteItem) string {
	cur, ok := s.docs[item.ID]
	if item.Deleted && (!ok || cur.deleted) {
		if ok {
			return cur.rev
		}
		return ""
	}
	prev := ""
	if ok {
		prev = cur.rev
	}
	s.seq++
	d := &document{seq: s.seq, deleted: item.Deleted}
	if !item.Deleted {
		d.body = clone(item.Body)
	}
	d.rev = docstore.NextRevision(prev, d.body, d.deleted)
	s.docs[item.ID] = d
	return d.rev
}

func clone(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return slices.Clone(b)
}
