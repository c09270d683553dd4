// Package indexstore keeps index documents in an embedded Pebble database.
package indexstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/ava-labs/docindexer/pkg/docstore"
)

var _ docstore.IndexStore = (*Store)(nil)

// record is the stored value of one key. Deleted records are tombstones and
// keep the revision chain of the key.
type record struct {
	Rev     string          `json:"rev"`
	Deleted bool            `json:"deleted,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Store is a docstore.IndexStore on Pebble. Writes are serialized so the
// revision check and the write happen atomically; reads go straight to the
// database.
type Store struct {
	db *pebble.DB
	mu sync.Mutex
}

// Open opens or creates the database in dir. opts may be nil.
func Open(dir string, opts *pebble.Options, sugar *zap.SugaredLogger) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	if sugar != nil && opts.Logger == nil {
		opts.Logger = sugar
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, id string) (docstore.Row, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Row{}, err
	}
	return s.read(id)
}

func (s *Store) BulkRead(ctx context.Context, keys []string) ([]docstore.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := make([]docstore.Row, len(keys))
	for i, k := range keys {
		row, err := s.read(k)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}
	return rows, nil
}

func (s *Store) read(id string) (docstore.Row, error) {
	value, closer, err := s.db.Get([]byte(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return docstore.Row{ID: id, State: docstore.Missing}, nil
	}
	if err != nil {
		return docstore.Row{}, fmt.Errorf("failed to get %s: %w", id, err)
	}
	defer closer.Close()
	return decode(id, value)
}

func decode(id string, value []byte) (docstore.Row, error) {
	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		return docstore.Row{}, fmt.Errorf("failed to decode %s: %w", id, err)
	}
	if rec.Deleted {
		return docstore.Row{ID: id, Rev: rec.Rev, State: docstore.Tombstoned}, nil
	}
	return docstore.Row{ID: id, Rev: rec.Rev, State: docstore.Present, Body: rec.Body}, nil
}

// BulkWrite checks every item against the stored revision and commits the
// accepted ones in a single synced batch. Rejected items carry their error
// in the result; a failed commit fails the whole call.
func (s *Store) BulkWrite(ctx context.Context, items []docstore.WriteItem) ([]docstore.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	// rows written earlier in this batch shadow the database
	pending := make(map[string]docstore.Row)
	results := make([]docstore.WriteResult, len(items))
	for i, item := range items {
		results[i].ID = item.ID
		current, ok := pending[item.ID]
		if !ok {
			var err error
			if current, err = s.read(item.ID); err != nil {
				return nil, err
			}
		}
		if err := docstore.CheckRevision(current, item); err != nil {
			results[i].Err = err
			continue
		}
		row, err := stage(batch, current, item)
		if err != nil {
			return nil, err
		}
		pending[item.ID] = row
		results[i].Rev = row.Rev
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to commit batch of %d items: %w", len(items), err)
	}
	return results, nil
}

func (s *Store) Put(ctx context.Context, item docstore.WriteItem) (string, error) {
	results, err := s.BulkWrite(ctx, []docstore.WriteItem{item})
	if err != nil {
		return "", err
	}
	return results[0].Rev, results[0].Err
}

// stage adds item to batch and returns the resulting row. Deleting a
// missing key or a tombstone writes nothing.
func stage(batch *pebble.Batch, current docstore.Row, item docstore.WriteItem) (docstore.Row, error) {
	if item.Deleted && !current.Live() {
		return current, nil
	}
	rec := record{Deleted: item.Deleted}
	if !item.Deleted {
		rec.Body = item.Body
	}
	rec.Rev = docstore.NextRevision(current.Rev, rec.Body, rec.Deleted)
	value, err := json.Marshal(rec)
	if err != nil {
		return docstore.Row{}, fmt.Errorf("failed to encode %s: %w", item.ID, err)
	}
	if err := batch.Set([]byte(item.ID), value, nil); err != nil {
		return docstore.Row{}, fmt.Errorf("failed to stage %s: %w", item.ID, err)
	}
	state := docstore.Present
	if rec.Deleted {
		state = docstore.Tombstoned
	}
	return docstore.Row{ID: item.ID, Rev: rec.Rev, State: state, Body: rec.Body}, nil
}

// Scan returns up to limit live rows with ids greater than after, in id
// order. A non-positive limit returns every row.
func (s *Store) Scan(ctx context.Context, after string, limit int) ([]docstore.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := &pebble.IterOptions{}
	if after != "" {
		// the smallest key sorting after `after`
		opts.LowerBound = append([]byte(after), 0)
	}
	it, err := s.db.NewIter(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer it.Close()

	var rows []docstore.Row
	for valid := it.First(); valid; valid = it.Next() {
		row, err := decode(string(it.Key()), it.Value())
		if err != nil {
			return nil, err
		}
		if !row.Live() {
			continue
		}
		rows = append(rows, row)
		if limit > 0 && len(rows) == limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan after %q: %w", after, err)
	}
	return rows, nil
}

// Destroy deletes every key, tombstones included.
func (s *Store) Destroy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	var first, last []byte
	if it.First() {
		first = bytes.Clone(it.Key())
		it.Last()
		last = bytes.Clone(it.Key())
	}
	if err := it.Close(); err != nil {
		return fmt.Errorf("failed to close iterator: %w", err)
	}
	if first == nil {
		return nil
	}
	// DeleteRange excludes its end key
	if err := s.db.DeleteRange(first, append(last, 0), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}
