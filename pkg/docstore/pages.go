package docstore

import (
	"context"
	"fmt"
	"iter"
)

// PageFunc fetches the page starting at cursor. It returns the page, the
// cursor of the following page and whether a following page may exist.
type PageFunc[C, T any] func(ctx context.Context, cursor C) (page []T, next C, more bool, err error)

// Pages returns a lazy sequence of pages starting at start. Each iteration
// of the returned sequence restarts from start. The sequence ends after the
// first page reporting no successor, after an empty page, or after the first
// error, which is yielded with a nil page.
func Pages[C, T any](ctx context.Context, start C, fetch PageFunc[C, T]) iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		cursor := start
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, next, more, err := fetch(ctx, cursor)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(page) == 0 {
				return
			}
			if !yield(page, nil) || !more {
				return
			}
			cursor = next
		}
	}
}

// Chunks pages through items, size at a time. A non-positive size yields a
// single page.
func Chunks[T any](ctx context.Context, items []T, size int) iter.Seq2[[]T, error] {
	if size <= 0 {
		size = len(items)
	}
	return Pages(ctx, 0, func(_ context.Context, off int) ([]T, int, bool, error) {
		end := min(off+size, len(items))
		return items[off:end], end, end < len(items), nil
	})
}

// ReadKeys bulk-reads keys from store in chunks of at most pageSize keys and
// returns the rows in key order.
func ReadKeys(ctx context.Context, store IndexStore, keys []string, pageSize int) ([]Row, error) {
	rows := make([]Row, 0, len(keys))
	for chunk, err := range Chunks(ctx, keys, pageSize) {
		if err != nil {
			return nil, err
		}
		got, err := store.BulkRead(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to bulk read %d keys: %w", len(chunk), err)
		}
		if len(got) != len(chunk) {
			return nil, fmt.Errorf("bulk read returned %d rows for %d keys", len(got), len(chunk))
		}
		rows = append(rows, got...)
	}
	return rows, nil
}

// ScanAll pages through every live row of store in key order.
func ScanAll(ctx context.Context, store IndexStore, pageSize int) iter.Seq2[[]Row, error] {
	return Pages(ctx, "", func(ctx context.Context, after string) ([]Row, string, bool, error) {
		rows, err := store.Scan(ctx, after, pageSize)
		if err != nil {
			return nil, "", false, fmt.Errorf("failed to scan after %q: %w", after, err)
		}
		if len(rows) == 0 {
			return nil, after, false, nil
		}
		return rows, rows[len(rows)-1].ID, len(rows) == pageSize, nil
	})
}

// ReadChanges reads up to req.Limit changes, asking the source for at most
// pageSize changes per call. A non-positive pageSize reads in one call.
func ReadChanges(ctx context.Context, source SourceStore, req ChangesRequest, pageSize int) (ChangesResult, error) {
	if pageSize <= 0 || pageSize > req.Limit {
		pageSize = req.Limit
	}
	out := ChangesResult{LastSequence: req.Since}
	pages := Pages(ctx, req.Since, func(ctx context.Context, since Sequence) ([]Change, Sequence, bool, error) {
		want := min(pageSize, req.Limit-len(out.Results))
		res, err := source.Changes(ctx, ChangesRequest{Since: since, Limit: want, IDPrefix: req.IDPrefix})
		if err != nil {
			return nil, since, false, err
		}
		if len(res.Results) > want {
			return nil, since, false, fmt.Errorf("change feed returned %d results for limit %d", len(res.Results), want)
		}
		if res.LastSequence < since {
			return nil, since, false, fmt.Errorf("change feed moved backwards from %d to %d", since, res.LastSequence)
		}
		out.LastSequence = res.LastSequence
		more := len(res.Results) == want && len(out.Results)+len(res.Results) < req.Limit
		return res.Results, res.LastSequence, more, nil
	})
	for page, err := range pages {
		if err != nil {
			return ChangesResult{}, fmt.Errorf("failed to read changes since %d: %w", req.Since, err)
		}
		out.Results = append(out.Results, page...)
	}
	return out, nil
}
