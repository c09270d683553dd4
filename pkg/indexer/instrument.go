package indexer

import (
	"context"
	"time"

	"github.com/ava-labs/docindexer/pkg/docstore"
	"github.com/ava-labs/docindexer/pkg/metrics"
)

// instrumentedIndex records every index store call.
type instrumentedIndex struct {
	docstore.IndexStore
	m *metrics.Metrics
}

func (s instrumentedIndex) observe(op string, start time.Time, err error) {
	s.m.RecordStoreCall(op, err, time.Since(start).Seconds())
}

func (s instrumentedIndex) BulkRead(ctx context.Context, keys []string) (rows []docstore.Row, err error) {
	start := time.Now()
	defer func() { s.observe("bulk_read", start, err) }()
	return s.IndexStore.BulkRead(ctx, keys)
}

func (s instrumentedIndex) BulkWrite(ctx context.Context, items []docstore.WriteItem) (results []docstore.WriteResult, err error) {
	start := time.Now()
	defer func() { s.observe("bulk_write", start, err) }()
	return s.IndexStore.BulkWrite(ctx, items)
}

func (s instrumentedIndex) Get(ctx context.Context, id string) (row docstore.Row, err error) {
	start := time.Now()
	defer func() { s.observe("get", start, err) }()
	return s.IndexStore.Get(ctx, id)
}

func (s instrumentedIndex) Put(ctx context.Context, item docstore.WriteItem) (rev string, err error) {
	start := time.Now()
	defer func() { s.observe("put", start, err) }()
	return s.IndexStore.Put(ctx, item)
}

// instrumentedSource records change feed reads.
type instrumentedSource struct {
	docstore.SourceStore
	m *metrics.Metrics
}

func (s instrumentedSource) Changes(ctx context.Context, req docstore.ChangesRequest) (res docstore.ChangesResult, err error) {
	start := time.Now()
	defer func() { s.m.RecordStoreCall("changes", err, time.Since(start).Seconds()) }()
	return s.SourceStore.Changes(ctx, req)
}
