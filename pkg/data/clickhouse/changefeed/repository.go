// Package changefeed stores source documents in an append-only ClickHouse
// table and serves them as a change feed: every append is a new version
// with a global sequence, and the feed returns the latest version of each
// id changed after a cursor.
package changefeed

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ava-labs/docindexer/pkg/clickhouse"
	"github.com/ava-labs/docindexer/pkg/docstore"
)

// Repository is a ClickHouse-backed docstore.SourceStore that can also be
// appended to.
type Repository interface {
	docstore.SourceStore
	// Append writes docs as new versions in order and returns the sequence
	// of the last one. Deleting an id that is missing or already deleted
	// is skipped. Append assumes a single writer per table.
	Append(ctx context.Context, docs []docstore.Document) (docstore.Sequence, error)
	// Truncate drops every version.
	Truncate(ctx context.Context) error
}

var _ Repository = (*repository)(nil)

//go:embed queries/create-table.sql
var createTableQuery string

//go:embed queries/changes.sql
var changesQuery string

//go:embed queries/get.sql
var getQuery string

//go:embed queries/last-sequence.sql
var lastSequenceQuery string

//go:embed queries/latest-revisions.sql
var latestRevisionsQuery string

//go:embed queries/insert.sql
var insertQuery string

//go:embed queries/truncate.sql
var truncateQuery string

// maxChanges caps a feed read that does not ask for a limit.
const maxChanges = 10000

type repository struct {
	client    clickhouse.Client
	cluster   string
	database  string
	tableName string

	appendMu sync.Mutex
}

// NewRepository creates the feed table when missing. cluster may be empty
// for a single-node deployment.
func NewRepository(
	ctx context.Context,
	client clickhouse.Client,
	cluster, database, tableName string,
) (Repository, error) {
	repo := &repository{client: client, cluster: cluster, database: database, tableName: tableName}
	if err := repo.initialize(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *repository) onCluster() string {
	if r.cluster == "" {
		return ""
	}
	return " ON CLUSTER " + r.cluster
}

func (r *repository) initialize(ctx context.Context) error {
	query := fmt.Sprintf(createTableQuery, r.database, r.tableName, r.onCluster())
	if err := r.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create change feed table: %w", err)
	}
	return nil
}

func (r *repository) Changes(ctx context.Context, req docstore.ChangesRequest) (docstore.ChangesResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = maxChanges
	}
	query := fmt.Sprintf(changesQuery, r.database, r.tableName)
	rows, err := r.client.Conn().Query(ctx, query, req.IDPrefix, uint64(req.Since), uint64(limit))
	if err != nil {
		return docstore.ChangesResult{}, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	res := docstore.ChangesResult{LastSequence: req.Since}
	for rows.Next() {
		var v version
		if err := rows.Scan(&v.id, &v.seq, &v.rev, &v.deleted, &v.body); err != nil {
			return docstore.ChangesResult{}, fmt.Errorf("failed to scan change: %w", err)
		}
		res.Results = append(res.Results, v.change())
		res.LastSequence = docstore.Sequence(v.seq)
	}
	if err := rows.Err(); err != nil {
		return docstore.ChangesResult{}, fmt.Errorf("failed to read changes: %w", err)
	}
	return res, nil
}

func (r *repository) Get(ctx context.Context, id string) (docstore.Row, error) {
	var v version
	query := fmt.Sprintf(getQuery, r.database, r.tableName)
	err := r.client.Conn().
		QueryRow(ctx, query, id).
		Scan(&v.id, &v.seq, &v.rev, &v.deleted, &v.body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return docstore.Row{ID: id, State: docstore.Missing}, nil
		}
		return docstore.Row{}, fmt.Errorf("failed to read %s: %w", id, err)
	}
	if v.deleted {
		return docstore.Row{ID: id, Rev: v.rev, State: docstore.Tombstoned}, nil
	}
	return docstore.Row{ID: id, Rev: v.rev, State: docstore.Present, Body: []byte(v.body)}, nil
}

func (r *repository) Append(ctx context.Context, docs []docstore.Document) (docstore.Sequence, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	r.appendMu.Lock()
	defer r.appendMu.Unlock()

	latest, err := r.latestRevisions(ctx, docs)
	if err != nil {
		return 0, err
	}
	var seq uint64
	query := fmt.Sprintf(lastSequenceQuery, r.database, r.tableName)
	if err := r.client.Conn().QueryRow(ctx, query).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}

	var (
		placeholders []string
		args         []any
	)
	for _, doc := range docs {
		prev, ok := latest[doc.ID]
		if doc.Deleted && (!ok || prev.deleted) {
			continue
		}
		var body []byte
		if !doc.Deleted {
			body = doc.Body
		}
		seq++
		rev := docstore.NextRevision(prev.rev, body, doc.Deleted)
		latest[doc.ID] = version{id: doc.ID, seq: seq, rev: rev, deleted: doc.Deleted}
		placeholders = append(placeholders, "(?, ?, ?, ?, ?)")
		args = append(args, doc.ID, seq, rev, doc.Deleted, string(body))
	}
	if len(args) == 0 {
		return docstore.Sequence(seq), nil
	}

	query = fmt.Sprintf(insertQuery, r.database, r.tableName)
	query = strings.TrimSpace(query) + " " + strings.Join(placeholders, ", ")
	if err := r.client.Conn().Exec(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("failed to append %d documents: %w", len(placeholders), err)
	}
	return docstore.Sequence(seq), nil
}

func (r *repository) latestRevisions(ctx context.Context, docs []docstore.Document) (map[string]version, error) {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	query := fmt.Sprintf(latestRevisionsQuery, r.database, r.tableName)
	rows, err := r.client.Conn().Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest revisions: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]version, len(ids))
	for rows.Next() {
		var v version
		if err := rows.Scan(&v.id, &v.rev, &v.deleted); err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		latest[v.id] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read latest revisions: %w", err)
	}
	return latest, nil
}

func (r *repository) Truncate(ctx context.Context) error {
	query := fmt.Sprintf(truncateQuery, r.database, r.tableName, r.onCluster())
	if err := r.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to truncate change feed: %w", err)
	}
	return nil
}
