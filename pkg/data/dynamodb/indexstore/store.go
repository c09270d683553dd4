// Package indexstore keeps index documents in a DynamoDB table keyed by id.
//
// Revisions are checked with conditional puts, so concurrent writers to the
// same table see ErrConflict instead of losing updates. Deleted documents
// stay in the table as tombstones carrying their revision.
package indexstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/docindexer/pkg/docstore"
	ddb "github.com/ava-labs/docindexer/pkg/dynamodb"
)

var _ docstore.IndexStore = (*Store)(nil)

// DDBClient is the part of the DynamoDB API the store uses.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

const (
	attrID      = ddb.KeyAttribute
	attrRev     = "rev"
	attrDeleted = "deleted"
	attrBody    = "body"

	// request size caps of BatchGetItem and BatchWriteItem
	batchGetLimit   = 100
	batchWriteLimit = 25

	maxUnprocessedRetries = 8
	unprocessedBackoff    = 50 * time.Millisecond
)

// Store is a docstore.IndexStore on DynamoDB.
type Store struct {
	client      DDBClient
	table       string
	concurrency int
}

// New returns a store over table. concurrency bounds the number of items a
// BulkWrite puts in parallel; values below one mean one.
func New(client DDBClient, table string, concurrency int) *Store {
	return &Store{client: client, table: table, concurrency: max(concurrency, 1)}
}

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrID: &types.AttributeValueMemberS{Value: id}}
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, bool) {
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return v.Value, true
}

func decode(id string, item map[string]types.AttributeValue) (docstore.Row, error) {
	if len(item) == 0 {
		return docstore.Row{ID: id, State: docstore.Missing}, nil
	}
	rev, ok := stringAttr(item, attrRev)
	if !ok {
		return docstore.Row{}, fmt.Errorf("item %s has no revision", id)
	}
	if deleted, ok := item[attrDeleted].(*types.AttributeValueMemberBOOL); ok && deleted.Value {
		return docstore.Row{ID: id, Rev: rev, State: docstore.Tombstoned}, nil
	}
	body, _ := stringAttr(item, attrBody)
	return docstore.Row{ID: id, Rev: rev, State: docstore.Present, Body: []byte(body)}, nil
}

func (s *Store) Get(ctx context.Context, id string) (docstore.Row, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return docstore.Row{}, fmt.Errorf("failed to get %s: %w", id, err)
	}
	return decode(id, out.Item)
}

// BulkRead reads keys with BatchGetItem, batchGetLimit keys per request.
func (s *Store) BulkRead(ctx context.Context, keys []string) ([]docstore.Row, error) {
	rows := make([]docstore.Row, 0, len(keys))
	for chunk, err := range docstore.Chunks(ctx, keys, batchGetLimit) {
		if err != nil {
			return nil, err
		}
		found, err := s.batchGet(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for _, k := range chunk {
			row, err := decode(k, found[k])
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// batchGet fetches keys, retrying the keys DynamoDB leaves unprocessed.
func (s *Store) batchGet(ctx context.Context, keys []string) (map[string]map[string]types.AttributeValue, error) {
	seen := make(map[string]struct{}, len(keys))
	req := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		// duplicate keys fail the whole request
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		req = append(req, key(k))
	}

	found := make(map[string]map[string]types.AttributeValue, len(req))
	pending := map[string]types.KeysAndAttributes{
		s.table: {Keys: req, ConsistentRead: aws.Bool(true)},
	}
	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt > 0 {
			if attempt > maxUnprocessedRetries {
				return nil, fmt.Errorf("%d keys still unprocessed after %d attempts", len(pending[s.table].Keys), attempt)
			}
			if err := sleep(ctx, unprocessedBackoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
		out, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: pending})
		if err != nil {
			return nil, fmt.Errorf("failed to batch get %d keys: %w", len(pending[s.table].Keys), err)
		}
		for _, item := range out.Responses[s.table] {
			if id, ok := stringAttr(item, attrID); ok {
				found[id] = item
			}
		}
		pending = out.UnprocessedKeys
	}
	return found, nil
}

// BulkWrite puts items in parallel. Items sharing an id are written in
// order by the same worker. Item failures, conflicts included, are reported
// in the results; only cancellation fails the call.
func (s *Store) BulkWrite(ctx context.Context, items []docstore.WriteItem) ([]docstore.WriteResult, error) {
	var (
		order  []string
		groups = make(map[string][]int)
	)
	for i, item := range items {
		if _, ok := groups[item.ID]; !ok {
			order = append(order, item.ID)
		}
		groups[item.ID] = append(groups[item.ID], i)
	}

	results := make([]docstore.WriteResult, len(items))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, id := range order {
		idxs := groups[id]
		g.Go(func() error {
			for _, i := range idxs {
				if err := ctx.Err(); err != nil {
					return err
				}
				results[i] = s.write(ctx, items[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// write reads the current revision, validates the item against it and puts
// the new version on the condition that the revision is still the same.
func (s *Store) write(ctx context.Context, item docstore.WriteItem) docstore.WriteResult {
	res := docstore.WriteResult{ID: item.ID}
	current, err := s.Get(ctx, item.ID)
	if err != nil {
		res.Err = err
		return res
	}
	if err := docstore.CheckRevision(current, item); err != nil {
		res.Err = err
		return res
	}
	if item.Deleted && !current.Live() {
		res.Rev = current.Rev
		return res
	}

	var body []byte
	if !item.Deleted {
		body = item.Body
	}
	rev := docstore.NextRevision(current.Rev, body, item.Deleted)
	attrs := key(item.ID)
	attrs[attrRev] = &types.AttributeValueMemberS{Value: rev}
	attrs[attrDeleted] = &types.AttributeValueMemberBOOL{Value: item.Deleted}
	if !item.Deleted {
		attrs[attrBody] = &types.AttributeValueMemberS{Value: string(body)}
	}
	input := &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: attrs}
	if current.State == docstore.Missing {
		input.ConditionExpression = aws.String("attribute_not_exists(#id)")
		input.ExpressionAttributeNames = map[string]string{"#id": attrID}
	} else {
		input.ConditionExpression = aws.String("#rev = :rev")
		input.ExpressionAttributeNames = map[string]string{"#rev": attrRev}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":rev": &types.AttributeValueMemberS{Value: current.Rev},
		}
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			res.Err = fmt.Errorf("%w: %s changed concurrently", docstore.ErrConflict, item.ID)
		} else {
			res.Err = fmt.Errorf("failed to put %s: %w", item.ID, err)
		}
		return res
	}
	res.Rev = rev
	return res
}

func (s *Store) Put(ctx context.Context, item docstore.WriteItem) (string, error) {
	res := s.write(ctx, item)
	return res.Rev, res.Err
}

// Scan returns up to limit live rows with ids greater than after, in id
// order. DynamoDB scans are unordered, so every call reads the whole table.
func (s *Store) Scan(ctx context.Context, after string, limit int) ([]docstore.Row, error) {
	var rows []docstore.Row
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", s.table, err)
		}
		for _, item := range page.Items {
			id, _ := stringAttr(item, attrID)
			if id <= after {
				continue
			}
			row, err := decode(id, item)
			if err != nil {
				return nil, err
			}
			if row.Live() {
				rows = append(rows, row)
			}
		}
	}
	slices.SortFunc(rows, func(a, b docstore.Row) int { return strings.Compare(a.ID, b.ID) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// Destroy deletes every item of the table, tombstones included.
func (s *Store) Destroy(ctx context.Context) error {
	var ids []string
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		ProjectionExpression:     aws.String("#id"),
		ExpressionAttributeNames: map[string]string{"#id": attrID},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", s.table, err)
		}
		for _, item := range page.Items {
			if id, ok := stringAttr(item, attrID); ok {
				ids = append(ids, id)
			}
		}
	}

	for chunk, err := range docstore.Chunks(ctx, ids, batchWriteLimit) {
		if err != nil {
			return err
		}
		reqs := make([]types.WriteRequest, len(chunk))
		for i, id := range chunk {
			reqs[i] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key(id)}}
		}
		if err := s.batchWrite(ctx, reqs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.table: reqs}
	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt > 0 {
			if attempt > maxUnprocessedRetries {
				return fmt.Errorf("%d deletes still unprocessed after %d attempts", len(pending[s.table]), attempt)
			}
			if err := sleep(ctx, unprocessedBackoff*time.Duration(attempt)); err != nil {
				return err
			}
		}
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("failed to delete %d items: %w", len(pending[s.table]), err)
		}
		pending = out.UnprocessedItems
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
