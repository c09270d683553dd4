package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ava-labs/docindexer/pkg/indexer"
)

const (
	headerBatchID     = "batch-id"
	headerContentType = "content-type"
)

// Msg is a queue message. Key selects the partition when the backend has
// partitions.
type Msg struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Publisher delivers messages to a queue.
type Publisher interface {
	// Publish may block until delivery is confirmed.
	Publish(ctx context.Context, message Msg) error
	// Close flushes in-flight messages; cancelling ctx may lose them.
	Close(ctx context.Context)
}

var _ indexer.Notifier = (*CommitNotifier)(nil)

// CommitNotifier publishes every committed batch as a JSON message keyed by
// the index name, so the notifications of one index stay ordered within a
// partition.
type CommitNotifier struct {
	publisher Publisher
	topic     string
}

// NewCommitNotifier returns a notifier publishing to topic.
func NewCommitNotifier(publisher Publisher, topic string) *CommitNotifier {
	return &CommitNotifier{publisher: publisher, topic: topic}
}

func (n *CommitNotifier) Notify(ctx context.Context, batch indexer.BatchCommitted) error {
	value, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch %s: %w", batch.BatchID, err)
	}
	msg := Msg{
		Topic: n.topic,
		Key:   []byte(batch.Index),
		Value: value,
		Headers: map[string]string{
			headerBatchID:     batch.BatchID,
			headerContentType: "application/json",
		},
	}
	if err := n.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish batch %s: %w", batch.BatchID, err)
	}
	return nil
}
