package queue

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// KafkaPublisher is a synchronous Kafka producer implementation of
// Publisher. Msg headers are sent as Kafka record headers.
//
// Publish blocks until a delivery confirmation is received from Kafka.
// Background goroutines process producer events and, when
// go.logs.channel.enable is set, librdkafka logs.
//
// Close MUST be called to stop the background goroutines and flush
// in-flight messages.
type KafkaPublisher struct {
	producer   *kafka.Producer
	log        *zap.SugaredLogger
	errCh      chan error
	eventsDone chan struct{}
	logsDone   chan struct{}
	closedCh   chan struct{}
	once       sync.Once
}

const (
	flushTimeoutMs    = 10000
	queueFullBackoff  = time.Second
	deliveryChBufSize = 1
)

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a Kafka-backed Publisher. Cancelling ctx
// stops the background goroutines; Close must still be called.
func NewKafkaPublisher(ctx context.Context, conf *kafka.ConfigMap, log *zap.SugaredLogger) (*KafkaPublisher, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	logsEnabled, err := conf.Get("go.logs.channel.enable", false)
	if err != nil {
		return nil, fmt.Errorf("failed to get go.logs.channel.enable: %w", err)
	}
	p, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	kp := &KafkaPublisher{
		producer:   p,
		log:        log,
		errCh:      make(chan error, 1),
		eventsDone: make(chan struct{}),
		logsDone:   make(chan struct{}),
		closedCh:   make(chan struct{}),
	}
	if enabled, _ := logsEnabled.(bool); enabled {
		go kp.printKafkaLogs(ctx)
	} else {
		close(kp.logsDone)
	}
	go kp.monitorProducerEvents(ctx)
	return kp, nil
}

// Publish sends msg and waits for its delivery receipt or for ctx to be
// done. A full producer queue is retried every second. When ctx ends first
// the message MAY still be delivered, so callers retrying a Publish must
// tolerate duplicates.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Msg) error {
	// never closed: a receipt may still arrive after ctx is done
	deliveryCh := make(chan kafka.Event, deliveryChBufSize)

	kMsg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &msg.Topic,
			Partition: kafka.PartitionAny,
		},
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: kafkaHeaders(msg.Headers),
	}
	if err := p.produceWithRetry(ctx, kMsg, deliveryCh); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryCh:
		return handleDeliveryEvent(p.log, kMsg, e)
	}
}

// Close stops the background goroutines and flushes pending messages.
// Cancelling ctx aborts the flush, which may lose messages. Calling Close
// more than once does nothing.
func (p *KafkaPublisher) Close(ctx context.Context) {
	p.once.Do(func() {
		p.log.Info("closing kafka publisher")
		defer close(p.errCh)

		close(p.closedCh)
		<-p.eventsDone
		<-p.logsDone

		for p.producer.Flush(flushTimeoutMs) > 0 {
			p.log.Warn("producer queue not flushed, retrying")
			if ctx.Err() != nil {
				p.log.Info("context done, stopping producer flush")
				break
			}
		}
		p.producer.Close()
		p.log.Info("kafka publisher closed")
	})
}

// Errors returns a channel that receives at most one fatal error and is
// closed on Close. After a fatal error the publisher is unusable: close it
// and create a new one.
func (p *KafkaPublisher) Errors() <-chan error {
	return p.errCh
}

func (p *KafkaPublisher) printKafkaLogs(ctx context.Context) {
	defer close(p.logsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closedCh:
			return
		case entry, ok := <-p.producer.Logs():
			if !ok {
				return
			}
			p.log.Debugw("librdkafka", "level", entry.Level, "tag", entry.Tag, "message", entry.Message)
		}
	}
}

// produceWithRetry enqueues msg, retrying while the local producer queue is
// full. Any other produce error is returned.
func (p *KafkaPublisher) produceWithRetry(ctx context.Context, msg *kafka.Message, deliveryCh chan kafka.Event) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := p.producer.Produce(msg, deliveryCh)
		if err == nil {
			return nil
		}
		kafkaErr, ok := err.(kafka.Error)
		if !ok {
			return fmt.Errorf("failed to produce: %w", err)
		}

		switch kafkaErr.Code() {
		case kafka.ErrQueueFull:
			p.log.Warn("producer queue full, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(queueFullBackoff):
			}
		case kafka.ErrBrokerNotAvailable:
			return fmt.Errorf("broker not available: %w", err)
		case kafka.ErrInvalidMsgSize:
			return fmt.Errorf("invalid message size: %w", err)
		case kafka.ErrInvalidMsg:
			return fmt.Errorf("invalid message: %w", err)
		case kafka.ErrUnknownTopicOrPart:
			return fmt.Errorf("unknown topic or partition: %w", err)
		case kafka.ErrAuthentication:
			return fmt.Errorf("authentication error: %w", err)
		default:
			return fmt.Errorf("failed to produce: %w", err)
		}
	}
}

func (p *KafkaPublisher) monitorProducerEvents(ctx context.Context) {
	defer close(p.eventsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closedCh:
			return
		case ev, ok := <-p.producer.Events():
			if !ok {
				p.fail(fmt.Errorf("kafka producer event channel closed"))
				return
			}
			switch e := ev.(type) {
			case *kafka.Message:
				// only messages produced without a delivery channel land here
				p.log.Warnw("unexpected delivery report", "topic", e.TopicPartition.Topic, "error", e.TopicPartition.Error)
			case kafka.Error:
				if e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown {
					p.fail(fmt.Errorf("fatal kafka error %#x: %w", e.Code(), e))
					return
				}
				p.log.Warnw("ignoring kafka error", "code", e.Code(), "error", e)
			default:
				p.log.Debugw("ignoring kafka event", "event", e.String())
			}
		}
	}
}

func (p *KafkaPublisher) fail(err error) {
	select {
	case p.errCh <- err:
	default:
		p.log.Warnw("dropping kafka error, one is already pending", "error", err)
	}
}

// kafkaHeaders converts headers in key order.
func kafkaHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		out = append(out, kafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return out
}

func handleDeliveryEvent(log *zap.SugaredLogger, msg *kafka.Message, ev kafka.Event) error {
	switch e := ev.(type) {
	case *kafka.Message:
		if err := e.TopicPartition.Error; err != nil {
			return fmt.Errorf("delivery failed: %w", err)
		}
		if !slices.Equal(e.Value, msg.Value) {
			return fmt.Errorf("delivery receipt for %q does not match the published value", string(e.Key))
		}
		log.Debugw("delivered",
			"topic", *msg.TopicPartition.Topic,
			"partition", e.TopicPartition.Partition,
			"offset", e.TopicPartition.Offset,
		)
		return nil
	case kafka.Error:
		return fmt.Errorf("kafka error: code=%d fatal=%t: %w", e.Code(), e.IsFatal(), e)
	default:
		return fmt.Errorf("unexpected delivery event: %T", ev)
	}
}
