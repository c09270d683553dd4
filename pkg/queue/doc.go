// Package queue publishes index commit notifications to Kafka.
//
// Publisher is the transport abstraction; KafkaPublisher implements it
// on confluent-kafka-go and CommitNotifier turns committed batches into
// messages. Every Publisher must be closed to release resources and
// flush in-flight messages.
package queue
