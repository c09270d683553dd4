package queue

import (
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const messageMaxBytes = 1048576 // 1MB, commit notifications are small

// SASLConfig holds SASL authentication settings. An empty Username leaves
// SASL disabled.
type SASLConfig struct {
	Username         string
	Password         string
	Mechanism        string // PLAIN when empty
	SecurityProtocol string // SASL_SSL when empty
}

// ApplyToConfigMap adds the SASL settings to cm.
func (c SASLConfig) ApplyToConfigMap(cm *kafka.ConfigMap) {
	if c.Username == "" {
		return
	}
	mechanism := c.Mechanism
	if mechanism == "" {
		mechanism = "PLAIN"
	}
	protocol := c.SecurityProtocol
	if protocol == "" {
		protocol = "SASL_SSL"
	}
	(*cm)["security.protocol"] = protocol
	(*cm)["sasl.mechanisms"] = mechanism
	(*cm)["sasl.username"] = c.Username
	(*cm)["sasl.password"] = c.Password
}

// ProducerConfig holds the settings of the commit notification producer.
type ProducerConfig struct {
	Brokers    string
	ClientID   string
	EnableLogs bool
	SASL       SASLConfig
}

// ConfigMap builds the librdkafka configuration of the producer.
func (c ProducerConfig) ConfigMap() *kafka.ConfigMap {
	cm := &kafka.ConfigMap{
		"bootstrap.servers": c.Brokers,
		"client.id":         c.ClientID,

		// wait for all replicas to acknowledge
		"acks":               "all",
		"enable.idempotence": true,

		"linger.ms":        5,
		"compression.type": "lz4",

		"go.logs.channel.enable": c.EnableLogs,
		"message.max.bytes":      messageMaxBytes,
	}
	c.SASL.ApplyToConfigMap(cm)
	return cm
}
