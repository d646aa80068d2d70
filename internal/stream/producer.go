// Package stream exports committed audit events to a message broker. Export
// state lives on the event rows themselves, so delivery survives restarts and
// is retried until it succeeds or exhausts its attempts.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"
)

// deliveryTimeout bounds how long a publish waits for broker acknowledgement.
const deliveryTimeout = 10 * time.Second

// Producer publishes one envelope to the broker. Returning an error marks the
// event for retry.
type Producer interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close()
}

// KafkaProducer publishes envelopes to a Kafka topic, waiting synchronously
// for per-message delivery reports so the streamer records accurate outcomes.
type KafkaProducer struct {
	producer *kafka.Producer
	topic    string
	log      *logrus.Logger
}

// NewKafkaProducer creates a producer against the given bootstrap servers.
func NewKafkaProducer(bootstrapServers, topic string, log *logrus.Logger) (*KafkaProducer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{"bootstrap.servers": bootstrapServers})
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	log.WithField("topic", topic).Info("stream.producer.start")
	return &KafkaProducer{producer: p, topic: topic, log: log}, nil
}

// Publish implements Producer.
func (p *KafkaProducer) Publish(ctx context.Context, key string, value []byte) error {
	deliveryChan := make(chan kafka.Event, 1)

	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          value,
	}, deliveryChan)
	if err != nil {
		return fmt.Errorf("producing message: %w", err)
	}

	select {
	case e := <-deliveryChan:
		msg, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event type: %T", e)
		}
		if msg.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", msg.TopicPartition.Error)
		}
		return nil
	case <-time.After(deliveryTimeout):
		return fmt.Errorf("delivery timeout after %s", deliveryTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes in-flight messages and releases the producer.
func (p *KafkaProducer) Close() {
	p.log.Info("stream.producer.close")
	p.producer.Flush(15 * 1000)
	p.producer.Close()
}

var _ Producer = (*KafkaProducer)(nil)
