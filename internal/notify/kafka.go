package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/sarama"

	"github.com/ashureev/spotter/internal/domain"
)

// KafkaNotifier sends notifications keyed by recipient so one user's notifications stay ordered.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
}

// KafkaConfig returns the producer configuration the notifier needs.
func KafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// NewKafka creates a sync producer against brokers.
func NewKafka(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers missing")
	}
	producer, err := sarama.NewSyncProducer(brokers, KafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaWithProducer(producer, topic), nil
}

// NewKafkaWithProducer sends through an existing producer.
func NewKafkaWithProducer(producer sarama.SyncProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic}
}

// NotifyOffline sends the notification.
func (k *KafkaNotifier) NotifyOffline(ctx context.Context, recipientID string, note Notification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotificationFailure, err)
	}
	data, err := encode(recipientID, note)
	if err != nil {
		return err
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(recipientID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("%w: kafka send: %v", domain.ErrNotificationFailure, err)
	}
	return nil
}

// Close closes the producer.
func (k *KafkaNotifier) Close() error {
	return k.producer.Close()
}
