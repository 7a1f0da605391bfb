// Package kafka carries control messages and events over Kafka.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"batch-dispatch/internal/message"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HeaderMessageID carries message.Raw.ID. Properties travel as headers
// under their own names.
const HeaderMessageID = "message_id"

// NewConfig returns the sarama configuration shared by producer and consumer.
func NewConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// Producer is a message.Sender on a sarama sync producer.
type Producer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	tracer   trace.Tracer
}

var _ message.Sender = (*Producer)(nil)

// NewProducer connects a sync producer to brokers.
func NewProducer(brokers []string, cfg *sarama.Config, logger *slog.Logger) (*Producer, error) {
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducerFrom(p, logger), nil
}

// NewProducerFrom wraps an existing sync producer.
func NewProducerFrom(p sarama.SyncProducer, logger *slog.Logger) *Producer {
	return &Producer{
		producer: p,
		logger:   logger.With("component", "kafka-producer"),
		tracer:   otel.Tracer("batch-dispatch-kafka"),
	}
}

// Send writes msg to msg.Topic. Messages of one job instance share a key
// and therefore a partition.
func (p *Producer) Send(ctx context.Context, msg *message.Raw) error {
	_, span := p.tracer.Start(ctx, "kafka.Producer.Send", trace.WithAttributes(attribute.String("messaging.destination", msg.Topic)))
	defer span.End()

	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	key := msg.Property(message.PropInstanceID)
	if key == "" {
		key = msg.ID
	}

	headers := make([]sarama.RecordHeader, 0, len(msg.Properties)+1)
	headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderMessageID), Value: []byte(msg.ID)})
	for k, v := range msg.Properties {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     msg.Topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(msg.Body),
		Headers:   headers,
		Timestamp: msg.CreatedAt,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to produce message")
		return fmt.Errorf("failed to send message %s to %s: %w", msg.ID, msg.Topic, err)
	}
	p.logger.Debug("sent message", "topic", msg.Topic, "message_id", msg.ID, "partition", partition, "offset", offset)
	return nil
}

// Close flushes and closes the producer.
func (p *Producer) Close() error {
	return p.producer.Close()
}
