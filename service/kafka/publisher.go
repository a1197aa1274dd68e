// Package kafka publishes stored settlements to a Kafka topic keyed by
// merchant address, so one merchant's events stay ordered on one partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/flexrp/service/metrics"
	"github.com/brojonat/flexrp/service/payment"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the publisher uses.
// This allows for easy mocking in tests.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer  MessageWriter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher creates a publisher writing to topic on brokers.
func NewPublisher(brokers []string, topic string, m *metrics.Metrics, logger *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	logger.Info("kafka publisher initialized", "brokers", brokers, "topic", topic)
	return NewPublisherWithWriter(w, m, logger), nil
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(w MessageWriter, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	return &Publisher{writer: w, metrics: m, logger: logger}
}

// PublishSettlement writes one settlement event.
func (p *Publisher) PublishSettlement(ctx context.Context, rec payment.SettlementRecord) error {
	start := time.Now()

	value, err := json.Marshal(payment.NewSettlementEvent(rec, start))
	if err != nil {
		return fmt.Errorf("failed to marshal settlement event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.Receiver),
		Value: value,
		Time:  start,
		Headers: []kafka.Header{
			{Key: "transaction_hash", Value: []byte(rec.TransactionHash)},
		},
	})
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordPublish("kafka", status, metrics.Since(start))
	}
	if err != nil {
		return fmt.Errorf("failed to write settlement message: %w", err)
	}

	p.logger.DebugContext(ctx, "published settlement event", "hash", rec.TransactionHash, "merchant", rec.Receiver)
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
