package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer publishes IngestMessage envelopes to Kafka on behalf of an
// external SMS-provider adapter. Grounded on the reference
// implementation's internal/kafka/producer.go.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "sms.lifecycle",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewProducer(config ProducerConfig, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        config.Topic,
			Balancer:     &kafka.RoundRobin{},
			BatchSize:    config.BatchSize,
			BatchTimeout: config.BatchTimeout,
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Snappy,
		},
		logger: logger,
	}
}

func (p *Producer) Publish(ctx context.Context, msg IngestMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal ingest message: %w", err)
	}
	key := msg.TenantID
	if msg.SourceEventID != nil {
		key = key + ":" + *msg.SourceEventID
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// LoadTestProducer generates synthetic ingestion traffic for local load
// testing, mirroring the reference implementation's load-test producer.
type LoadTestProducer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewLoadTestProducer(brokers []string, topic string, logger *slog.Logger) *LoadTestProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoadTestProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.RoundRobin{},
			BatchSize:    500,
			BatchTimeout: 5 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			Compression:  kafka.Snappy,
		},
		logger: logger,
	}
}

// ProduceEvents publishes count synthetic events of one event type,
// distributed across numTenants synthetic tenants so the
// load test exercises subscription fanout across several registries.
func (p *LoadTestProducer) ProduceEvents(ctx context.Context, count int, eventType string, numTenants int) error {
	messages := make([]kafka.Message, 0, 1000)

	for i := 0; i < count; i++ {
		tenant := fmt.Sprintf("loadtest-tenant-%d", i%numTenants)
		sourceID := fmt.Sprintf("evt_loadtest_%d_%d", time.Now().UnixNano(), i)
		msg := IngestMessage{
			TenantID:      tenant,
			EventType:     eventType,
			SourceEventID: &sourceID,
			Payload:       json.RawMessage(fmt.Sprintf(`{"test":true,"index":%d}`, i)),
		}
		value, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message %d: %w", i, err)
		}
		messages = append(messages, kafka.Message{Key: []byte(sourceID), Value: value})

		if len(messages) >= 1000 {
			if err := p.writer.WriteMessages(ctx, messages...); err != nil {
				return fmt.Errorf("write batch: %w", err)
			}
			messages = messages[:0]
			if i%10000 == 0 {
				p.logger.Info("produced ingest messages", "count", i)
			}
		}
	}

	if len(messages) > 0 {
		if err := p.writer.WriteMessages(ctx, messages...); err != nil {
			return fmt.Errorf("write final batch: %w", err)
		}
	}
	p.logger.Info("finished producing ingest messages", "total", count)
	return nil
}

func (p *LoadTestProducer) Close() error {
	return p.writer.Close()
}
