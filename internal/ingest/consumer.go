// Package ingest is the Kafka ingestion transport that feeds the Event
// Router from an external SMS-provider adapter's topic. Grounded on the
// reference implementation's internal/kafka/consumer.go, stripped of its
// batch-processing success/retry/failure triage (Router.Emit itself
// decides nothing needs a retry bucket — it either persists or it
// doesn't) and rewired to commit per-message only after Emit's Outbox
// insert succeeds.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/adityanageshsir/dispatchd/internal/domain"
)

// IngestMessage is the wire envelope an external SMS-provider adapter
// publishes for one lifecycle event.
type IngestMessage struct {
	TenantID      string          `json:"tenant_id"`
	EventType     string          `json:"event_type"`
	SourceEventID *string         `json:"source_event_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventRouter is the narrow surface the consumer needs from
// router.Router.
type EventRouter interface {
	Emit(ctx context.Context, tenant, eventType string, sourceEventID *string, payload []byte) error
}

type ConsumerConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	BatchTimeout time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchTimeout: 100 * time.Millisecond,
	}
}

// Consumer reads IngestMessage envelopes from Kafka and calls
// EventRouter.Emit once per message, committing the offset only after
// Emit's Outbox insert has succeeded — at-least-once; a redelivered
// message simply re-runs Emit; Non-goals rules out exactly-once.
type Consumer struct {
	config ConsumerConfig
	reader *kafka.Reader
	router EventRouter
	logger *slog.Logger

	wg       sync.WaitGroup
	shutdown chan struct{}
}

func NewConsumer(config ConsumerConfig, router EventRouter, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        config.BatchTimeout,
		CommitInterval: 0,
		StartOffset:    kafka.LastOffset,
		GroupBalancers: []kafka.GroupBalancer{
			kafka.RangeGroupBalancer{},
			kafka.RoundRobinGroupBalancer{},
		},
	})
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{config: config, reader: reader, router: router, logger: logger, shutdown: make(chan struct{})}
}

func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("ingest consumer started", "topic", c.config.Topic, "group", c.config.GroupID)
}

func (c *Consumer) Stop() {
	close(c.shutdown)
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.logger.Error("failed to close kafka reader", "error", err)
	}
	c.logger.Info("ingest consumer stopped")
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				continue
			}
			c.logger.Error("fetch message failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	if c.process(ctx, msg.Value, msg.Partition, msg.Offset) {
		c.commit(ctx, msg)
	}
}

// process decodes and emits one message, returning whether the offset
// should be committed. It touches only the router, never the Kafka
// reader, so it is exercised directly in tests without a live broker.
func (c *Consumer) process(ctx context.Context, value []byte, partition int, offset int64) bool {
	var ingestMsg IngestMessage
	if err := json.Unmarshal(value, &ingestMsg); err != nil {
		c.logger.Error("malformed ingest message, committing to avoid blocking the partition",
			"error", err, "partition", partition, "offset", offset)
		return true
	}
	if ingestMsg.TenantID == "" || !domain.IsValidEventType(ingestMsg.EventType) {
		c.logger.Error("invalid ingest message, committing to avoid blocking the partition",
			"tenant_id", ingestMsg.TenantID, "event_type", ingestMsg.EventType)
		return true
	}

	if err := c.router.Emit(ctx, ingestMsg.TenantID, ingestMsg.EventType, ingestMsg.SourceEventID, ingestMsg.Payload); err != nil {
		c.logger.Error("emit failed, leaving offset uncommitted for redelivery",
			"error", err, "tenant_id", ingestMsg.TenantID, "event_type", ingestMsg.EventType)
		return false
	}
	return true
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	commitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
		c.logger.Error("commit failed", "error", err, "partition", msg.Partition, "offset", msg.Offset)
	}
}

func (c *Consumer) Stats() kafka.ReaderStats {
	return c.reader.Stats()
}
