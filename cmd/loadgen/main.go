// Command loadgen publishes synthetic IngestMessage envelopes directly
// to Kafka for local load testing, mirroring the reference
// implementation's cmd/producer.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adityanageshsir/dispatchd/internal/domain"
	"github.com/adityanageshsir/dispatchd/internal/ingest"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	count := flag.Int("count", 100000, "number of ingest messages to produce")
	eventType := flag.String("type", domain.EventSMSSent, "event type to stamp on every generated message")
	numTenants := flag.Int("tenants", 100, "number of synthetic tenants to distribute load across")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("received shutdown signal")
		cancel()
	}()

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if len(brokers) == 0 || brokers[0] == "" {
		brokers = []string{"localhost:9092"}
	}
	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "sms.lifecycle"
	}

	logger.Info("starting load generator", "brokers", brokers, "topic", topic, "count", *count, "event_type", *eventType, "tenants", *numTenants)

	producer := ingest.NewLoadTestProducer(brokers, topic, logger)
	defer func() { _ = producer.Close() }()

	start := time.Now()
	if err := producer.ProduceEvents(ctx, *count, *eventType, *numTenants); err != nil {
		logger.Error("failed to produce ingest messages", "error", err)
		os.Exit(1)
	}

	duration := time.Since(start)
	rate := float64(*count) / duration.Seconds()
	logger.Info("load generation complete", "messages", *count, "duration", duration, "rate", rate)
}
