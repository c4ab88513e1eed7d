// Benchmark script for measuring real end-to-end throughput: create N
// webhooks against the Admin API, publish an event per webhook straight
// onto the ingest topic, then poll each webhook's stats until delivery
// settles or the wait budget runs out.
// Usage: go run ./scripts/benchmark -webhooks 1000 -events 1
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adityanageshsir/dispatchd/internal/ingest"
)

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Name   string   `json:"name"`
	Events []string `json:"events"`
}

func main() {
	numWebhooks := flag.Int("webhooks", 1000, "Number of webhook subscriptions")
	eventsPerWebhook := flag.Int("events", 1, "Events published per webhook's tenant")
	apiURL := flag.String("api", "http://localhost:8080", "Admin API URL")
	tenant := flag.String("tenant", "bench-tenant", "Bearer token / tenant id used for every request")
	receiverURL := flag.String("receiver", "http://receiver:9999/webhook", "Webhook receiver URL")
	brokers := flag.String("brokers", "localhost:9092", "comma-separated Kafka broker list")
	topic := flag.String("topic", "sms.lifecycle", "ingest topic to publish benchmark events to")
	concurrency := flag.Int("concurrency", 100, "Concurrent HTTP requests")
	waitTime := flag.Int("wait", 30, "Seconds to wait for delivery")
	flag.Parse()

	totalEvents := *numWebhooks * *eventsPerWebhook

	fmt.Println("==============================================")
	fmt.Println("  Webhook Delivery Throughput Benchmark")
	fmt.Println("==============================================")
	fmt.Printf("  Webhooks: %d\n", *numWebhooks)
	fmt.Printf("  Events per webhook: %d\n", *eventsPerWebhook)
	fmt.Printf("  Total events: %d\n", totalEvents)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Println("==============================================")
	fmt.Println()

	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        *concurrency * 2,
			MaxIdleConnsPerHost: *concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	fmt.Print("[1/4] Checking API health... ")
	resp, err := client.Get(*apiURL + "/health")
	if err != nil {
		log.Fatalf("API not reachable: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		log.Fatalf("API unhealthy: %d", resp.StatusCode)
	}
	fmt.Println("OK")

	fmt.Printf("[2/4] Creating %d webhooks... ", *numWebhooks)
	subStart := time.Now()
	ids := createWebhooks(client, *apiURL, *tenant, *receiverURL, *numWebhooks, *concurrency)
	subDuration := time.Since(subStart)
	fmt.Printf("done (%.2fs, %.0f/s)\n", subDuration.Seconds(), float64(*numWebhooks)/subDuration.Seconds())

	fmt.Printf("[3/4] Publishing %d ingest events... ", totalEvents)
	eventStart := time.Now()
	successCount, failCount := publishEvents(*brokers, *topic, *tenant, *numWebhooks, *eventsPerWebhook)
	eventDuration := time.Since(eventStart)
	ingestRate := float64(successCount) / eventDuration.Seconds()
	fmt.Printf("done (%.2fs, %.0f events/s)\n", eventDuration.Seconds(), ingestRate)
	if failCount > 0 {
		fmt.Printf("  WARNING: %d events failed to publish\n", failCount)
	}

	fmt.Printf("[4/4] Waiting %ds for delivery...\n", *waitTime)
	time.Sleep(time.Duration(*waitTime) * time.Second)

	totalCalls, successCalls := pollStats(client, *apiURL, *tenant, ids, *concurrency)

	endTime := time.Now()
	totalDuration := endTime.Sub(subStart)

	fmt.Println()
	fmt.Println("==============================================")
	fmt.Println("  BENCHMARK RESULTS")
	fmt.Println("==============================================")
	fmt.Println()
	fmt.Println("  Ingestion (producer -> Kafka):")
	fmt.Printf("    Events published: %d\n", successCount)
	fmt.Printf("    Duration: %.2fs\n", eventDuration.Seconds())
	fmt.Printf("    Throughput: %.0f events/s\n", ingestRate)
	fmt.Println()
	fmt.Println("  Delivery (outbox -> receiver):")
	fmt.Printf("    Delivery attempts observed: %d\n", totalCalls)
	fmt.Printf("    Successful deliveries: %d\n", successCalls)
	fmt.Println()
	fmt.Println("  End-to-end:")
	fmt.Printf("    Total duration: %.2fs\n", totalDuration.Seconds())
	fmt.Printf("    Throughput: %.0f events/s\n", float64(successCount)/totalDuration.Seconds())
	fmt.Println()
	fmt.Println("==============================================")
}

func createWebhooks(client *http.Client, apiURL, tenant, receiverURL string, numWebhooks, concurrency int) []string {
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	ids := make([]string, numWebhooks)

	for i := 0; i < numWebhooks; i++ {
		wg.Add(1)
		sem <- struct{}{}

		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			webhook := createWebhookRequest{
				URL:    receiverURL,
				Name:   fmt.Sprintf("bench-webhook-%d", idx),
				Events: []string{"sms.delivered"},
			}

			body, _ := json.Marshal(webhook)
			req, _ := http.NewRequest("POST", apiURL+"/webhooks", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+tenant)

			resp, err := client.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			var decoded struct {
				Data struct {
					ID string `json:"id"`
				} `json:"data"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&decoded); err == nil {
				ids[idx] = decoded.Data.ID
			}
			io.Copy(io.Discard, resp.Body)
		}(i)
	}

	wg.Wait()
	return ids
}

func publishEvents(brokers, topic, tenant string, numWebhooks, eventsPerWebhook int) (int64, int64) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	producer := ingest.NewProducer(ingest.ProducerConfig{Brokers: strings.Split(brokers, ","), Topic: topic}, logger)
	defer producer.Close()

	var successCount, failCount int64
	var wg sync.WaitGroup

	for subIdx := 0; subIdx < numWebhooks; subIdx++ {
		for evtIdx := 0; evtIdx < eventsPerWebhook; evtIdx++ {
			wg.Add(1)
			go func(s, e int) {
				defer wg.Done()

				msg := ingest.IngestMessage{
					TenantID:  tenant,
					EventType: "sms.delivered",
					Payload:   json.RawMessage(fmt.Sprintf(`{"message_id":"bench-%d-%d"}`, s, e)),
				}

				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				if err := producer.Publish(ctx, msg); err != nil {
					atomic.AddInt64(&failCount, 1)
					return
				}
				atomic.AddInt64(&successCount, 1)
			}(subIdx, evtIdx)
		}
	}

	wg.Wait()
	return successCount, failCount
}

func pollStats(client *http.Client, apiURL, tenant string, ids []string, concurrency int) (int64, int64) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	var totalCalls, successCalls int64

	for _, id := range ids {
		if id == "" {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(webhookID string) {
			defer wg.Done()
			defer func() { <-sem }()

			req, _ := http.NewRequest("GET", apiURL+"/webhooks/"+webhookID+"/stats", nil)
			req.Header.Set("Authorization", "Bearer "+tenant)
			resp, err := client.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			var decoded struct {
				Data struct {
					TotalCalls   int64 `json:"total_calls"`
					SuccessCalls int64 `json:"success_calls"`
				} `json:"data"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&decoded); err == nil {
				atomic.AddInt64(&totalCalls, decoded.Data.TotalCalls)
				atomic.AddInt64(&successCalls, decoded.Data.SuccessCalls)
			}
		}(id)
	}

	wg.Wait()
	return totalCalls, successCalls
}
