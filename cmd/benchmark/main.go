package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/loanpay/internal/models"
	"github.com/punchamoorthee/loanpay/internal/webhook"
)

// Config holds the benchmark settings
var (
	targetURL    string
	secret       string
	concurrency  int
	duration     time.Duration
	workload     string
	transactions int
)

// Metrics
var (
	totalRequests uint64
	applied       uint64 // 200, success true
	refused       uint64 // 200, success false
	unauthorized  uint64
	failServer    uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&secret, "secret", os.Getenv("GATEWAY_WEBHOOK_SECRET"), "Webhook signing secret")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | replay")
	flag.IntVar(&transactions, "transactions", 1000, "Seeded BENCH- transactions to target")
}

func main() {
	flag.Parse()
	if secret == "" {
		log.Fatal("a webhook secret is required (-secret or GATEWAY_WEBHOOK_SECRET)")
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for range concurrency {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		body, _ := json.Marshal(nextEvent())

		req, _ := http.NewRequest("POST", targetURL+"/webhooks/gateway", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte(secret), body))

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusOK:
			var ack models.WebhookAck
			json.NewDecoder(resp.Body).Decode(&ack)
			if ack.Success {
				atomic.AddUint64(&applied, 1)
			} else {
				atomic.AddUint64(&refused, 1)
			}
		case http.StatusUnauthorized:
			atomic.AddUint64(&unauthorized, 1)
		case http.StatusInternalServerError:
			atomic.AddUint64(&failServer, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// nextEvent picks a seeded transaction and a lifecycle event for it. The
// replay workload sends 90% of its traffic to one transaction, which
// exercises duplicate suppression.
func nextEvent() models.WebhookPayload {
	n := rand.IntN(transactions) + 1
	if workload == "replay" && rand.Float32() < 0.90 {
		n = 1
	}

	eventType := webhook.PayoutProcessing
	if rand.Float32() < 0.5 {
		eventType = webhook.PayoutCompleted
	}
	amount := decimal.NewFromInt(1500)
	return models.WebhookPayload{
		EventType:     eventType,
		TransactionID: fmt.Sprintf("gw-bench-%05d", n),
		Reference:     fmt.Sprintf("BENCH-%05d", n),
		Amount:        &amount,
		Currency:      "KES",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Data:          json.RawMessage(fmt.Sprintf(`{"loan_id":"L-%05d"}`, n)),
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	ok := atomic.LoadUint64(&applied)
	ref := atomic.LoadUint64(&refused)
	u401 := atomic.LoadUint64(&unauthorized)
	f500 := atomic.LoadUint64(&failServer)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var errorRate float64
	if total > 0 {
		errorRate = float64(f500) / float64(total) * 100
	}

	results := map[string]any{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": tps,
		"applied":        ok,
		"refused":        ref,
		"unauthorized":   u401,
		"server_errors":  f500,
		"error_rate_pct": errorRate,
		"errors":         fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_webhook_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
