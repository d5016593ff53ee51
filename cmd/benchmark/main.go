package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/paystream/internal/api"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	secret      string
	clients     int
)

// Metrics
var (
	totalRequests uint64
	accepted200   uint64
	duplicate409  uint64
	limited429    uint64
	failOther     uint64
)

const totalUsers = 1000

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | replay | hotspot")
	flag.StringVar(&secret, "secret", os.Getenv("HMAC_SECRET"), "HMAC secret shared with the API")
	flag.IntVar(&clients, "clients", 50, "Distinct X-Client-Id values")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, int64(i))
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, seed int64) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + seed))

	for time.Since(start) < duration {
		sender, receiver := generateParties(rng)
		amount := decimal.New(int64(rng.Intn(500000)+1), -2)

		payload := map[string]string{
			"senderUpi":   sender,
			"receiverUpi": receiver,
			"amount":      amount.StringFixed(2),
		}
		body, _ := json.Marshal(payload)
		key := idempotencyKey(rng)

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/pay", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		req.Header.Set("X-Client-Id", clientID(rng))
		if secret != "" {
			req.Header.Set("X-HMAC", api.Sign(secret, body, key))
		}

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusOK:
			atomic.AddUint64(&accepted200, 1)
		case http.StatusConflict:
			atomic.AddUint64(&duplicate409, 1)
		case http.StatusTooManyRequests:
			atomic.AddUint64(&limited429, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// idempotencyKey returns a fresh key, except under the replay workload where keys
// come from a small pool so most requests collide.
func idempotencyKey(rng *rand.Rand) string {
	if workload == "replay" {
		return fmt.Sprintf("bench-replay-%d", rng.Intn(100))
	}
	return "bench-" + uuid.NewString()
}

// clientID spreads load over many clients, or pins 90% of it on one under hotspot.
func clientID(rng *rand.Rand) string {
	if workload == "hotspot" && rng.Float32() < 0.90 {
		return "bench-client-hot"
	}
	return fmt.Sprintf("bench-client-%d", rng.Intn(clients))
}

func generateParties(rng *rand.Rand) (string, string) {
	a := rng.Intn(totalUsers) + 1
	b := rng.Intn(totalUsers) + 1
	for a == b {
		b = rng.Intn(totalUsers) + 1
	}
	return fmt.Sprintf("user%d@bench", a), fmt.Sprintf("user%d@bench", b)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	ok := atomic.LoadUint64(&accepted200)
	dup := atomic.LoadUint64(&duplicate409)
	limited := atomic.LoadUint64(&limited429)
	fErr := atomic.LoadUint64(&failOther)

	var dupRate, limitRate float64
	if total > 0 {
		dupRate = float64(dup) / float64(total) * 100
		limitRate = float64(limited) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":           workload,
		"duration_sec":       d.Seconds(),
		"total_requests":     total,
		"throughput_tps":     float64(total) / d.Seconds(),
		"accepted":           ok,
		"duplicates":         dup,
		"duplicate_rate_pct": dupRate,
		"rate_limited":       limited,
		"rate_limit_pct":     limitRate,
		"errors":             fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
