package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payswitch/internal/models"
	"github.com/punchamoorthee/payswitch/internal/verifier"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	replayRate  float64
	keysPath    string
	outPath     string
)

var (
	totalRequests uint64
	replays       uint64
	httpErrors    uint64
	statusCounts  sync.Map // payment status -> *uint64
)

// keyFile matches what the seeder writes.
type keyFile struct {
	PrivateKeys map[string]string `json:"privateKeys"`
	VPAsPerBank int               `json:"vpasPerBank"`
}

type payer struct {
	code string
	key  ed25519.PrivateKey
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.Float64Var(&replayRate, "replay", 0.05, "Fraction of requests that resend an earlier dedupe key")
	flag.StringVar(&keysPath, "keys", "bank-keys.json", "Signing keys written by the seeder")
	flag.StringVar(&outPath, "out", "", "Also write the JSON results to this file")
}

func main() {
	flag.Parse()
	payers, perBank, err := loadKeys(keysPath)
	if err != nil {
		log.Fatalf("load keys: %v", err)
	}
	log.Printf("Starting Benchmark: banks=%d | Workers: %d | Duration: %s | Replay: %.2f", len(payers), concurrency, duration, replayRate)

	start := time.Now()
	var wg sync.WaitGroup
	latencies := make([][]time.Duration, concurrency)
	for i := range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			latencies[i] = worker(start, payers, perBank, rand.New(rand.NewSource(int64(i)+start.UnixNano())))
		}()
	}
	wg.Wait()

	var all []time.Duration
	for _, l := range latencies {
		all = append(all, l...)
	}
	printResults(time.Since(start), all)
}

func loadKeys(path string) ([]payer, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, 0, err
	}
	var out []payer
	for code, enc := range kf.PrivateKeys {
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil || len(key) != ed25519.PrivateKeySize {
			return nil, 0, fmt.Errorf("bad key for %s", code)
		}
		out = append(out, payer{code: code, key: ed25519.PrivateKey(key)})
	}
	if len(out) < 2 || kf.VPAsPerBank == 0 {
		return nil, 0, fmt.Errorf("need at least two banks with VPAs, got %d", len(out))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].code < out[j].code })
	return out, kf.VPAsPerBank, nil
}

func vpa(i int, code string) string {
	return fmt.Sprintf("user%05d@%s", i, strings.ToLower(code))
}

func worker(start time.Time, payers []payer, perBank int, rng *rand.Rand) []time.Duration {
	client := &http.Client{Timeout: 10 * time.Second}
	var sent []models.PaymentRequest
	var lat []time.Duration

	for time.Since(start) < duration {
		var req models.PaymentRequest
		if len(sent) > 0 && rng.Float64() < replayRate {
			req = sent[rng.Intn(len(sent))]
			atomic.AddUint64(&replays, 1)
		} else {
			from := payers[rng.Intn(len(payers))]
			to := payers[rng.Intn(len(payers))]
			req = models.PaymentRequest{
				DedupeKey: "bench-" + uuid.NewString(),
				PayerVPA:  vpa(rng.Intn(perBank), from.code),
				PayeeVPA:  vpa(rng.Intn(perBank), to.code),
				Amount:    int64(100 + rng.Intn(100_000)),
				Currency:  "INR",
			}
			if req.PayerVPA == req.PayeeVPA {
				continue
			}
			req.Signature = verifier.Sign(req, from.key)
			sent = append(sent, req)
		}

		body, _ := json.Marshal(req)
		httpReq, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/transactions", bytes.NewBuffer(body))
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", req.DedupeKey)

		t0 := time.Now()
		resp, err := client.Do(httpReq)
		if err != nil {
			atomic.AddUint64(&httpErrors, 1)
			continue
		}
		lat = append(lat, time.Since(t0))
		atomic.AddUint64(&totalRequests, 1)

		var pr models.PaymentResponse
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
			if err := json.NewDecoder(resp.Body).Decode(&pr); err == nil {
				count(pr.Status)
			}
		} else {
			count(fmt.Sprintf("HTTP_%d", resp.StatusCode))
		}
		resp.Body.Close()
	}
	return lat
}

func count(status string) {
	v, _ := statusCounts.LoadOrStore(status, new(uint64))
	atomic.AddUint64(v.(*uint64), 1)
}

func percentile(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return float64(sorted[idx].Microseconds()) / 1000
}

func printResults(d time.Duration, lat []time.Duration) {
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	total := atomic.LoadUint64(&totalRequests)

	statuses := map[string]uint64{}
	statusCounts.Range(func(k, v any) bool {
		statuses[k.(string)] = atomic.LoadUint64(v.(*uint64))
		return true
	})

	results := map[string]interface{}{
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": float64(total) / d.Seconds(),
		"replays":        atomic.LoadUint64(&replays),
		"errors":         atomic.LoadUint64(&httpErrors),
		"statuses":       statuses,
		"p50_ms":         percentile(lat, 0.50),
		"p95_ms":         percentile(lat, 0.95),
		"p99_ms":         percentile(lat, 0.99),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	if outPath != "" {
		raw, _ := json.MarshalIndent(results, "", "  ")
		if err := os.WriteFile(outPath, raw, 0o644); err != nil {
			log.Printf("write results: %v", err)
		}
	}
}
