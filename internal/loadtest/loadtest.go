// Package loadtest drives concurrent create-and-burn cycles against a
// running safemonk server, grounded on the same worker-pool-plus-QPS-ticker
// idiom the gateway's own load test tool used for its range/multipart
// benchmarks, and tracks throughput/latency regressions against a baseline
// file across runs.
package loadtest

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdotk/safemonk/internal/crypto"
)

// Config parameterizes a create-and-burn load test run.
type Config struct {
	BaseURL             string
	NumWorkers          int
	Duration            time.Duration
	QPS                 int // per worker
	SecretSize          int64
	BaselineFile        string
	RegressionThreshold float64 // percent
}

// Results summarizes one load test run's latency and error characteristics.
type Results struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	TotalBytes         int64         `json:"total_bytes"`
	Duration           time.Duration `json:"duration_ns"`
	P50Latency         time.Duration `json:"p50_latency_ns"`
	P95Latency         time.Duration `json:"p95_latency_ns"`
	P99Latency         time.Duration `json:"p99_latency_ns"`
	ThroughputPerSec   float64       `json:"throughput_per_sec"`
	ErrorRate          float64       `json:"error_rate"`
}

// Run spins up cfg.NumWorkers goroutines, each creating a note, fetching its
// metadata, then burning it via the view endpoint, at up to cfg.QPS
// iterations per second, for cfg.Duration. It returns aggregate latency and
// error statistics.
func Run(cfg Config, logger *logrus.Logger) (*Results, error) {
	if cfg.NumWorkers <= 0 {
		return nil, fmt.Errorf("num workers must be positive")
	}

	var (
		total, success, failed, bytesSent int64
		mu                                sync.Mutex
		latencies                         []time.Duration
	)

	client := &http.Client{Timeout: 10 * time.Second}
	stop := time.After(cfg.Duration)
	var wg sync.WaitGroup

	for w := 0; w < cfg.NumWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			var interval time.Duration
			if cfg.QPS > 0 {
				interval = time.Second / time.Duration(cfg.QPS)
			}
			var ticker *time.Ticker
			if interval > 0 {
				ticker = time.NewTicker(interval)
				defer ticker.Stop()
			}

			for {
				select {
				case <-stop:
					return
				default:
				}
				if ticker != nil {
					select {
					case <-stop:
						return
					case <-ticker.C:
					}
				}

				start := time.Now()
				n, err := runCycle(client, cfg.BaseURL, cfg.SecretSize)
				elapsed := time.Since(start)

				atomic.AddInt64(&total, 1)
				if err != nil {
					atomic.AddInt64(&failed, 1)
					logger.WithError(err).WithField("worker", workerID).Debug("cycle failed")
				} else {
					atomic.AddInt64(&success, 1)
					atomic.AddInt64(&bytesSent, n)
				}

				mu.Lock()
				latencies = append(latencies, elapsed)
				mu.Unlock()
			}
		}(w)
	}

	wg.Wait()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	r := &Results{
		TotalRequests:      total,
		SuccessfulRequests: success,
		FailedRequests:     failed,
		TotalBytes:         bytesSent,
		Duration:           cfg.Duration,
		P50Latency:         percentile(latencies, 0.50),
		P95Latency:         percentile(latencies, 0.95),
		P99Latency:         percentile(latencies, 0.99),
	}
	if cfg.Duration > 0 {
		r.ThroughputPerSec = float64(success) / cfg.Duration.Seconds()
	}
	if total > 0 {
		r.ErrorRate = float64(failed) / float64(total) * 100
	}
	return r, nil
}

// runCycle creates a note, reads back its metadata, then burns it, returning
// the ciphertext size sent on the wire.
func runCycle(client *http.Client, baseURL string, secretSize int64) (int64, error) {
	ciphertext := make([]byte, secretSize)
	if _, err := rand.Read(ciphertext); err != nil {
		return 0, err
	}
	iv := make([]byte, 12)
	if _, err := rand.Read(iv); err != nil {
		return 0, err
	}

	body, err := json.Marshal(map[string]any{
		"ciphertext":         crypto.EncodeToken(ciphertext),
		"iv":                 crypto.EncodeToken(iv),
		"expires_in_seconds": 300,
		"views":              1,
	})
	if err != nil {
		return 0, err
	}

	createResp, err := client.Post(baseURL+"/api/notes", "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("create failed: status %d", createResp.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		return 0, err
	}

	metaResp, err := client.Get(baseURL + "/api/notes/" + created.ID + "/meta")
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, metaResp.Body)
	metaResp.Body.Close()
	if metaResp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("meta fetch failed: status %d", metaResp.StatusCode)
	}

	burnResp, err := client.Post(baseURL+"/api/notes/"+created.ID+"/fetch", "application/json", nil)
	if err != nil {
		return 0, err
	}
	defer burnResp.Body.Close()
	if burnResp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("burn failed: status %d", burnResp.StatusCode)
	}

	return int64(len(ciphertext)), nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// PrintResults writes a human-readable summary of r to stdout.
func PrintResults(r *Results) {
	fmt.Printf("Total requests:    %d\n", r.TotalRequests)
	fmt.Printf("Successful:        %d\n", r.SuccessfulRequests)
	fmt.Printf("Failed:            %d\n", r.FailedRequests)
	fmt.Printf("Error rate:        %.2f%%\n", r.ErrorRate)
	fmt.Printf("Throughput:        %.1f cycles/sec\n", r.ThroughputPerSec)
	fmt.Printf("Bytes sent:        %d\n", r.TotalBytes)
	fmt.Printf("Latency p50/p95/p99: %v / %v / %v\n", r.P50Latency, r.P95Latency, r.P99Latency)
}

// RegressionResult compares a current run against a stored baseline.
type RegressionResult struct {
	BaselineP95            time.Duration `json:"baseline_p95_ns"`
	CurrentP95             time.Duration `json:"current_p95_ns"`
	PercentChange          float64       `json:"percent_change"`
	SignificantRegression  bool          `json:"significant_regression"`
	RegressionThresholdPct float64       `json:"regression_threshold_pct"`
}

// AnalyzeRegression loads baselineFile and compares r's p95 latency against
// it. It returns an *os.PathError satisfying os.IsNotExist when no baseline
// exists yet, so callers can prompt for --update-baseline instead of
// treating a first run as a failure.
func AnalyzeRegression(r *Results, baselineFile string, thresholdPct float64) (*RegressionResult, error) {
	data, err := os.ReadFile(baselineFile)
	if err != nil {
		return nil, err
	}
	var baseline Results
	if err := json.Unmarshal(data, &baseline); err != nil {
		return nil, fmt.Errorf("failed to parse baseline: %w", err)
	}

	var pctChange float64
	if baseline.P95Latency > 0 {
		pctChange = (float64(r.P95Latency) - float64(baseline.P95Latency)) / float64(baseline.P95Latency) * 100
	}

	return &RegressionResult{
		BaselineP95:            baseline.P95Latency,
		CurrentP95:             r.P95Latency,
		PercentChange:          pctChange,
		SignificantRegression:  pctChange > thresholdPct,
		RegressionThresholdPct: thresholdPct,
	}, nil
}

// PrintRegressionResult writes a human-readable summary of rr to stdout.
func PrintRegressionResult(rr *RegressionResult) {
	fmt.Printf("Baseline p95: %v, current p95: %v (%.1f%% change, threshold %.1f%%)\n",
		rr.BaselineP95, rr.CurrentP95, rr.PercentChange, rr.RegressionThresholdPct)
	if rr.SignificantRegression {
		fmt.Println("⚠️  Significant regression detected")
	}
}

// WriteBaseline persists r as the new baseline at baselineFile.
func WriteBaseline(r *Results, baselineFile string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(baselineFile, data, 0644)
}

// QueryPrometheusMetrics runs an instant query against a Prometheus HTTP API
// for each of a small fixed set of safemonk metrics, evaluated at end,
// returning each query's first sample value. start is not used.
func QueryPrometheusMetrics(prometheusURL string, start, end time.Time) (map[string]float64, error) {
	queries := map[string]string{
		"notes_created_total":   `sum(notes_created_total)`,
		"burn_fetch_total":      `sum(burn_fetch_total)`,
		"rate_limit_rejections": `sum(rate_limit_rejections_total)`,
		"http_request_p95_ms":   `histogram_quantile(0.95, sum(rate(http_request_duration_seconds_bucket[5m])) by (le)) * 1000`,
	}

	client := &http.Client{Timeout: 10 * time.Second}
	results := make(map[string]float64, len(queries))

	for name, query := range queries {
		u := fmt.Sprintf("%s/api/v1/query?query=%s&time=%d", prometheusURL, url.QueryEscape(query), end.Unix())
		resp, err := client.Get(u)
		if err != nil {
			return nil, fmt.Errorf("query %s failed: %w", name, err)
		}
		val, err := parseInstantQueryValue(resp)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", name, err)
		}
		results[name] = val
	}

	return results, nil
}

func parseInstantQueryValue(resp *http.Response) (float64, error) {
	var payload struct {
		Data struct {
			Result []struct {
				Value [2]any `json:"value"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, err
	}
	if len(payload.Data.Result) == 0 {
		return 0, nil
	}
	s, ok := payload.Data.Result[0].Value[1].(string)
	if !ok {
		return 0, fmt.Errorf("unexpected value type in Prometheus response")
	}
	return strconv.ParseFloat(s, 64)
}
