// Benchmark tool for measuring Harrier's batch recalculation.
//
// Usage:
//
//	go run cmd/benchmark/main.go -clients 5000 -url http://localhost:8080
//	go run cmd/benchmark/main.go -csv /path/to/portfolio.csv
//
// This tool:
//  1. Loads a portfolio export (or generates a synthetic one)
//  2. Uploads every client snapshot to Harrier
//  3. Starts a batch recalculation and polls its progress
//  4. Reports upload latency, recalculation throughput and the tier distribution
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const scopeHeader = "X-Portfolio-Scope"

// Client is the subset of a client snapshot the API accepts.
type Client struct {
	ID                      string     `json:"id"`
	LateDays                float64    `json:"lateDays"`
	Outstanding             float64    `json:"outstanding"`
	OutstandingAtRisk       float64    `json:"outstandingAtRisk"`
	ParPerLoan              float64    `json:"parPerLoan"`
	CountReschedule         float64    `json:"countReschedule"`
	PaidInstalments         float64    `json:"paidInstalments"`
	TotalDelayedInstalments float64    `json:"totalDelayedInstalments"`
	LastVisitDate           *time.Time `json:"lastVisitDate,omitempty"`
	LastPhoneCallDate       *time.Time `json:"lastPhoneCallDate,omitempty"`
	FeedbackScore           float64    `json:"feedbackScore,omitempty"`
}

// RecalcStatus mirrors GET /recalculate/status.
type RecalcStatus struct {
	IsRunning   bool   `json:"isRunning"`
	Progress    int    `json:"progress"`
	Total       int    `json:"total"`
	CurrentStep string `json:"currentStep"`
	Failed      int    `json:"failed"`
}

// Metrics tracks benchmark results
type Metrics struct {
	Uploaded       int64
	UploadErrors   int64
	UploadTimeMs   int64
	UploadDuration time.Duration

	RecalcDuration time.Duration
	Final          RecalcStatus
	Tiers          map[string]int
}

func main() {
	csvPath := flag.String("csv", "", "Path to a portfolio CSV export (optional)")
	numClients := flag.Int("clients", 1000, "Synthetic clients to generate when no CSV is given")
	baseURL := flag.String("url", "http://localhost:8080", "Harrier base URL")
	scope := flag.String("scope", "benchmark", "Portfolio scope for requests")
	workers := flag.Int("workers", 10, "Number of concurrent uploaders")
	seed := flag.Uint64("seed", 1, "Seed for synthetic data")
	verbose := flag.Bool("verbose", false, "Print each upload result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          HARRIER BENCHMARK - Batch Recalculation              ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nHarrier URL: %s\n", *baseURL)
	fmt.Printf("Scope:       %s\n", *scope)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Harrier not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Harrier is running:")
		fmt.Println("  go run ./cmd/harrier")
		os.Exit(1)
	}
	fmt.Println("✓ Harrier is healthy")

	var clients []Client
	if *csvPath != "" {
		var err error
		clients, err = readClientsCSV(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Loaded %d clients from %s\n", len(clients), *csvPath)
	} else {
		clients = generateClients(*numClients, *seed, time.Now().UTC())
		fmt.Printf("✓ Generated %d synthetic clients\n", len(clients))
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	fmt.Printf("\nUploading with %d workers...\n", *workers)
	metrics := uploadClients(httpClient, clients, *baseURL, *scope, *workers, *verbose)

	fmt.Println("\nRunning batch recalculation...")
	if err := runRecalculation(httpClient, *baseURL, *scope, metrics); err != nil {
		fmt.Printf("ERROR: recalculation failed: %v\n", err)
		os.Exit(1)
	}

	tiers, err := tierDistribution(httpClient, *baseURL, *scope)
	if err != nil {
		fmt.Printf("WARNING: could not load tier distribution: %v\n", err)
	}
	metrics.Tiers = tiers

	printResults(metrics)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readClientsCSV reads a header row naming the Client JSON fields, in any order.
func readClientsCSV(path string) ([]Client, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex["id"]; !ok {
		return nil, fmt.Errorf("missing id column")
	}

	num := func(record []string, col string) float64 {
		i, ok := colIndex[strings.ToLower(col)]
		if !ok || i >= len(record) {
			return 0
		}
		v, _ := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
		return v
	}
	date := func(record []string, col string) *time.Time {
		i, ok := colIndex[strings.ToLower(col)]
		if !ok || i >= len(record) || record[i] == "" {
			return nil
		}
		t, err := time.Parse("2006-01-02", strings.TrimSpace(record[i]))
		if err != nil {
			return nil
		}
		return &t
	}

	var clients []Client
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		clients = append(clients, Client{
			ID:                      record[colIndex["id"]],
			LateDays:                num(record, "lateDays"),
			Outstanding:             num(record, "outstanding"),
			OutstandingAtRisk:       num(record, "outstandingAtRisk"),
			ParPerLoan:              num(record, "parPerLoan"),
			CountReschedule:         num(record, "countReschedule"),
			PaidInstalments:         num(record, "paidInstalments"),
			TotalDelayedInstalments: num(record, "totalDelayedInstalments"),
			LastVisitDate:           date(record, "lastVisitDate"),
			LastPhoneCallDate:       date(record, "lastPhoneCallDate"),
			FeedbackScore:           num(record, "feedbackScore"),
		})
	}

	return clients, nil
}

// generateClients builds a portfolio where most clients are current and a
// tail is badly in arrears.
func generateClients(n int, seed uint64, now time.Time) []Client {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	clients := make([]Client, n)

	for i := range clients {
		outstanding := 200 + rng.Float64()*4800
		c := Client{
			ID:              fmt.Sprintf("bench-%06d", i),
			Outstanding:     outstanding,
			PaidInstalments: float64(rng.IntN(24)),
			FeedbackScore:   float64(1 + rng.IntN(5)),
		}

		if rng.Float64() < 0.3 {
			c.LateDays = float64(rng.IntN(180))
			c.OutstandingAtRisk = outstanding * rng.Float64()
			c.ParPerLoan = rng.Float64()
			c.CountReschedule = float64(rng.IntN(4))
			c.TotalDelayedInstalments = float64(rng.IntN(8))
		}

		if rng.Float64() < 0.8 {
			visit := now.AddDate(0, 0, -rng.IntN(120))
			c.LastVisitDate = &visit
		}
		if rng.Float64() < 0.5 {
			call := now.AddDate(0, 0, -rng.IntN(60))
			c.LastPhoneCallDate = &call
		}

		clients[i] = c
	}

	return clients
}

func uploadClients(httpClient *http.Client, clients []Client, baseURL, scope string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}
	start := time.Now()

	work := make(chan Client, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				reqStart := time.Now()
				err := putClient(httpClient, baseURL, scope, c)
				atomic.AddInt64(&metrics.UploadTimeMs, time.Since(reqStart).Milliseconds())

				if err != nil {
					atomic.AddInt64(&metrics.UploadErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", c.ID, err)
					}
					continue
				}
				atomic.AddInt64(&metrics.Uploaded, 1)
				if verbose {
					fmt.Printf("✓ %s\n", c.ID)
				}
			}
		}()
	}

	for _, c := range clients {
		work <- c
	}
	close(work)
	wg.Wait()

	metrics.UploadDuration = time.Since(start)
	return metrics
}

func putClient(httpClient *http.Client, baseURL, scope string, c Client) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPut, baseURL+"/clients/"+c.ID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(scopeHeader, scope)

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func runRecalculation(httpClient *http.Client, baseURL, scope string, metrics *Metrics) error {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/recalculate", nil)
	if err != nil {
		return err
	}
	req.Header.Set(scopeHeader, scope)

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("start returned status %d", resp.StatusCode)
	}

	lastPct := -1
	for {
		time.Sleep(250 * time.Millisecond)

		var status RecalcStatus
		if err := getJSON(httpClient, baseURL+"/recalculate/status", scope, &status); err != nil {
			return err
		}

		if status.Total > 0 {
			pct := status.Progress * 100 / status.Total
			if pct/10 != lastPct/10 {
				fmt.Printf("   %3d%%  %d/%d  %s\n", pct, status.Progress, status.Total, status.CurrentStep)
				lastPct = pct
			}
		}

		if !status.IsRunning {
			metrics.RecalcDuration = time.Since(start)
			metrics.Final = status
			return nil
		}
	}
}

func tierDistribution(httpClient *http.Client, baseURL, scope string) (map[string]int, error) {
	var list struct {
		Clients []struct {
			Assessment *struct {
				Tier string `json:"tier"`
			} `json:"assessment"`
		} `json:"clients"`
	}
	if err := getJSON(httpClient, baseURL+"/clients", scope, &list); err != nil {
		return nil, err
	}

	tiers := make(map[string]int)
	for _, c := range list.Clients {
		if c.Assessment != nil {
			tiers[c.Assessment.Tier]++
		}
	}
	return tiers, nil
}

func getJSON(httpClient *http.Client, url, scope string, v any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(scopeHeader, scope)

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func printResults(m *Metrics) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📤 UPLOAD\n")
	fmt.Printf("   Uploaded:         %d\n", m.Uploaded)
	fmt.Printf("   Errors:           %d\n", m.UploadErrors)
	fmt.Printf("   Duration:         %v\n", m.UploadDuration.Round(time.Millisecond))
	if total := m.Uploaded + m.UploadErrors; total > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.UploadTimeMs)/float64(total))
		fmt.Printf("   Throughput:       %.2f clients/sec\n", float64(total)/m.UploadDuration.Seconds())
	}

	fmt.Printf("\n⏱️  RECALCULATION\n")
	fmt.Printf("   Final Step:       %s\n", m.Final.CurrentStep)
	fmt.Printf("   Rescored:         %d / %d\n", m.Final.Progress, m.Final.Total)
	fmt.Printf("   Failed:           %d\n", m.Final.Failed)
	fmt.Printf("   Duration:         %v\n", m.RecalcDuration.Round(time.Millisecond))
	if m.Final.Progress > 0 && m.RecalcDuration > 0 {
		fmt.Printf("   Throughput:       %.2f clients/sec\n", float64(m.Final.Progress)/m.RecalcDuration.Seconds())
	}

	if len(m.Tiers) > 0 {
		fmt.Printf("\n📊 URGENCY TIERS\n")
		names := make([]string, 0, len(m.Tiers))
		total := 0
		for name, n := range m.Tiers {
			names = append(names, name)
			total += n
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("   %-18s %6d (%.1f%%)\n", name, m.Tiers[name], 100*float64(m.Tiers[name])/float64(total))
		}
	}

	fmt.Println()
}
