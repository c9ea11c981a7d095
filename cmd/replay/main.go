// Replay tool for measuring the risk engine against labelled item histories.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/histories.csv -url http://localhost:5000
//
// The CSV has one row per history event:
//
//	item_id,stage,timestamp,location,actor,counterfeit
//
// Rows are grouped by item_id in file order. An item is counterfeit when any
// of its rows is labelled 1 or true. Empty stage or timestamp cells are sent
// as absent fields. Each item is posted to /api/analyze-risk and the flag is
// compared with the label.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/provenance/internal/domain"
)

// LabelledItem is one item history with its ground-truth label.
type LabelledItem struct {
	ID          string
	History     []domain.Event
	Counterfeit bool
}

// AnalyzeRequest is the /api/analyze-risk request format.
type AnalyzeRequest struct {
	ProductID      string         `json:"productId"`
	ProductHistory []domain.Event `json:"productHistory"`
}

// Metrics tracks replay results.
type Metrics struct {
	TruePositives  int64 // counterfeit and flagged
	FalsePositives int64 // genuine and flagged
	TrueNegatives  int64 // genuine and not flagged
	FalseNegatives int64 // counterfeit and missed

	TotalProcessed   int64
	TotalCounterfeit int64
	TotalGenuine     int64
	TotalErrors      int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled history CSV")
	baseURL := flag.String("url", "http://localhost:5000", "Provenance base URL")
	limit := flag.Int("limit", 0, "Maximum items to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	reset := flag.Bool("reset", false, "Clear analytics and flags before replaying")
	verbose := flag.Bool("verbose", false, "Print each item result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/histories.csv [-url http://localhost:5000]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("PROVENANCE REPLAY - labelled history evaluation")
	fmt.Printf("\nCSV File:  %s\n", *csvPath)
	fmt.Printf("URL:       %s\n", *baseURL)
	fmt.Printf("Workers:   %d\n", *workers)
	fmt.Printf("Limit:     %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: service not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure the service is running:")
		fmt.Println("  go run ./cmd/provenance")
		os.Exit(1)
	}
	fmt.Println("service is healthy")

	if *reset {
		if err := clearCache(*baseURL); err != nil {
			fmt.Printf("ERROR: failed to reset: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("analytics and flags cleared")
	}

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: failed to open CSV: %v\n", err)
		os.Exit(1)
	}
	items, err := readItems(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(items) == 0 {
		fmt.Println("no items found")
		os.Exit(1)
	}

	counterfeit := 0
	for _, item := range items {
		if item.Counterfeit {
			counterfeit++
		}
	}
	fmt.Printf("loaded %d items\n", len(items))
	fmt.Printf("  - Counterfeit: %d (%.2f%%)\n", counterfeit, 100*float64(counterfeit)/float64(len(items)))
	fmt.Printf("  - Genuine:     %d (%.2f%%)\n", len(items)-counterfeit, 100*float64(len(items)-counterfeit)/float64(len(items)))

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	startTime := time.Now()
	m := runReplay(items, *baseURL, *workers, *verbose)
	printResults(m, time.Since(startTime))
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

func clearCache(baseURL string) error {
	resp, err := http.Post(baseURL+"/api/clear-cache", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// readItems groups CSV rows into labelled items, keeping first-seen order.
// Rows with a malformed stage or timestamp are skipped.
func readItems(r io.Reader, limit int) ([]*LabelledItem, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"item_id", "stage", "timestamp", "location", "actor", "counterfeit"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i := colIndex[name]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var items []*LabelledItem
	byID := make(map[string]*LabelledItem)

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		id := field(record, "item_id")
		if id == "" {
			continue
		}

		event, err := parseEvent(
			field(record, "stage"),
			field(record, "timestamp"),
			field(record, "location"),
			field(record, "actor"),
		)
		if err != nil {
			continue
		}

		item, ok := byID[id]
		if !ok {
			if limit > 0 && len(items) >= limit {
				continue
			}
			item = &LabelledItem{ID: id, History: []domain.Event{}}
			byID[id] = item
			items = append(items, item)
		}

		item.History = append(item.History, event)
		if isTrue(field(record, "counterfeit")) {
			item.Counterfeit = true
		}
	}

	return items, nil
}

func parseEvent(stage, timestamp, location, actor string) (domain.Event, error) {
	event := domain.Event{
		Stage:     domain.StageUndefined,
		Timestamp: domain.NoTimestamp,
		Location:  location,
		Actor:     actor,
	}
	if stage != "" {
		s, err := strconv.Atoi(stage)
		if err != nil {
			return event, fmt.Errorf("invalid stage %q: %w", stage, err)
		}
		event.Stage = domain.Stage(s)
	}
	if timestamp != "" {
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return event, fmt.Errorf("invalid timestamp %q: %w", timestamp, err)
		}
		event.Timestamp = ts
	}
	return event, nil
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func runReplay(items []*LabelledItem, baseURL string, numWorkers int, verbose bool) *Metrics {
	m := &Metrics{}

	if numWorkers <= 0 {
		numWorkers = 1
	}

	work := make(chan *LabelledItem, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for item := range work {
				start := time.Now()
				result, err := analyzeItem(client, baseURL, item)
				atomic.AddInt64(&m.ProcessingTimeMs, time.Since(start).Milliseconds())

				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", item.ID, err)
					}
					continue
				}

				m.record(item.Counterfeit, result.IsFlagged)

				if verbose {
					mark := "ok"
					if item.Counterfeit != result.IsFlagged {
						mark = "MISS"
					}
					fmt.Printf("%-4s %-16s | events: %3d | counterfeit: %-5v | score: %3d | flagged: %v\n",
						mark, item.ID, len(item.History), item.Counterfeit, result.RiskScore, result.IsFlagged)
				}
			}
		}()
	}

	for _, item := range items {
		work <- item
	}
	close(work)

	wg.Wait()

	return m
}

// record adds one labelled outcome to the confusion matrix.
func (m *Metrics) record(actual, predicted bool) {
	atomic.AddInt64(&m.TotalProcessed, 1)
	if actual {
		atomic.AddInt64(&m.TotalCounterfeit, 1)
	} else {
		atomic.AddInt64(&m.TotalGenuine, 1)
	}

	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

// Scores returns precision, recall, F1 and accuracy. Undefined ratios are 0.
func (m *Metrics) Scores() (precision, recall, f1, accuracy float64) {
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return precision, recall, f1, accuracy
}

func analyzeItem(client *http.Client, baseURL string, item *LabelledItem) (*domain.RiskResult, error) {
	body, err := json.Marshal(AnalyzeRequest{ProductID: item.ID, ProductHistory: item.History})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/analyze-risk", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result domain.RiskResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nREPLAY RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Counterfeit:      %d\n", m.TotalCounterfeit)
	fmt.Printf("   Genuine:          %d\n", m.TotalGenuine)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                       Predicted")
	fmt.Println("                   FLAGGED    CLEAR")
	fmt.Printf("   Actual  C     %8d %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("           G     %8d %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision, recall, f1, accuracy := m.Scores()

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were counterfeit)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of counterfeits, how many were flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed+m.TotalErrors)
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f items/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
