// Package stats provides a goroutine-safe collector that aggregates per
// operation latencies from many load test workers and prints a summary with
// percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates results from concurrent workers.
type Collector struct {
	mu        sync.Mutex
	latencies map[string][]time.Duration
	errors    map[string]int
	order     []string
	startTime time.Time
	scraper   *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		latencies: make(map[string][]time.Duration),
		errors:    make(map[string]int),
		startTime: time.Now(),
	}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// Report's output.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

func (c *Collector) touch(op string) {
	if _, ok := c.latencies[op]; !ok {
		if _, seen := c.errors[op]; !seen {
			c.order = append(c.order, op)
		}
	}
}

// Observe records one successful call to op.
func (c *Collector) Observe(op string, d time.Duration) {
	c.mu.Lock()
	c.touch(op)
	c.latencies[op] = append(c.latencies[op], d)
	c.mu.Unlock()
}

// AddError records one failed call to op.
func (c *Collector) AddError(op string) {
	c.mu.Lock()
	c.touch(op)
	c.errors[op]++
	c.mu.Unlock()
}

// Count returns the number of successful calls to op.
func (c *Collector) Count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.latencies[op])
}

// ErrorCount returns the total number of failed calls.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.errors {
		n += e
	}
	return n
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)
	total := 0
	for _, l := range c.latencies {
		total += len(l)
	}
	errs := 0
	for _, e := range c.errors {
		errs += e
	}

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Requests:     %d\n", total+errs)
	fmt.Printf("Errors:       %d\n", errs)
	if total+errs > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(errs)/float64(total+errs)*100)
		fmt.Printf("Throughput:   %.1f req/s\n", float64(total+errs)/elapsed.Seconds())
	}

	for _, op := range c.order {
		fmt.Printf("\n--- %s (errors: %d) ---\n", op, c.errors[op])
		if p, ok := Summarize(c.latencies[op]); ok {
			fmt.Println("  " + p.String())
		}
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// Percentiles summarises a latency sample.
type Percentiles struct {
	Avg, P50, P95, P99, Max time.Duration
	N                       int
}

func (p Percentiles) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}

// Summarize sorts durations in place and computes its percentiles. It
// reports false for an empty sample.
func Summarize(durations []time.Duration) (Percentiles, bool) {
	n := len(durations)
	if n == 0 {
		return Percentiles{}, false
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Percentiles{
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
		N:   n,
	}, true
}
