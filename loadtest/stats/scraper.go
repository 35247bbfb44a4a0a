package stats

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// metricSnapshot holds the tracked server metrics at one point in time.
type metricSnapshot struct {
	timestamp     time.Time
	sessionOps    float64
	sessionErrors float64
	eventsSent    float64
	rateLimited   float64
	streamClients float64
	// histogram _sum and _count for computing averages
	storeSum   float64
	storeCount float64
}

// Scraper periodically fetches the server's Prometheus endpoint and keeps
// snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot now and then every interval until ctx ends or Stop
// is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the scraper and waits for its final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// The server may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (metricSnapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return metricSnapshot{}, err
	}
	defer resp.Body.Close()

	snap := metricSnapshot{timestamp: time.Now()}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		applyMetricLine(&snap, scanner.Text())
	}
	return snap, scanner.Err()
}

// applyMetricLine folds one exposition line into snap. Labelled series of
// the same counter are summed.
func applyMetricLine(snap *metricSnapshot, line string) {
	if len(line) == 0 || line[0] == '#' {
		return
	}
	name, labels, value, ok := parseMetricLine(line)
	if !ok {
		return
	}

	switch name {
	case "shop_session_operations_total":
		snap.sessionOps += value
		if strings.Contains(labels, `result="error"`) {
			snap.sessionErrors += value
		}
	case "shop_session_events_published_total":
		snap.eventsSent += value
	case "shop_rate_limited_total":
		snap.rateLimited += value
	case "shop_event_stream_clients":
		snap.streamClients = value
	case "shop_session_store_latency_seconds_sum":
		snap.storeSum += value
	case "shop_session_store_latency_seconds_count":
		snap.storeCount += value
	}
}

// parseMetricLine splits a Prometheus text line into name, raw label set and
// value:
//
//	metric_name 1.23
//	metric_name{label="value"} 1.23
func parseMetricLine(line string) (name, labels string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.IndexByte(line[open:], '}')
		if closing == -1 {
			return "", "", 0, false
		}
		name = line[:open]
		labels = line[open+1 : open+closing]
		rest = line[open+closing+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", "", 0, false
		}
		name = fields[0]
		rest = strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// Report prints initial, final, delta and peak values for each tracked
// metric.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]metricSnapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(metricSnapshot) float64
	}{
		{"Session Ops", func(m metricSnapshot) float64 { return m.sessionOps }},
		{"Session Errors", func(m metricSnapshot) float64 { return m.sessionErrors }},
		{"Events Sent", func(m metricSnapshot) float64 { return m.eventsSent }},
		{"Rate Limited", func(m metricSnapshot) float64 { return m.rateLimited }},
		{"Stream Clients", func(m metricSnapshot) float64 { return m.streamClients }},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peakValue(snaps, r.extract))
	}

	fmt.Println()
	deltaSum := last.storeSum - first.storeSum
	deltaCount := last.storeCount - first.storeCount
	if deltaCount > 0 {
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "Store Latency", deltaSum/deltaCount, deltaCount)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Store Latency")
	}
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
