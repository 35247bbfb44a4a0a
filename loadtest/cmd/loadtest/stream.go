package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shopapi/shop-app/loadtest/client"
	"github.com/shopapi/shop-app/loadtest/stats"
)

// runStream ramps up WebSocket subscribers, then drives a small number of
// logins so every subscriber should see the same events. It reports how
// many events each subscriber actually received.
func runStream(args []string) {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	api := fs.String("api", "http://localhost:8000", "API base URL")
	subscribers := fs.Int("subscribers", 500, "Number of stream subscribers")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous dial attempts")
	logins := fs.Int("logins", 20, "Login/logout cycles to drive once subscribers are connected")
	settle := fs.Duration("settle", 3*time.Second, "Time to wait for delivery after the last logout")
	fs.Parse(args)

	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*api, "/"), "http") + "/events/ws"
	fmt.Printf("Stream test: %d subscribers on %s, %d login cycles\n", *subscribers, wsURL, *logins)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// --- Ramp-up ---
	var mu sync.Mutex
	streams := make([]*client.Stream, 0, *subscribers)
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	for i := 0; i < *subscribers && ctx.Err() == nil; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			s, err := client.Dial(dialCtx, wsURL)
			if err != nil {
				collector.AddError("dial")
				return
			}
			collector.Observe("dial", s.Metrics().ConnectLatency)
			mu.Lock()
			streams = append(streams, s)
			mu.Unlock()
		}()
	}
	wg.Wait()
	fmt.Printf("Connected %d/%d subscribers\n", len(streams), *subscribers)

	// --- Drive events ---
	c := client.NewAPI(*api)
	expected := 0
	for i := 0; i < *logins && ctx.Err() == nil; i++ {
		c.ForwardedFor = fmt.Sprintf("10.255.0.%d", i%250)
		userID := fmt.Sprintf("stream-%d", i)
		if timed(ctx, collector, "create", func() error {
			_, err := c.CreateSession(ctx, userID)
			return err
		}) {
			expected++
		}
		if timed(ctx, collector, "delete", func() error {
			return c.DeleteSession(ctx, userID)
		}) {
			expected++
		}
	}

	select {
	case <-ctx.Done():
	case <-time.After(*settle):
	}

	// --- Tally ---
	complete, errored := 0, 0
	var missing int
	for _, s := range streams {
		m := s.Metrics()
		if m.Errors > 0 {
			errored++
		}
		if m.EventsReceived >= expected {
			complete++
		} else {
			missing += expected - m.EventsReceived
		}
		s.Close()
	}

	fmt.Printf("\nExpected %d events per subscriber\n", expected)
	fmt.Printf("Subscribers with every event: %d/%d\n", complete, len(streams))
	fmt.Printf("Events missing in total:      %d\n", missing)
	fmt.Printf("Subscribers with read errors: %d\n", errored)
	collector.Report()
}
