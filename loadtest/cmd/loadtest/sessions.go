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

// runSessions starts a fixed number of simulated users. Each user loops
// through login, a few activity refreshes, a read, a token lookup and a
// logout until the test duration ends.
func runSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	api := fs.String("api", "http://localhost:8000", "API base URL")
	users := fs.Int("users", 100, "Number of concurrent simulated users")
	refreshes := fs.Int("refreshes", 5, "Activity refreshes per login")
	think := fs.Duration("think", 50*time.Millisecond, "Pause between a user's requests")
	duration := fs.Duration("duration", 30*time.Second, "Test duration")
	spread := fs.Bool("spread-ips", true, "Give each user its own X-Forwarded-For address")
	scrape := fs.Bool("scrape", true, "Scrape server metrics from <api>/metrics")
	fs.Parse(args)

	fmt.Printf("Sessions test: %d users against %s for %s (refreshes=%d, think=%s)\n",
		*users, *api, *duration, *refreshes, *think)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	collector := stats.NewCollector()
	if *scrape {
		scraper := stats.NewScraper(strings.TrimRight(*api, "/")+"/metrics", 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	var wg sync.WaitGroup
	for i := 0; i < *users; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c := client.NewAPI(*api)
			if *spread {
				c.ForwardedFor = fmt.Sprintf("10.%d.%d.%d", (n>>16)&0xff, (n>>8)&0xff, n&0xff)
			}
			userLoop(ctx, c, fmt.Sprintf("loadtest-%d", n), *refreshes, *think, collector)
		}(i)
	}

	go progress(ctx, collector)
	wg.Wait()

	collector.Report()
}

// timed runs fn and records its latency under op. Cancellation at the end of
// the test is not counted as an error.
func timed(ctx context.Context, c *stats.Collector, op string, fn func() error) bool {
	start := time.Now()
	err := fn()
	if err != nil {
		if ctx.Err() == nil {
			c.AddError(op)
		}
		return false
	}
	c.Observe(op, time.Since(start))
	return true
}

func userLoop(ctx context.Context, api *client.API, userID string, refreshes int, think time.Duration, c *stats.Collector) {
	pause := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(think):
			return true
		}
	}

	for ctx.Err() == nil {
		var sess *client.Session
		if !timed(ctx, c, "create", func() (err error) {
			sess, err = api.CreateSession(ctx, userID)
			return err
		}) {
			if !pause() {
				return
			}
			continue
		}

		for i := 0; i < refreshes && pause(); i++ {
			timed(ctx, c, "refresh", func() error {
				_, err := api.RefreshSession(ctx, userID)
				return err
			})
		}
		if !pause() {
			return
		}

		timed(ctx, c, "get", func() error {
			_, err := api.GetSession(ctx, userID)
			return err
		})
		timed(ctx, c, "by_token", func() error {
			got, err := api.UserIDByToken(ctx, sess.SessionToken)
			if err == nil && got != userID {
				return fmt.Errorf("token resolved to %q, want %q", got, userID)
			}
			return err
		})
		timed(ctx, c, "delete", func() error {
			return api.DeleteSession(ctx, userID)
		})
		if !pause() {
			return
		}
	}
}

func progress(ctx context.Context, c *stats.Collector) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Printf("  [run] logins: %d  refreshes: %d  errors: %d\n",
				c.Count("create"), c.Count("refresh"), c.ErrorCount())
		}
	}
}
