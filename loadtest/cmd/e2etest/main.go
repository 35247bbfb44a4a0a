// Package main implements a standalone end-to-end check of the shop session
// service against a running stack: health, the session lifecycle, the token
// index, idempotent logout, the live event stream and login rate limiting.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-api http://localhost:8000] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopapi/shop-app/loadtest/client"
)

type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

func pass(name string) scenarioResult { return scenarioResult{name: name, kind: resultPass} }

func fail(name, format string, args ...any) scenarioResult {
	return scenarioResult{name: name, kind: resultFail, detail: fmt.Sprintf(format, args...)}
}

func info(name, format string, args ...any) scenarioResult {
	return scenarioResult{name: name, kind: resultInfo, detail: fmt.Sprintf(format, args...)}
}

func main() {
	apiBase := flag.String("api", "http://localhost:8000", "API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Shop Session E2E Test ===")
	fmt.Printf("Server: %s\n\n", *apiBase)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	run := fmt.Sprintf("e2e-%d", time.Now().UnixNano())
	api := client.NewAPI(*apiBase)
	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*apiBase, "/"), "http") + "/events/ws"

	results := []scenarioResult{
		scenarioHealth(ctx, api),
		scenarioLifecycle(ctx, api, run+"-life"),
		scenarioTokenIndex(ctx, api, run+"-token"),
		scenarioIdempotentDelete(ctx, api, run+"-ghost"),
		scenarioStream(ctx, api, wsURL, run+"-stream"),
		scenarioRateLimit(ctx, *apiBase, run+"-rl"),
	}

	fmt.Println()
	passed, failed, infos := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			infos++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if infos > 0 {
		fmt.Printf(", %d info", infos)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

func scenarioHealth(ctx context.Context, api *client.API) scenarioResult {
	const name = "Health check"
	body, err := api.Health(ctx)
	if err != nil {
		return fail(name, "%v", err)
	}
	if body["redis"] != "ok" {
		return fail(name, "redis=%q", body["redis"])
	}
	return pass(name)
}

func scenarioLifecycle(ctx context.Context, api *client.API, userID string) scenarioResult {
	const name = "Session lifecycle"

	created, err := api.CreateSession(ctx, userID)
	if err != nil {
		return fail(name, "create: %v", err)
	}
	if created.LoginTime != created.LastActive {
		return fail(name, "login_time %s != last_active %s", created.LoginTime, created.LastActive)
	}

	got, err := api.GetSession(ctx, userID)
	if err != nil {
		return fail(name, "get: %v", err)
	}
	if *got != *created {
		return fail(name, "get returned %+v, want %+v", got, created)
	}

	time.Sleep(10 * time.Millisecond)
	refreshed, err := api.RefreshSession(ctx, userID)
	if err != nil {
		return fail(name, "refresh: %v", err)
	}
	if refreshed.SessionToken != created.SessionToken || refreshed.LoginTime != created.LoginTime {
		return fail(name, "refresh changed token or login_time")
	}
	if refreshed.LastActive <= created.LastActive {
		return fail(name, "last_active did not advance: %s -> %s", created.LastActive, refreshed.LastActive)
	}

	if err := api.DeleteSession(ctx, userID); err != nil {
		return fail(name, "delete: %v", err)
	}
	if _, err := api.GetSession(ctx, userID); !client.IsStatus(err, http.StatusNotFound) {
		return fail(name, "get after delete: want 404, got %v", err)
	}
	if _, err := api.RefreshSession(ctx, userID); !client.IsStatus(err, http.StatusNotFound) {
		return fail(name, "refresh after delete: want 404, got %v", err)
	}
	return pass(name)
}

func scenarioTokenIndex(ctx context.Context, api *client.API, userID string) scenarioResult {
	const name = "Token index"

	first, err := api.CreateSession(ctx, userID)
	if err != nil {
		return fail(name, "create: %v", err)
	}
	owner, err := api.UserIDByToken(ctx, first.SessionToken)
	if err != nil || owner != userID {
		return fail(name, "lookup: %q, %v", owner, err)
	}

	second, err := api.CreateSession(ctx, userID)
	if err != nil {
		return fail(name, "re-create: %v", err)
	}
	if second.SessionToken == first.SessionToken {
		return fail(name, "re-create reused the token")
	}
	if _, err := api.UserIDByToken(ctx, first.SessionToken); !client.IsStatus(err, http.StatusNotFound) {
		return fail(name, "old token still resolves: %v", err)
	}

	_ = api.DeleteSession(ctx, userID)
	if _, err := api.UserIDByToken(ctx, second.SessionToken); !client.IsStatus(err, http.StatusNotFound) {
		return fail(name, "token resolves after logout: %v", err)
	}
	return pass(name)
}

func scenarioIdempotentDelete(ctx context.Context, api *client.API, userID string) scenarioResult {
	const name = "Idempotent logout"
	for i := 0; i < 2; i++ {
		if err := api.DeleteSession(ctx, userID); err != nil {
			return fail(name, "delete #%d: %v", i+1, err)
		}
	}
	return pass(name)
}

func scenarioStream(ctx context.Context, api *client.API, wsURL, userID string) scenarioResult {
	const name = "Event stream"

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s, err := client.Dial(dialCtx, wsURL+"?user_id="+userID)
	if err != nil {
		return info(name, "stream unavailable: %v", err)
	}
	defer s.Close()

	// Give the server a moment to register the subscription.
	time.Sleep(200 * time.Millisecond)

	if _, err := api.CreateSession(ctx, userID); err != nil {
		return fail(name, "create: %v", err)
	}
	if _, err := api.RefreshSession(ctx, userID); err != nil {
		return fail(name, "refresh: %v", err)
	}
	if err := api.DeleteSession(ctx, userID); err != nil {
		return fail(name, "delete: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, typ := range []string{"login", "activity_touch", "logout"} {
		if _, err := s.WaitFor(waitCtx, userID, typ); err != nil {
			return fail(name, "%v", err)
		}
	}
	return pass(name)
}

// scenarioRateLimit logs in from one address until the login rule trips.
// It is informational because the limit is configurable.
func scenarioRateLimit(ctx context.Context, apiBase, userID string) scenarioResult {
	const name = "Login rate limiting"

	api := client.NewAPI(apiBase)
	api.ForwardedFor = "198.51.100.77"
	defer api.DeleteSession(ctx, userID)

	for i := 1; i <= 100; i++ {
		_, err := api.CreateSession(ctx, userID)
		if client.IsStatus(err, http.StatusTooManyRequests) {
			return pass(name + fmt.Sprintf(" (limited after %d logins)", i-1))
		}
		if err != nil {
			return fail(name, "login #%d: %v", i, err)
		}
	}
	return info(name, "no 429 after 100 logins")
}
