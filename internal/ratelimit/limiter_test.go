package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func TestTake_WithinAndOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "test", Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		ok, _, err := l.Take(ctx, "1.2.3.4", rule)
		if err != nil {
			t.Fatalf("Take() #%d error: %v", i, err)
		}
		if !ok {
			t.Fatalf("Take() #%d rejected within limit", i)
		}
	}

	ok, _, err := l.Take(ctx, "1.2.3.4", rule)
	if err != nil {
		t.Fatalf("Take() error: %v", err)
	}
	if ok {
		t.Error("expected 4th request to be rate limited")
	}

	// Other identifiers have their own window.
	ok, _, _ = l.Take(ctx, "5.6.7.8", rule)
	if !ok {
		t.Error("expected a different identifier to be allowed")
	}
}

func TestTake_WindowResets(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "test", Key: "rl:test:", Limit: 1, Window: 10 * time.Second}

	if ok, _, _ := l.Take(ctx, "id", rule); !ok {
		t.Fatal("first request should be allowed")
	}
	if ok, _, _ := l.Take(ctx, "id", rule); ok {
		t.Fatal("second request should be limited")
	}
	if ttl := mr.TTL("rl:test:id"); ttl != 10*time.Second {
		t.Errorf("expected window TTL 10s, got %v", ttl)
	}

	mr.FastForward(11 * time.Second)
	if ok, _, _ := l.Take(ctx, "id", rule); !ok {
		t.Error("expected request to be allowed after window reset")
	}
}

func TestTake_FailsOpen(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	ok, _, err := l.Take(context.Background(), "id", RuleLogin)
	if err == nil {
		t.Error("expected the Redis error to be returned")
	}
	if !ok {
		t.Error("expected fail-open when Redis is down")
	}
}

func TestTake_Remaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "test", Key: "rl:test:", Limit: 3, Window: time.Minute}

	wants := []struct {
		allowed   bool
		remaining int
	}{{true, 2}, {true, 1}, {true, 0}, {false, 0}, {false, 0}}
	for i, want := range wants {
		allowed, remaining, err := l.Take(ctx, "id", rule)
		if err != nil {
			t.Fatalf("Take() #%d error: %v", i+1, err)
		}
		if allowed != want.allowed || remaining != want.remaining {
			t.Errorf("Take() #%d = %v, %d; want %v, %d", i+1, allowed, remaining, want.allowed, want.remaining)
		}
	}
}

func TestTake_FailsOpenWithFullLimit(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	allowed, remaining, err := l.Take(context.Background(), "id", RuleTokenLookup)
	if err == nil || !allowed || remaining != RuleTokenLookup.Limit {
		t.Errorf("Take() = %v, %d, %v; want fail open with full limit", allowed, remaining, err)
	}
}

func TestRuleWithLimit(t *testing.T) {
	r := RuleLogin.WithLimit(42)
	if r.Limit != 42 || r.Key != RuleLogin.Key {
		t.Errorf("unexpected rule %+v", r)
	}
	if RuleLogin.Limit != 10 {
		t.Error("WithLimit must not modify RuleLogin")
	}
	if got := RuleLogin.WithLimit(0); got.Limit != RuleLogin.Limit {
		t.Errorf("zero limit should be ignored, got %d", got.Limit)
	}
}
