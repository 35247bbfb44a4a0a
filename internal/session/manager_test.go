package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shopapi/shop-app/internal/events"
)

// testClock drives both the manager's wall clock and miniredis's TTL clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
	mr  *miniredis.Miniredis
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves wall time forward and lets Redis expire keys accordingly.
func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	c.mr.FastForward(d)
}

// Rewind moves wall time backwards without touching Redis TTLs.
func (c *testClock) Rewind(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(-d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func sameRecord(a, b *Record) bool {
	return a.UserID == b.UserID &&
		a.SessionToken == b.SessionToken &&
		a.LoginTime.Equal(b.LoginTime) &&
		a.LastActive.Equal(b.LastActive)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { client.Close() })

	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), mr: mr}
	base := []Option{
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return NewManager(client, append(base, opts...)...), mr, clock
}

func TestCreateThenGet(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if len(created.SessionToken) != 32 {
		t.Errorf("expected 32-char hex token, got %q", created.SessionToken)
	}

	got, err := m.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.UserID != "u1" {
		t.Errorf("expected user_id u1, got %q", got.UserID)
	}
	if !got.LoginTime.Equal(got.LastActive) {
		t.Errorf("expected login_time == last_active, got %v and %v", got.LoginTime, got.LastActive)
	}
	if !sameRecord(got, created) {
		t.Errorf("Get() = %+v, want %+v", got, created)
	}
}

func TestCreate_WritesFourFieldHashWithTTL(t *testing.T) {
	m, mr, _ := newTestManager(t)

	if _, err := m.Create(context.Background(), "u1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	keys, err := mr.HKeys("session:u1")
	if err != nil {
		t.Fatalf("HKeys() error: %v", err)
	}
	if len(keys) != 4 {
		t.Errorf("expected 4 hash fields, got %v", keys)
	}
	if ttl := mr.TTL("session:u1"); ttl != DefaultTTL {
		t.Errorf("expected TTL %v, got %v", DefaultTTL, ttl)
	}
}

func TestCreate_StoresRecordFields(t *testing.T) {
	m, mr, _ := newTestManager(t)

	created, err := m.Create(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	for field, want := range created.Fields() {
		if got := mr.HGet(Key("u1"), field); got != want {
			t.Errorf("stored %s = %q, want %q", field, got, want)
		}
	}
	if got, err := mr.Get(TokenKey(created.SessionToken)); err != nil || got != "u1" {
		t.Errorf("token index = %q, %v; want u1", got, err)
	}
	if ttl := mr.TTL(TokenKey(created.SessionToken)); ttl != DefaultTTL {
		t.Errorf("token index TTL = %v, want %v", ttl, DefaultTTL)
	}
}

func TestGet_NeverCreated(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Get(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_DoesNotTouchTTL(t *testing.T) {
	m, mr, clock := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "u1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	clock.Advance(100 * time.Second)
	if _, err := m.Get(ctx, "u1"); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if ttl := mr.TTL("session:u1"); ttl != DefaultTTL-100*time.Second {
		t.Errorf("expected Get to leave TTL at %v, got %v", DefaultTTL-100*time.Second, ttl)
	}
}

func TestRefresh_UpdatesLastActiveOnly(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	clock.Advance(10 * time.Minute)
	refreshed, err := m.Refresh(ctx, "u1")
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	if refreshed.LastActive.Before(created.LastActive) {
		t.Errorf("last_active went backwards: %v -> %v", created.LastActive, refreshed.LastActive)
	}
	if !refreshed.LastActive.Equal(clock.Now()) {
		t.Errorf("expected last_active %v, got %v", clock.Now(), refreshed.LastActive)
	}
	if !refreshed.LoginTime.Equal(created.LoginTime) {
		t.Errorf("login_time changed: %v -> %v", created.LoginTime, refreshed.LoginTime)
	}
	if refreshed.SessionToken != created.SessionToken {
		t.Errorf("session_token changed: %q -> %q", created.SessionToken, refreshed.SessionToken)
	}

	got, err := m.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !sameRecord(got, refreshed) {
		t.Errorf("Get() after refresh = %+v, want %+v", got, refreshed)
	}
}

func TestRefresh_NeverMovesLastActiveBackwards(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	clock.Rewind(time.Minute)
	refreshed, err := m.Refresh(ctx, "u1")
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if !refreshed.LastActive.Equal(created.LastActive) {
		t.Errorf("expected last_active to stay %v, got %v", created.LastActive, refreshed.LastActive)
	}
}

func TestRefresh_MissingSessionHasNoSideEffect(t *testing.T) {
	m, mr, _ := newTestManager(t)

	_, err := m.Refresh(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if mr.Exists("session:ghost") {
		t.Error("Refresh must not create a session")
	}
	if n := len(mr.Keys()); n != 0 {
		t.Errorf("expected empty store, found %d keys", n)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "u1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	removed, err := m.Delete(ctx, "u1")
	if err != nil {
		t.Fatalf("first Delete() error: %v", err)
	}
	if !removed {
		t.Error("expected first Delete to report a removal")
	}
	if _, err := m.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after first delete, got %v", err)
	}

	removed, err = m.Delete(ctx, "u1")
	if err != nil {
		t.Fatalf("second Delete() error: %v", err)
	}
	if removed {
		t.Error("expected second Delete to report nothing removed")
	}
	if _, err := m.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after second delete, got %v", err)
	}
}

func TestTTL_ExpiresWithoutRefresh(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "u1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	clock.Advance(1799 * time.Second)
	if _, err := m.Get(ctx, "u1"); err != nil {
		t.Fatalf("expected session alive at T+1799s, got %v", err)
	}

	clock.Advance(2 * time.Second)
	if _, err := m.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound at T+1801s, got %v", err)
	}
	if _, err := m.Refresh(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected Refresh to not resurrect, got %v", err)
	}
}

func TestTTL_RefreshSlidesWindow(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "u1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	clock.Advance(1000 * time.Second)
	if _, err := m.Refresh(ctx, "u1"); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	clock.Advance(1799 * time.Second) // T+2799s
	if _, err := m.Get(ctx, "u1"); err != nil {
		t.Fatalf("expected session alive at T+2799s, got %v", err)
	}

	clock.Advance(2 * time.Second) // T+2801s
	if _, err := m.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound at T+2801s, got %v", err)
	}
}

func TestWithTTL(t *testing.T) {
	m, mr, _ := newTestManager(t, WithTTL(time.Minute))

	if m.TTL() != time.Minute {
		t.Fatalf("expected TTL 1m, got %v", m.TTL())
	}
	if _, err := m.Create(context.Background(), "u1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if ttl := mr.TTL("session:u1"); ttl != time.Minute {
		t.Errorf("expected key TTL 1m, got %v", ttl)
	}

	m2, _, _ := newTestManager(t, WithTTL(time.Millisecond))
	if m2.TTL() != DefaultTTL {
		t.Errorf("sub-second TTL should be ignored, got %v", m2.TTL())
	}
}

func TestCreate_ReplacesExistingSession(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("first Create() error: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := m.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("second Create() error: %v", err)
	}
	if first.SessionToken == second.SessionToken {
		t.Fatal("expected a fresh token on re-login")
	}

	got, err := m.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.SessionToken != second.SessionToken || !got.LoginTime.Equal(second.LoginTime) {
		t.Errorf("expected second session, got %+v", got)
	}

	if _, err := m.UserIDByToken(ctx, first.SessionToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("old token should be invalidated, got %v", err)
	}
	userID, err := m.UserIDByToken(ctx, second.SessionToken)
	if err != nil || userID != "u1" {
		t.Errorf("UserIDByToken(new) = %q, %v", userID, err)
	}
}

func TestTokenIndexFollowsSessionLifecycle(t *testing.T) {
	m, mr, clock := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	clock.Advance(1000 * time.Second)
	if _, err := m.Refresh(ctx, "u1"); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if ttl := mr.TTL(TokenKey(rec.SessionToken)); ttl != DefaultTTL {
		t.Errorf("expected refreshed token TTL %v, got %v", DefaultTTL, ttl)
	}

	if _, err := m.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := m.UserIDByToken(ctx, rec.SessionToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected token removed with session, got %v", err)
	}
}

func TestScenario_LoginTouchLogout(t *testing.T) {
	m, _, clock := newTestManager(t, WithTokenGenerator(func() (string, error) { return "abc", nil }))
	ctx := context.Background()

	created, err := m.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if created.SessionToken != "abc" {
		t.Fatalf("expected token abc, got %q", created.SessionToken)
	}

	got, err := m.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.UserID != "u1" || got.SessionToken != "abc" {
		t.Errorf("unexpected record %+v", got)
	}

	clock.Advance(10 * time.Minute)
	refreshed, err := m.Refresh(ctx, "u1")
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if refreshed.SessionToken != "abc" {
		t.Errorf("refresh changed token to %q", refreshed.SessionToken)
	}
	if !refreshed.LastActive.After(got.LastActive) {
		t.Errorf("expected last_active to advance past %v, got %v", got.LastActive, refreshed.LastActive)
	}

	if _, err := m.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := m.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after logout, got %v", err)
	}
}

func TestGet_CorruptHash(t *testing.T) {
	m, mr, _ := newTestManager(t)
	mr.HSet("session:u1", "user_id", "u1")

	_, err := m.Get(context.Background(), "u1")
	if !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("corrupt record must not look like %v", err)
	}
}

func TestStoreUnavailable(t *testing.T) {
	m, mr, _ := newTestManager(t)
	mr.Close()
	ctx := context.Background()

	if _, err := m.Create(ctx, "u1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Create: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := m.Get(ctx, "u1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Get: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := m.Refresh(ctx, "u1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Refresh: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := m.Delete(ctx, "u1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Delete: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := m.UserIDByToken(ctx, "abc"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("UserIDByToken: expected ErrStoreUnavailable, got %v", err)
	}
}

func TestPublishesLifecycleEvents(t *testing.T) {
	pub := &recordingPublisher{}
	m, _, _ := newTestManager(t, WithPublisher(pub))
	ctx := context.Background()

	if _, err := m.Create(ctx, "u1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := m.Get(ctx, "u1"); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if _, err := m.Refresh(ctx, "u1"); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if _, err := m.Refresh(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Refresh(ghost) expected ErrNotFound, got %v", err)
	}
	if _, err := m.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := m.Delete(ctx, "u1"); err != nil {
		t.Fatalf("second Delete() error: %v", err)
	}

	want := []string{events.TypeLogin, events.TypeActivityTouch, events.TypeLogout}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
	for _, ev := range pub.events {
		if ev.UserID != "u1" {
			t.Errorf("event %s has user_id %q", ev.Type, ev.UserID)
		}
	}
}

func TestLoginEventOmitsToken(t *testing.T) {
	pub := &recordingPublisher{}
	m, _, _ := newTestManager(t, WithPublisher(pub))

	created, err := m.Create(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}

	raw, err := json.Marshal(pub.events[0])
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if strings.Contains(string(raw), created.SessionToken) {
		t.Fatalf("login event leaks the session token: %s", raw)
	}

	var meta map[string]string
	if err := json.Unmarshal(pub.events[0].Metadata, &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if got, want := meta["token_fingerprint"], TokenFingerprint(created.SessionToken); got != want {
		t.Errorf("token_fingerprint = %q, want %q", got, want)
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("bus down")}
	m, _, _ := newTestManager(t, WithPublisher(pub))

	if _, err := m.Create(context.Background(), "u1"); err != nil {
		t.Fatalf("Create() should ignore publish errors, got %v", err)
	}
	if _, err := m.Get(context.Background(), "u1"); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
}

func TestConcurrentUsersAreIndependent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	users := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	var wg sync.WaitGroup
	errs := make(chan error, len(users))
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if _, err := m.Create(ctx, u); err != nil {
				errs <- err
				return
			}
			if _, err := m.Refresh(ctx, u); err != nil {
				errs <- err
			}
		}(u)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent op failed: %v", err)
	}

	for _, u := range users {
		rec, err := m.Get(ctx, u)
		if err != nil {
			t.Errorf("Get(%s) error: %v", u, err)
			continue
		}
		if rec.UserID != u {
			t.Errorf("Get(%s) returned user %q", u, rec.UserID)
		}
	}
}
