package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shopapi/shop-app/internal/database"
	"github.com/shopapi/shop-app/internal/events"
)

// newTestStore connects to the Postgres at DATABASE_URL, applies migrations
// and empties event_logs. Tests using it are skipped when DATABASE_URL is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := database.Open(ctx, url)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.RunMigrations(db, "../../migrations", quietLogger()); err != nil {
		t.Fatalf("RunMigrations() error: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM event_logs`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewStore(db, time.Hour)
}

func TestStore_CreateAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	login, _ := events.New("u1", events.TypeLogin, now.Add(-time.Minute), map[string]string{"token_fingerprint": "abc"})
	older, _ := events.New("u2", events.TypeLogin, now.Add(-3*time.Hour), nil)
	logout, _ := events.New("u1", events.TypeLogout, now, nil)

	for _, ev := range []events.Event{login, older, logout} {
		if _, err := s.Create(ctx, ev, 0); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	got, err := s.Recent(ctx, events.TypeLogin, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 recent login, got %d", len(got))
	}
	if got[0].ID != login.ID || got[0].UserID != "u1" {
		t.Errorf("unexpected event %+v", got[0])
	}
	var meta map[string]string
	if err := json.Unmarshal(got[0].Metadata, &meta); err != nil || meta["token_fingerprint"] != "abc" {
		t.Errorf("metadata = %s (%v)", got[0].Metadata, err)
	}
}

func TestStore_ExpiredRowsHiddenAndPurged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ev, _ := events.New("u1", events.TypeLogin, now.Add(-2*time.Second), nil)
	if _, err := s.Create(ctx, ev, time.Second); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := s.Recent(ctx, events.TypeLogin, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected expired row hidden, got %d", len(got))
	}

	n, err := s.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpired() error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged row, got %d", n)
	}
}

func TestStore_UpdateMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev, _ := events.New("u1", events.TypeLogin, time.Now(), nil)
	if _, err := s.Create(ctx, ev, 0); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := s.UpdateMetadata(ctx, ev.ID, json.RawMessage(`{"note":"checked"}`)); err != nil {
		t.Fatalf("UpdateMetadata() error: %v", err)
	}
	if err := s.UpdateMetadata(ctx, uuid.New(), json.RawMessage(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
	if err := s.UpdateMetadata(ctx, ev.ID, json.RawMessage(`nope`)); !errors.Is(err, ErrInvalidMetadata) {
		t.Errorf("expected ErrInvalidMetadata, got %v", err)
	}
}

func TestStore_DeleteOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old, _ := events.New("u1", events.TypeLogin, now.Add(-8*24*time.Hour), nil)
	fresh, _ := events.New("u1", events.TypeLogout, now, nil)
	for _, ev := range []events.Event{old, fresh} {
		if _, err := s.Create(ctx, ev, 30*24*time.Hour); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	n, err := s.DeleteOlderThan(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan() error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted row, got %d", n)
	}
}
