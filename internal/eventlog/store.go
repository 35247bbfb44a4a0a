// Package eventlog provides PostgreSQL-backed storage for session lifecycle
// events. Each row carries its own expiry; rows past it are hidden from reads
// and removed by the periodic purge.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shopapi/shop-app/internal/events"
)

const (
	// DefaultTTL is how long an event row is kept when no TTL is given.
	DefaultTTL = 24 * time.Hour

	// MaxRecent caps the number of rows returned by Recent.
	MaxRecent = 1000
)

var (
	// ErrNotFound is returned when an event ID has no row.
	ErrNotFound = errors.New("eventlog: event not found")

	// ErrInvalidMetadata is returned when metadata is not valid JSON.
	ErrInvalidMetadata = errors.New("eventlog: metadata must be valid JSON")
)

// Store manages session events in PostgreSQL.
type Store struct {
	db         *sql.DB
	defaultTTL time.Duration
}

// NewStore creates a new event store backed by the given database handle.
// A non-positive defaultTTL falls back to DefaultTTL.
func NewStore(db *sql.DB, defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Store{db: db, defaultTTL: defaultTTL}
}

// Create inserts an event. The row expires ttl after the event's timestamp;
// a non-positive ttl uses the store default. A zero ID or timestamp is
// filled in.
func (s *Store) Create(ctx context.Context, ev events.Event, ttl time.Duration) (uuid.UUID, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	metadata, err := normalizeMetadata(ev.Metadata)
	if err != nil {
		return uuid.Nil, err
	}

	const query = `
		INSERT INTO event_logs (event_id, user_id, event_type, occurred_at, metadata, expires_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (event_id) DO NOTHING`

	_, err = s.db.ExecContext(ctx, query,
		ev.ID,
		ev.UserID,
		ev.Type,
		ev.Timestamp,
		metadata,
		ev.Timestamp.Add(ttl),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("eventlog: insert: %w", err)
	}
	return ev.ID, nil
}

// Recent returns unexpired events of eventType that happened after since,
// newest first.
func (s *Store) Recent(ctx context.Context, eventType string, since time.Time) ([]events.Event, error) {
	const query = `
		SELECT event_id, user_id, event_type, occurred_at, metadata
		FROM event_logs
		WHERE event_type = $1
		  AND occurred_at > $2
		  AND expires_at > NOW()
		ORDER BY occurred_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, eventType, since, MaxRecent)
	if err != nil {
		return nil, fmt.Errorf("eventlog: recent: %w", err)
	}
	defer rows.Close()

	out := make([]events.Event, 0)
	for rows.Next() {
		var (
			ev       events.Event
			metadata []byte
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Type, &ev.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		ev.Metadata = json.RawMessage(metadata)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: recent rows: %w", err)
	}
	return out, nil
}

// UpdateMetadata replaces the metadata of an existing event.
func (s *Store) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata json.RawMessage) error {
	normalized, err := normalizeMetadata(metadata)
	if err != nil {
		return err
	}

	const query = `UPDATE event_logs SET metadata = $1::jsonb WHERE event_id = $2`

	res, err := s.db.ExecContext(ctx, query, normalized, id)
	if err != nil {
		return fmt.Errorf("eventlog: update metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("eventlog: update metadata: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOlderThan removes events that happened before cutoff and returns
// how many rows were deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM event_logs WHERE occurred_at < $1`

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("eventlog: delete old: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("eventlog: delete old: %w", err)
	}
	return n, nil
}

// PurgeExpired removes rows whose expiry is at or before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM event_logs WHERE expires_at <= $1`

	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("eventlog: purge expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("eventlog: purge expired: %w", err)
	}
	return n, nil
}

// normalizeMetadata validates metadata and returns it as a string suitable
// for a jsonb parameter. Empty metadata becomes {}.
func normalizeMetadata(metadata json.RawMessage) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	if !json.Valid(metadata) {
		return "", ErrInvalidMetadata
	}
	return string(metadata), nil
}
