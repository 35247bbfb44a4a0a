package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shopapi/shop-app/internal/events"
	"github.com/shopapi/shop-app/internal/metrics"
)

// Publisher receives lifecycle events after a successful write.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Manager is the sole owner of session keys in Redis. It keeps no session
// state in process; every call is one round trip to Redis, and concurrent
// writes for the same user are last-write-wins.
type Manager struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	now       func() time.Time
	newToken  func() (string, error)
	publisher Publisher
	log       *slog.Logger

	createScript  *redis.Script
	refreshScript *redis.Script
	deleteScript  *redis.Script
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the sliding session TTL. Values under one second are
// ignored.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl >= time.Second {
			m.ttl = ttl
		}
	}
}

// WithClock sets the wall clock used for login_time and last_active.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTokenGenerator replaces the random session token source.
func WithTokenGenerator(gen func() (string, error)) Option {
	return func(m *Manager) { m.newToken = gen }
}

// WithPublisher sets where lifecycle events are sent.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a Manager on top of an existing Redis client. The
// caller owns the client and closes it on shutdown.
func NewManager(rdb redis.UniversalClient, opts ...Option) *Manager {
	m := &Manager{
		rdb:           rdb,
		ttl:           DefaultTTL,
		now:           time.Now,
		newToken:      NewToken,
		log:           slog.Default(),
		createScript:  redis.NewScript(createSessionLua),
		refreshScript: redis.NewScript(refreshSessionLua),
		deleteScript:  redis.NewScript(deleteSessionLua),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "session")
	return m
}

// TTL returns the sliding expiry applied to sessions.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Create starts a new session for userID, replacing any existing one. The
// previous session's token stops resolving.
func (m *Manager) Create(ctx context.Context, userID string) (*Record, error) {
	token, err := m.newToken()
	if err != nil {
		return nil, fmt.Errorf("session: create: generate token: %w", err)
	}

	now := m.timestamp()
	rec := &Record{
		UserID:       userID,
		SessionToken: token,
		LoginTime:    now,
		LastActive:   now,
	}

	start := time.Now()
	args := append([]interface{}{m.ttlSeconds(), TokenPrefix}, rec.hashArgs()...)
	err = m.createScript.Run(ctx, m.rdb, []string{Key(userID)}, args...).Err()
	metrics.StoreLatency.WithLabelValues("create").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SessionOps.WithLabelValues("create", "error").Inc()
		m.log.Error("create session failed", "user_id", userID, "error", err)
		return nil, storeError("create", err)
	}
	metrics.SessionOps.WithLabelValues("create", "ok").Inc()

	m.log.Info("session created", "user_id", userID)
	m.publish(ctx, userID, events.TypeLogin, map[string]string{"token_fingerprint": TokenFingerprint(token)})
	return rec, nil
}

// Get returns the live session for userID. It does not touch the TTL or
// last_active.
func (m *Manager) Get(ctx context.Context, userID string) (*Record, error) {
	start := time.Now()
	fields, err := m.rdb.HGetAll(ctx, Key(userID)).Result()
	metrics.StoreLatency.WithLabelValues("get").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SessionOps.WithLabelValues("get", "error").Inc()
		return nil, storeError("get", err)
	}
	if len(fields) == 0 {
		metrics.SessionOps.WithLabelValues("get", "not_found").Inc()
		return nil, ErrNotFound
	}

	rec, err := DecodeFields(fields)
	if err != nil {
		metrics.SessionOps.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("session: get %s: %w", userID, err)
	}
	metrics.SessionOps.WithLabelValues("get", "ok").Inc()
	return rec, nil
}

// Refresh marks the session active now and resets its TTL to the full
// duration. It returns ErrNotFound rather than recreating a missing session.
func (m *Manager) Refresh(ctx context.Context, userID string) (*Record, error) {
	now := m.timestamp()

	start := time.Now()
	reply, err := m.refreshScript.Run(ctx, m.rdb, []string{Key(userID)},
		FormatTime(now), m.ttlSeconds(), TokenPrefix,
	).Result()
	metrics.StoreLatency.WithLabelValues("refresh").Observe(time.Since(start).Seconds())
	if errors.Is(err, redis.Nil) {
		metrics.SessionOps.WithLabelValues("refresh", "not_found").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.SessionOps.WithLabelValues("refresh", "error").Inc()
		m.log.Error("refresh session failed", "user_id", userID, "error", err)
		return nil, storeError("refresh", err)
	}

	rec, err := decodeReply(reply)
	if err != nil {
		metrics.SessionOps.WithLabelValues("refresh", "error").Inc()
		return nil, fmt.Errorf("session: refresh %s: %w", userID, err)
	}
	metrics.SessionOps.WithLabelValues("refresh", "ok").Inc()

	m.log.Debug("session refreshed", "user_id", userID)
	m.publish(ctx, userID, events.TypeActivityTouch, map[string]string{"status": "touched"})
	return rec, nil
}

// Delete ends the session for userID. Deleting a missing session is not an
// error; the returned bool reports whether a session was removed.
func (m *Manager) Delete(ctx context.Context, userID string) (bool, error) {
	start := time.Now()
	n, err := m.deleteScript.Run(ctx, m.rdb, []string{Key(userID)}, TokenPrefix).Int64()
	metrics.StoreLatency.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SessionOps.WithLabelValues("delete", "error").Inc()
		m.log.Error("delete session failed", "user_id", userID, "error", err)
		return false, storeError("delete", err)
	}
	metrics.SessionOps.WithLabelValues("delete", "ok").Inc()

	if n == 0 {
		m.log.Debug("delete: no session", "user_id", userID)
		return false, nil
	}
	m.log.Info("session deleted", "user_id", userID)
	m.publish(ctx, userID, events.TypeLogout, map[string]bool{"deleted_session": true})
	return true, nil
}

// UserIDByToken resolves a session token to the user that owns it.
func (m *Manager) UserIDByToken(ctx context.Context, token string) (string, error) {
	start := time.Now()
	userID, err := m.rdb.Get(ctx, TokenKey(token)).Result()
	metrics.StoreLatency.WithLabelValues("by_token").Observe(time.Since(start).Seconds())
	if errors.Is(err, redis.Nil) {
		metrics.SessionOps.WithLabelValues("by_token", "not_found").Inc()
		return "", ErrNotFound
	}
	if err != nil {
		metrics.SessionOps.WithLabelValues("by_token", "error").Inc()
		return "", storeError("by token", err)
	}
	metrics.SessionOps.WithLabelValues("by_token", "ok").Inc()
	return userID, nil
}

// publish sends a lifecycle event. Failures are logged and counted only;
// they never fail the session operation.
func (m *Manager) publish(ctx context.Context, userID, eventType string, metadata any) {
	if m.publisher == nil {
		return
	}
	ev, err := events.New(userID, eventType, m.now(), metadata)
	if err != nil {
		m.log.Warn("build event failed", "user_id", userID, "type", eventType, "error", err)
		return
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		metrics.EventsPublished.WithLabelValues(eventType, "error").Inc()
		m.log.Warn("publish event failed", "user_id", userID, "type", eventType, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues(eventType, "ok").Inc()
}

// timestamp returns now at the precision persisted in Redis, so a record
// returned by Create equals the one a later Get decodes.
func (m *Manager) timestamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

func (m *Manager) ttlSeconds() int64 {
	return int64(m.ttl / time.Second)
}

// NewToken returns 16 random bytes hex-encoded.
func NewToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
