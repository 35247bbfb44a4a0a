// Package httpapi exposes the session manager, the event log and the live
// event stream over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shopapi/shop-app/internal/events"
	"github.com/shopapi/shop-app/internal/metrics"
	"github.com/shopapi/shop-app/internal/ratelimit"
	"github.com/shopapi/shop-app/internal/session"
)

// Sessions is the subset of session.Manager the API needs.
type Sessions interface {
	Create(ctx context.Context, userID string) (*session.Record, error)
	Get(ctx context.Context, userID string) (*session.Record, error)
	Refresh(ctx context.Context, userID string) (*session.Record, error)
	Delete(ctx context.Context, userID string) (bool, error)
	UserIDByToken(ctx context.Context, token string) (string, error)
}

// EventLog is the subset of eventlog.Store the /logs routes need.
type EventLog interface {
	Create(ctx context.Context, ev events.Event, ttl time.Duration) (uuid.UUID, error)
	Recent(ctx context.Context, eventType string, since time.Time) ([]events.Event, error)
	UpdateMetadata(ctx context.Context, id uuid.UUID, metadata json.RawMessage) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventStream delivers raw lifecycle event payloads to keyed subscribers.
// messaging.NATSClient satisfies it.
type EventStream interface {
	SubscribeSessionEvents(key string, handler func(data []byte)) error
	Unsubscribe(key string) error
}

// Limiter is the rate limiter used on the login and token lookup routes.
type Limiter interface {
	Take(ctx context.Context, identifier string, rule ratelimit.Rule) (allowed bool, remaining int, err error)
}

// ServerConfig holds tunable parameters for the HTTP server.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":8000"
	RequestTimeout  time.Duration // per-request deadline for store calls
	WriteTimeout    time.Duration // deadline for a single stream frame write
	LoginRule       ratelimit.Rule
	TokenLookupRule ratelimit.Rule
	EventLogTTL     time.Duration // row TTL for events created over HTTP
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8000",
		RequestTimeout:  5 * time.Second,
		WriteTimeout:    10 * time.Second,
		LoginRule:       ratelimit.RuleLogin,
		TokenLookupRule: ratelimit.RuleTokenLookup,
	}
}

// Deps are the collaborators behind the routes. Sessions is required; a nil
// EventLog disables /logs, a nil Stream makes /events/ws answer 503, a nil
// Limiter disables rate limiting and a nil Redis skips the health ping.
type Deps struct {
	Sessions Sessions
	EventLog EventLog
	Stream   EventStream
	Limiter  Limiter
	Redis    redis.UniversalClient
	Logger   *slog.Logger
}

// Server is the session service's HTTP front end.
type Server struct {
	config     ServerConfig
	sessions   Sessions
	eventLog   EventLog
	stream     EventStream
	limiter    Limiter
	rdb        redis.UniversalClient
	log        *slog.Logger
	mux        *http.ServeMux
	httpServer *http.Server
	startedAt  time.Time
	now        func() time.Time
}

// NewServer wires the routes. It does not start listening.
func NewServer(config ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    config,
		sessions:  deps.Sessions,
		eventLog:  deps.EventLog,
		stream:    deps.Stream,
		limiter:   deps.Limiter,
		rdb:       deps.Redis,
		log:       logger.With("component", "httpapi"),
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
		now:       time.Now,
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.handle("POST /session/{user_id}", s.rateLimited(s.config.LoginRule, http.HandlerFunc(s.handleCreateSession)))
	s.handle("GET /session/{user_id}", http.HandlerFunc(s.handleGetSession))
	s.handle("PUT /session/{user_id}", http.HandlerFunc(s.handleRefreshSession))
	s.handle("DELETE /session/{user_id}", http.HandlerFunc(s.handleDeleteSession))
	s.handle("GET /session/by-token/{$}", s.rateLimited(s.config.TokenLookupRule, http.HandlerFunc(s.handleSessionByToken)))

	if s.eventLog != nil {
		s.handle("POST /logs/{$}", http.HandlerFunc(s.handleCreateLog))
		s.handle("GET /logs/{$}", http.HandlerFunc(s.handleRecentLogs))
		s.handle("PUT /logs/{event_id}", http.HandlerFunc(s.handleUpdateLogMetadata))
		s.handle("DELETE /logs/old", http.HandlerFunc(s.handleDeleteOldLogs))
	}

	// The stream outlives any request timeout, so it is only instrumented.
	s.mux.Handle("GET /events/ws", instrument("GET /events/ws", http.HandlerFunc(s.handleEventStream)))
	s.mux.Handle("GET /health", instrument("GET /health", http.HandlerFunc(s.handleHealth)))
	s.mux.Handle("GET /metrics", metrics.Handler())
}

func (s *Server) handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, instrument(pattern, withTimeout(s.config.RequestTimeout, h)))
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and blocks until the server is
// shut down.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.log.Info("listening", "addr", s.config.ListenAddr, "event_log", s.eventLog != nil, "stream", s.stream != nil)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Hijacked stream connections are not tracked by net/http; they end when
// the event bus drains their subscriptions.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports liveness. It answers 503 when Redis does not respond,
// since no session operation can succeed without it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status string `json:"status"`
		Redis  string `json:"redis"`
		Uptime string `json:"uptime"`
	}{
		Status: "ok",
		Redis:  "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}
	status := http.StatusOK

	if s.rdb == nil {
		resp.Redis = "unconfigured"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			s.log.Warn("health: redis ping failed", "error", err)
			resp.Status = "degraded"
			resp.Redis = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}
