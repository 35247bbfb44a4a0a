// Package client provides the HTTP and WebSocket clients used by the shop
// session load and end-to-end tests. The stream client uses gobwas/ws, the
// same library the server uses.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Session mirrors the API's session response body.
type Session struct {
	UserID       string `json:"user_id"`
	SessionToken string `json:"session_token"`
	LoginTime    string `json:"login_time"`
	LastActive   string `json:"last_active"`
}

// Event mirrors a lifecycle event as delivered on the stream.
type Event struct {
	ID        string          `json:"event_id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata"`
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	se, ok := err.(*StatusError)
	return ok && se.Code == code
}

// ---------------------------------------------------------------------------
// HTTP API client
// ---------------------------------------------------------------------------

// API calls the session endpoints of one server.
type API struct {
	base string
	http *http.Client
	// ForwardedFor, when set, is sent as X-Forwarded-For so that simulated
	// users land in separate rate limit windows.
	ForwardedFor string
}

// NewAPI returns a client for the server at base, e.g. http://localhost:8000.
func NewAPI(base string) *API {
	return &API{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *API) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, nil)
	if err != nil {
		return err
	}
	if a.ForwardedFor != "" {
		req.Header.Set("X-Forwarded-For", a.ForwardedFor)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func sessionPath(userID string) string {
	return "/session/" + url.PathEscape(userID)
}

// CreateSession logs userID in.
func (a *API) CreateSession(ctx context.Context, userID string) (*Session, error) {
	var s Session
	if err := a.do(ctx, http.MethodPost, sessionPath(userID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession reads userID's session.
func (a *API) GetSession(ctx context.Context, userID string) (*Session, error) {
	var s Session
	if err := a.do(ctx, http.MethodGet, sessionPath(userID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RefreshSession records activity for userID.
func (a *API) RefreshSession(ctx context.Context, userID string) (*Session, error) {
	var s Session
	if err := a.do(ctx, http.MethodPut, sessionPath(userID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession logs userID out.
func (a *API) DeleteSession(ctx context.Context, userID string) error {
	return a.do(ctx, http.MethodDelete, sessionPath(userID), nil)
}

// UserIDByToken resolves a session token.
func (a *API) UserIDByToken(ctx context.Context, token string) (string, error) {
	var out struct {
		UserID string `json:"user_id"`
	}
	path := "/session/by-token/?token=" + url.QueryEscape(token)
	if err := a.do(ctx, http.MethodGet, path, &out); err != nil {
		return "", err
	}
	return out.UserID, nil
}

// Health calls /health and returns its decoded body.
func (a *API) Health(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	err := a.do(ctx, http.MethodGet, "/health", &out)
	return out, err
}

// ---------------------------------------------------------------------------
// Event stream client
// ---------------------------------------------------------------------------

// StreamMetrics tracks per-connection stream data.
type StreamMetrics struct {
	ConnectLatency time.Duration
	EventsReceived int
	Errors         int
}

// Stream is one WebSocket subscriber to /events/ws.
type Stream struct {
	conn      net.Conn
	mu        sync.Mutex
	metrics   StreamMetrics
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a stream at wsURL, e.g. ws://localhost:8000/events/ws?user_id=u1.
// Received events are buffered; once the buffer is full further events are
// only counted.
func Dial(ctx context.Context, wsURL string) (*Stream, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	s := &Stream{
		conn:   conn,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	s.metrics.ConnectLatency = time.Since(start)

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	go s.readLoop(r)

	return s, nil
}

// Events returns the channel of received events.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// WaitFor returns the first received event matching userID and eventType,
// discarding others, or an error when ctx ends first.
func (s *Stream) WaitFor(ctx context.Context, userID, eventType string) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, fmt.Errorf("waiting for %s/%s: %w", userID, eventType, ctx.Err())
		case ev, ok := <-s.events:
			if !ok {
				return Event{}, fmt.Errorf("stream closed before %s/%s", userID, eventType)
			}
			if ev.UserID == userID && ev.Type == eventType {
				return ev, nil
			}
		}
	}
}

// Metrics returns a copy of the stream's metrics.
func (s *Stream) Metrics() StreamMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) readLoop(r io.Reader) {
	defer close(s.events)
	rw := struct {
		io.Reader
		io.Writer
	}{r, s.conn}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.mu.Lock()
				s.metrics.Errors++
				s.mu.Unlock()
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		s.mu.Lock()
		s.metrics.EventsReceived++
		s.mu.Unlock()

		select {
		case s.events <- ev:
		default:
		}
	}
}
