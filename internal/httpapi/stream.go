package httpapi

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/shopapi/shop-app/internal/metrics"
)

// streamFilter narrows the live stream to one user and/or one event type.
type streamFilter struct {
	userID    string
	eventType string
}

func (f streamFilter) match(data []byte) bool {
	if f.userID == "" && f.eventType == "" {
		return true
	}
	var head struct {
		UserID string `json:"user_id"`
		Type   string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return false
	}
	if f.userID != "" && head.UserID != f.userID {
		return false
	}
	if f.eventType != "" && head.Type != f.eventType {
		return false
	}
	return true
}

// redactToken strips metadata.session_token from an event payload so a live
// token never reaches a stream client. Payloads without one are returned
// unchanged; payloads that are not JSON objects are dropped.
func redactToken(data []byte) ([]byte, bool) {
	var ev map[string]json.RawMessage
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false
	}
	rawMeta, ok := ev["metadata"]
	if !ok {
		return data, true
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return data, true
	}
	if _, ok := meta["session_token"]; !ok {
		return data, true
	}
	delete(meta, "session_token")

	b, err := json.Marshal(meta)
	if err != nil {
		return nil, false
	}
	ev["metadata"] = b
	out, err := json.Marshal(ev)
	if err != nil {
		return nil, false
	}
	return out, true
}

// handleEventStream upgrades to a WebSocket and forwards every matching
// lifecycle event as a text frame until the client goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeDetail(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	filter := streamFilter{
		userID:    r.URL.Query().Get("user_id"),
		eventType: r.URL.Query().Get("event_type"),
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("stream: upgrade failed", "error", err)
		return
	}

	clientID := uuid.New().String()
	log := s.log.With("client_id", clientID)

	// Frames from the subscription and control replies from the read loop
	// share the connection; each whole frame is written under mu.
	var mu sync.Mutex
	closed := false

	err = s.stream.SubscribeSessionEvents(clientID, func(data []byte) {
		if !filter.match(data) {
			return
		}
		data, ok := redactToken(data)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		if s.config.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		if err := wsutil.WriteServerText(conn, data); err != nil {
			log.Debug("stream: write failed", "error", err)
			closed = true
			conn.Close()
		}
	})
	if err != nil {
		log.Error("stream: subscribe failed", "error", err)
		conn.Close()
		return
	}

	metrics.StreamClients.Inc()
	log.Info("stream: client connected", "user_id", filter.userID, "event_type", filter.eventType)

	go func() {
		defer metrics.StreamClients.Dec()
		readUntilClosed(conn, &mu)

		if err := s.stream.Unsubscribe(clientID); err != nil {
			log.Debug("stream: unsubscribe", "error", err)
		}
		mu.Lock()
		closed = true
		conn.Close()
		mu.Unlock()
		log.Info("stream: client disconnected")
	}()
}

// readUntilClosed answers control frames and discards data frames until the
// client closes the connection or a read fails.
func readUntilClosed(conn net.Conn, mu *sync.Mutex) {
	control := wsutil.ControlFrameHandler(conn, ws.StateServerSide)
	handle := func(h ws.Header, r io.Reader) error {
		mu.Lock()
		defer mu.Unlock()
		return control(h, r)
	}
	rd := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: handle,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := handle(hdr, rd); err != nil {
				return
			}
			continue
		}
		if err := rd.Discard(); err != nil {
			return
		}
	}
}
