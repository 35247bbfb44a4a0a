package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shopapi/shop-app/internal/events"
)

const (
	defaultRecentHours = 24
	defaultRetainDays  = 7

	// Upper bounds keep the look-back well inside time.Duration's range.
	maxRecentHours = 100 * 365 * 24
	maxRetainDays  = 100 * 365
)

// positiveQueryInt reads an optional integer query parameter in [1, max].
func positiveQueryInt(r *http.Request, name string, fallback, max int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > max {
		return 0, false
	}
	return n, true
}

// metadataParam reads the optional metadata query parameter, which must be
// a JSON document when present.
func metadataParam(r *http.Request) (json.RawMessage, bool) {
	v := r.URL.Query().Get("metadata")
	if v == "" {
		return nil, true
	}
	if !json.Valid([]byte(v)) {
		return nil, false
	}
	return json.RawMessage(v), true
}

func (s *Server) handleCreateLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	eventType := strings.TrimSpace(q.Get("event_type"))
	if userID == "" || eventType == "" {
		writeDetail(w, http.StatusBadRequest, "user_id and event_type are required")
		return
	}
	metadata, ok := metadataParam(r)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "metadata must be valid JSON")
		return
	}

	ev, err := events.New(userID, eventType, s.now(), nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if metadata != nil {
		ev.Metadata = metadata
	}

	id, err := s.eventLog.Create(r.Context(), ev, s.config.EventLogTTL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_id": id.String()})
}

func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	eventType := strings.TrimSpace(r.URL.Query().Get("event_type"))
	if eventType == "" {
		writeDetail(w, http.StatusBadRequest, "event_type is required")
		return
	}
	hours, ok := positiveQueryInt(r, "hours", defaultRecentHours, maxRecentHours)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "hours must be between 1 and "+strconv.Itoa(maxRecentHours))
		return
	}

	since := s.now().Add(-time.Duration(hours) * time.Hour)
	list, err := s.eventLog.Recent(r.Context(), eventType, since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleUpdateLogMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("event_id"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "event_id must be a UUID")
		return
	}
	metadata, ok := metadataParam(r)
	if !ok || metadata == nil {
		writeDetail(w, http.StatusBadRequest, "metadata must be valid JSON")
		return
	}

	if err := s.eventLog.UpdateMetadata(r.Context(), id, metadata); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeDetail(w, http.StatusOK, "Metadata updated")
}

func (s *Server) handleDeleteOldLogs(w http.ResponseWriter, r *http.Request) {
	days, ok := positiveQueryInt(r, "days", defaultRetainDays, maxRetainDays)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "days must be between 1 and "+strconv.Itoa(maxRetainDays))
		return
	}

	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := s.eventLog.DeleteOlderThan(r.Context(), cutoff)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
