package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopapi/shop-app/internal/eventlog"
	"github.com/shopapi/shop-app/internal/session"
)

const (
	detailSessionNotFound = "Session not found"
	detailEventNotFound   = "Event not found"
	detailStoreDown       = "session store unavailable"
	detailInternal        = "internal error"
)

type detailResponse struct {
	Detail string `json:"detail"`
}

// sessionResponse renders a record with timestamps in the stored layout.
type sessionResponse struct {
	UserID       string `json:"user_id"`
	SessionToken string `json:"session_token"`
	LoginTime    string `json:"login_time"`
	LastActive   string `json:"last_active"`
}

func newSessionResponse(r *session.Record) sessionResponse {
	return sessionResponse{
		UserID:       r.UserID,
		SessionToken: r.SessionToken,
		LoginTime:    session.FormatTime(r.LoginTime),
		LastActive:   session.FormatTime(r.LastActive),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, detailResponse{Detail: detail})
}

// writeError maps domain errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without leaking the cause.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeDetail(w, http.StatusNotFound, detailSessionNotFound)
	case errors.Is(err, eventlog.ErrNotFound):
		writeDetail(w, http.StatusNotFound, detailEventNotFound)
	case errors.Is(err, eventlog.ErrInvalidMetadata):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrStoreUnavailable):
		s.log.Warn("session store unavailable", "path", r.URL.Path, "error", err)
		writeDetail(w, http.StatusServiceUnavailable, detailStoreDown)
	default:
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, slog.Any("error", err))
		writeDetail(w, http.StatusInternalServerError, detailInternal)
	}
}
