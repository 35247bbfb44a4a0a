package httpapi

import (
	"net/http"
	"strings"
)

// userIDParam returns the path user_id exactly as sent. Only the empty
// string is rejected.
func userIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.PathValue("user_id")
	if userID == "" {
		writeDetail(w, http.StatusBadRequest, "user_id is required")
		return "", false
	}
	return userID, true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	rec, err := s.sessions.Create(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(rec))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	rec, err := s.sessions.Get(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(rec))
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	rec, err := s.sessions.Refresh(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(rec))
}

// handleDeleteSession always answers 200 once the store has been reached;
// deleting a missing session is not an error.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	if _, err := s.sessions.Delete(r.Context(), userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeDetail(w, http.StatusOK, "Session deleted")
}

func (s *Server) handleSessionByToken(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeDetail(w, http.StatusBadRequest, "token is required")
		return
	}
	userID, err := s.sessions.UserIDByToken(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}
