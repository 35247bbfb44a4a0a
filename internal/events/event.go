// Package events defines the session lifecycle event shared by the session
// manager (producer), the NATS event bus (transport) and the Postgres event
// log (sink).
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types recorded for a session's lifecycle.
const (
	TypeLogin         = "login"
	TypeLogout        = "logout"
	TypeActivityTouch = "activity_touch"
	TypeExpired       = "expired"
)

// Event is one entry in a user's session history.
type Event struct {
	ID        uuid.UUID       `json:"event_id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// New builds an event with a fresh random ID. A nil metadata value is stored
// as an empty JSON object.
func New(userID, eventType string, at time.Time, metadata any) (Event, error) {
	raw := json.RawMessage(`{}`)
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return Event{}, err
		}
		raw = b
	}
	return Event{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      eventType,
		Timestamp: at.UTC(),
		Metadata:  raw,
	}, nil
}

// Known reports whether t is one of the lifecycle event types.
func Known(t string) bool {
	switch t {
	case TypeLogin, TypeLogout, TypeActivityTouch, TypeExpired:
		return true
	}
	return false
}
