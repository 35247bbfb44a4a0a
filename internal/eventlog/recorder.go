package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shopapi/shop-app/internal/events"
	"github.com/shopapi/shop-app/internal/metrics"
)

// Writer is the part of Store the recorder needs.
type Writer interface {
	Create(ctx context.Context, ev events.Event, ttl time.Duration) (uuid.UUID, error)
}

// Recorder persists lifecycle events received from the event bus and from
// Redis expiry notifications.
type Recorder struct {
	w   Writer
	ttl time.Duration
	now func() time.Time
	log *slog.Logger
}

// NewRecorder returns a Recorder writing rows with the given retention.
func NewRecorder(w Writer, ttl time.Duration, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		w:   w,
		ttl: ttl,
		now: time.Now,
		log: logger.With("component", "recorder"),
	}
}

// HandleMessage decodes a JSON event published on the bus and stores it.
// Unknown event types are rejected so a misrouted subject cannot pollute
// the audit trail.
func (r *Recorder) HandleMessage(ctx context.Context, data []byte) error {
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("eventlog: decode event: %w", err)
	}
	if ev.UserID == "" {
		return fmt.Errorf("eventlog: event %s without user_id", ev.ID)
	}
	if !events.Known(ev.Type) {
		return fmt.Errorf("eventlog: unknown event type %q", ev.Type)
	}
	return r.record(ctx, ev)
}

// Handler adapts HandleMessage to a bus subscription. Each message gets its
// own timeout. The timeout derives from parent's values but not its
// cancellation, so messages delivered while the subscription drains after
// shutdown are still written.
func (r *Recorder) Handler(parent context.Context, timeout time.Duration) func(data []byte) {
	base := context.WithoutCancel(parent)
	return func(data []byte) {
		ctx, cancel := context.WithTimeout(base, timeout)
		defer cancel()
		if err := r.HandleMessage(ctx, data); err != nil {
			r.log.Warn("event not recorded", "error", err)
		}
	}
}

// RecordExpired stores an "expired" event for a session that Redis dropped.
func (r *Recorder) RecordExpired(ctx context.Context, userID string) error {
	ev, err := events.New(userID, events.TypeExpired, r.now(), map[string]string{"reason": "ttl"})
	if err != nil {
		return fmt.Errorf("eventlog: build expired event: %w", err)
	}
	return r.record(ctx, ev)
}

func (r *Recorder) record(ctx context.Context, ev events.Event) error {
	if _, err := r.w.Create(ctx, ev, r.ttl); err != nil {
		metrics.EventsRecorded.WithLabelValues(ev.Type, "error").Inc()
		return err
	}
	metrics.EventsRecorded.WithLabelValues(ev.Type, "ok").Inc()
	r.log.Debug("event recorded", "user_id", ev.UserID, "type", ev.Type, "event_id", ev.ID)
	return nil
}
