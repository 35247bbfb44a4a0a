// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the shop services. It handles connection lifecycle, keyed
// subscriptions, and the session lifecycle event subjects.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/shopapi/shop-app/internal/events"
)

// NATS subject patterns used across shop services.
const (
	SubjectSessionEvents = "session.events"   // + .<event_type>
	SubjectSessionAll    = "session.events.>" // every lifecycle event
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  *slog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "shop",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// SessionEventSubject returns the subject a lifecycle event type is
// published on.
func SessionEventSubject(eventType string) string {
	return SubjectSessionEvents + "." + eventType
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", "error", err)
			} else {
				logger.Warn("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		log:  logger,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject under key and stores
// the subscription internally for later cleanup.
func (c *NATSClient) Subscribe(key, subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()

	return nil
}

// QueueSubscribe is Subscribe with a queue group, so that only one member
// of the group receives each message.
func (c *NATSClient) QueueSubscribe(key, subject, queue string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()

	return nil
}

// PublishSessionEvent publishes a lifecycle event as JSON on
// session.events.<type>.
func (c *NATSClient) PublishSessionEvent(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal event: %w", err)
	}
	return c.Publish(SessionEventSubject(ev.Type), data)
}

// SubscribeSessionEvents subscribes key to every lifecycle event and passes
// the raw JSON payload to handler.
func (c *NATSClient) SubscribeSessionEvents(key string, handler func(data []byte)) error {
	return c.Subscribe(key, SubjectSessionAll, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// QueueSubscribeSessionEvents is SubscribeSessionEvents load-balanced
// across a queue group.
func (c *NATSClient) QueueSubscribeSessionEvents(key, queue string, handler func(data []byte)) error {
	return c.QueueSubscribe(key, SubjectSessionAll, queue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Unsubscribe removes the subscription stored under key.
func (c *NATSClient) Unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for key %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// Connected reports whether the client currently has a live connection.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain subscription", "key", key, "error", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain", "error", err)
	}

	c.log.Info("client closed")
}

// SessionEventPublisher adapts a NATSClient to the session manager's
// Publisher interface.
type SessionEventPublisher struct {
	client *NATSClient
}

// NewSessionEventPublisher returns a publisher backed by client.
func NewSessionEventPublisher(client *NATSClient) *SessionEventPublisher {
	return &SessionEventPublisher{client: client}
}

// Publish sends ev on the event bus. NATS core publishes are fire and
// forget, so ctx only short-circuits an already cancelled call.
func (p *SessionEventPublisher) Publish(ctx context.Context, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.client.PublishSessionEvent(ev)
}
