package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ExpiredChannelPattern matches Redis keyevent notifications for expired
// keys in every database.
const ExpiredChannelPattern = "__keyevent@*__:expired"

// EnableExpiryNotifications turns on keyevent notifications for expired
// keys, keeping any flags the server already has.
func EnableExpiryNotifications(ctx context.Context, rdb redis.UniversalClient) error {
	current, err := rdb.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		return fmt.Errorf("session: read notify-keyspace-events: %w", err)
	}
	flags := mergeNotifyFlags(current["notify-keyspace-events"])
	if err := rdb.ConfigSet(ctx, "notify-keyspace-events", flags).Err(); err != nil {
		return fmt.Errorf("session: set notify-keyspace-events: %w", err)
	}
	return nil
}

// mergeNotifyFlags adds E (keyevent channel) and x (expired) to flags.
// A covers x already.
func mergeNotifyFlags(flags string) string {
	if !strings.Contains(flags, "E") {
		flags += "E"
	}
	if !strings.Contains(flags, "x") && !strings.Contains(flags, "A") {
		flags += "x"
	}
	return flags
}

// UserIDFromKey extracts the user ID from a session:<user_id> key.
func UserIDFromKey(key string) (string, bool) {
	userID, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

// WatchExpirations calls handle with the user ID of every session key that
// Redis expires, until ctx is done. Notifications are fire and forget on the
// Redis side: expiries that happen while no watcher is connected are lost.
func WatchExpirations(ctx context.Context, rdb redis.UniversalClient, handle func(ctx context.Context, userID string)) error {
	pubsub := rdb.PSubscribe(ctx, ExpiredChannelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("session: subscribe expirations: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if userID, ok := UserIDFromKey(msg.Payload); ok {
				handle(ctx, userID)
			}
		}
	}
}
