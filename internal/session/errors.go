package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the user has no live session: never created,
	// deleted, or expired. The three cases are not distinguished here.
	ErrNotFound = errors.New("session: not found")

	// ErrStoreUnavailable wraps any failed round trip to Redis.
	ErrStoreUnavailable = errors.New("session: store unavailable")
)

func storeError(op string, err error) error {
	return fmt.Errorf("session: %s: %w: %w", op, ErrStoreUnavailable, err)
}
