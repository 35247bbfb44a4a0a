package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	// KeyPrefix is the Redis key prefix for session hashes. The full key is
	// session:<user_id>; changing it orphans every live session.
	KeyPrefix = "session:"

	// TokenPrefix is the Redis key prefix for the token -> user_id index.
	TokenPrefix = "token:"

	// DefaultTTL is the sliding expiry applied on create and on every refresh.
	DefaultTTL = 1800 * time.Second

	// TimeLayout is the stored timestamp format. It is fixed width and always
	// UTC, so string order matches time order.
	TimeLayout = "2006-01-02T15:04:05.000000Z07:00"
)

// Hash field names.
const (
	fieldUserID       = "user_id"
	fieldSessionToken = "session_token"
	fieldLoginTime    = "login_time"
	fieldLastActive   = "last_active"
)

// ErrCorruptRecord is returned when a stored hash is missing fields or holds
// values that cannot be parsed.
var ErrCorruptRecord = errors.New("session: corrupt record")

// Record is one user's active login.
type Record struct {
	UserID       string    `json:"user_id"`
	SessionToken string    `json:"session_token"`
	LoginTime    time.Time `json:"login_time"`
	LastActive   time.Time `json:"last_active"`
}

// Key returns the Redis key holding the session for userID.
func Key(userID string) string {
	return KeyPrefix + userID
}

// TokenKey returns the Redis key mapping token back to its user ID.
func TokenKey(token string) string {
	return TokenPrefix + token
}

// FormatTime renders t in the stored timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Fields flattens the record into the string mapping stored in Redis.
func (r *Record) Fields() map[string]string {
	return map[string]string{
		fieldUserID:       r.UserID,
		fieldSessionToken: r.SessionToken,
		fieldLoginTime:    FormatTime(r.LoginTime),
		fieldLastActive:   FormatTime(r.LastActive),
	}
}

// hashArgs returns Fields as a flat field/value list for HSET.
func (r *Record) hashArgs() []interface{} {
	fields := r.Fields()
	args := make([]interface{}, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

// TokenFingerprint returns a short non-reversible tag for token. Events carry
// it instead of the token so subscribers can correlate logins without being
// able to use them.
func TokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

// DecodeFields rebuilds a record from a stored field mapping.
func DecodeFields(fields map[string]string) (*Record, error) {
	userID, ok := fields[fieldUserID]
	if !ok || userID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrCorruptRecord, fieldUserID)
	}
	token, ok := fields[fieldSessionToken]
	if !ok || token == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrCorruptRecord, fieldSessionToken)
	}
	loginTime, err := parseField(fields, fieldLoginTime)
	if err != nil {
		return nil, err
	}
	lastActive, err := parseField(fields, fieldLastActive)
	if err != nil {
		return nil, err
	}
	return &Record{
		UserID:       userID,
		SessionToken: token,
		LoginTime:    loginTime,
		LastActive:   lastActive,
	}, nil
}

// decodeReply decodes the flat field/value array returned by HGETALL inside
// a Lua script.
func decodeReply(reply interface{}) (*Record, error) {
	items, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: unexpected reply %T", ErrCorruptRecord, reply)
	}
	if len(items)%2 != 0 {
		return nil, fmt.Errorf("%w: odd field count %d", ErrCorruptRecord, len(items))
	}
	fields := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		k, ok1 := items[i].(string)
		v, ok2 := items[i+1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: non-string field at %d", ErrCorruptRecord, i)
		}
		fields[k] = v
	}
	return DecodeFields(fields)
}

func parseField(fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return time.Time{}, fmt.Errorf("%w: missing %s", ErrCorruptRecord, name)
	}
	// RFC3339Nano accepts TimeLayout as well as offsets other than Z.
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, name, err)
	}
	return t.UTC(), nil
}
