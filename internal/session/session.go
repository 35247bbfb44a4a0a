// Package session manages user login sessions. It owns the mapping from
// user ID to session record held in Redis, enforcing the sliding TTL and the
// session:<user_id> key format so no other package touches session keys.
package session
