package session

// The scripts below derive the token:<token> key server side from the stored
// hash, so they require a single-node (or sentinel) Redis, not Redis Cluster.

// createSessionLua replaces any existing session for the user. The previous
// token's index entry is removed so the old token stops resolving.
//
//	KEYS[1] = session:<user_id>
//	ARGV    = ttl_seconds, token_prefix, field, value, ...
const createSessionLua = `
local key = KEYS[1]
local ttl = ARGV[1]
local prefix = ARGV[2]

local old = redis.call('HGET', key, 'session_token')
if old then
    redis.call('DEL', prefix .. old)
end

redis.call('DEL', key)
redis.call('HSET', key, unpack(ARGV, 3))
redis.call('EXPIRE', key, ttl)

local token = redis.call('HGET', key, 'session_token')
local user_id = redis.call('HGET', key, 'user_id')
redis.call('SET', prefix .. token, user_id, 'EX', ttl)
return 1
`

// refreshSessionLua bumps last_active (never backwards) and re-arms the TTL
// on both the hash and its token entry. Returns nil if the session is gone,
// otherwise the full hash as a flat field/value array.
//
//	KEYS[1] = session:<user_id>
//	ARGV    = now, ttl_seconds, token_prefix
const refreshSessionLua = `
local key = KEYS[1]

if redis.call('EXISTS', key) == 0 then
    return false
end

local last = redis.call('HGET', key, 'last_active')
if (not last) or ARGV[1] > last then
    redis.call('HSET', key, 'last_active', ARGV[1])
end
redis.call('EXPIRE', key, ARGV[2])

local token = redis.call('HGET', key, 'session_token')
local user_id = redis.call('HGET', key, 'user_id')
if token and user_id then
    redis.call('SET', ARGV[3] .. token, user_id, 'EX', ARGV[2])
end

return redis.call('HGETALL', key)
`

// deleteSessionLua removes the hash and its token entry. Returns the number
// of session hashes removed (0 or 1).
//
//	KEYS[1] = session:<user_id>
//	ARGV    = token_prefix
const deleteSessionLua = `
local key = KEYS[1]

local token = redis.call('HGET', key, 'session_token')
if token then
    redis.call('DEL', ARGV[1] .. token)
end

return redis.call('DEL', key)
`
